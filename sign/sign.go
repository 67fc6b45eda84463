// Package sign implements shared-key request authentication for the Azure
// Blob Storage REST API. A request is bound to an account key by assembling
// the canonical string-to-sign defined by the service and attaching its
// HMAC-SHA256 signature in the Authorization header.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// APIVersion is the x-ms-version sent with directly signed requests. It is
// independent of the SAS token version.
const APIVersion = "2023-01-03"

const (
	headerAuthorization     = "Authorization"
	headerContentEncoding   = "Content-Encoding"
	headerContentLanguage   = "Content-Language"
	headerContentLength     = "Content-Length"
	headerContentMD5        = "Content-MD5"
	headerContentType       = "Content-Type"
	headerIfModifiedSince   = "If-Modified-Since"
	headerIfMatch           = "If-Match"
	headerIfNoneMatch       = "If-None-Match"
	headerIfUnmodifiedSince = "If-Unmodified-Since"
	headerRange             = "Range"
	headerDate              = "x-ms-date"
	headerVersion           = "x-ms-version"
)

// StandardHeaders sets the protocol version header and the RFC1123 date
// header, always rendered in UTC.
func StandardHeaders(h http.Header, date time.Time) {
	h.Set(headerDate, date.UTC().Format(http.TimeFormat))
	h.Set(headerVersion, APIVersion)
}

// SharedKey decorates req with an account-key signature. The standard
// version and date headers, and the content type when given, are set before
// signing so they take part in the canonical string. Same inputs always
// produce the same Authorization value.
func SharedKey(req *http.Request, account string, key []byte, contentType string, date time.Time) error {
	StandardHeaders(req.Header, date)
	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}

	toSign, err := stringToSign(req, account)
	if err != nil {
		return err
	}

	req.Header.Set(headerAuthorization, "SharedKey "+account+":"+ComputeHMACSHA256(key, toSign))

	return nil
}

// ComputeHMACSHA256 signs the message with the given key and returns the
// base64-encoded signature.
func ComputeHMACSHA256(key []byte, message string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// stringToSign assembles the canonical string for shared-key authentication:
// method, the fixed content header set, canonicalized x-ms-* headers and the
// canonicalized resource.
//
// See https://learn.microsoft.com/en-us/rest/api/storageservices/authorize-with-shared-key
func stringToSign(req *http.Request, account string) (string, error) {
	// The Content-Length field must be an empty string when the content
	// length of the request is zero.
	contentLength := req.Header.Get(headerContentLength)
	if contentLength == "" && req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	if contentLength == "0" {
		contentLength = ""
	}

	resource, err := canonicalizedResource(account, req.URL)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		req.Method,
		req.Header.Get(headerContentEncoding),
		req.Header.Get(headerContentLanguage),
		contentLength,
		req.Header.Get(headerContentMD5),
		req.Header.Get(headerContentType),
		"", // date is always empty, x-ms-date carries the request time
		req.Header.Get(headerIfModifiedSince),
		req.Header.Get(headerIfMatch),
		req.Header.Get(headerIfNoneMatch),
		req.Header.Get(headerIfUnmodifiedSince),
		req.Header.Get(headerRange),
		canonicalizedHeaders(req.Header),
		resource,
	}, "\n"), nil
}

// canonicalizedHeaders collects all x-ms-* headers, lower-cased and sorted
// lexicographically, each rendered as name:value.
func canonicalizedHeaders(headers http.Header) string {
	cm := map[string][]string{}

	for name, values := range headers {
		name = strings.TrimSpace(strings.ToLower(name))
		if strings.HasPrefix(name, "x-ms-") {
			cm[name] = values
		}
	}

	if len(cm) == 0 {
		return ""
	}

	names := make([]string, 0, len(cm))
	for name := range cm {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(cm[name], ","))
	}

	return b.String()
}

// canonicalizedResource renders /<account><escaped path>, followed by every
// query parameter as \nname:value with names sorted and values joined by
// commas.
func canonicalizedResource(account string, u *url.URL) (string, error) {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(account)

	if len(u.Path) > 0 {
		// The resource portion must be encoded exactly as it is in the URI.
		b.WriteString(u.EscapedPath())
	} else {
		b.WriteByte('/')
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query parameters, %w", err)
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := params[name]
		sort.Strings(values)
		b.WriteString("\n" + strings.ToLower(name) + ":" + strings.Join(values, ","))
	}

	return b.String(), nil
}
