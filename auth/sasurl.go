package auth

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/meltwater/blobsign/internal"
	"github.com/meltwater/blobsign/sas"
)

// DefaultSASExpiry is the validity window used when the caller gives none.
const DefaultSASExpiry = 3600 * time.Second

// SASOptions control the grant embedded in a generated SAS URL. The zero
// value grants one hour of read access to the container.
type SASOptions struct {
	Resource    sas.Resource
	Permissions []sas.Permission
	// Start defaults to the current time.
	Start time.Time
	// Expiry is the validity duration from Start. ExpiresAt takes
	// precedence when set.
	Expiry    time.Duration
	ExpiresAt time.Time
}

// SASURL returns an absolute URL for the container resource carrying a
// signed access token. Account-key credentials sign locally; managed
// identity fetches a user delegation key from the service first. Other
// credential kinds cannot issue SAS URLs and fail outright.
func (c *Client) SASURL(ctx context.Context, container, resource string, opts *SASOptions) (string, error) {
	o := SASOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Resource == "" {
		o.Resource = sas.ResourceContainer
	}
	if len(o.Permissions) == 0 {
		o.Permissions = []sas.Permission{sas.PermissionRead}
	}
	if o.Start.IsZero() {
		o.Start = c.now()
	}
	expiry := o.ExpiresAt
	if expiry.IsZero() {
		d := o.Expiry
		if d == 0 {
			d = DefaultSASExpiry
		}
		expiry = o.Start.Add(d)
	}

	grant := sas.Grant{
		Resource:    o.Resource,
		Path:        joinResource(container, resource),
		Start:       o.Start,
		Expiry:      expiry,
		Permissions: o.Permissions,
	}

	var (
		query url.Values
		err   error
	)

	switch cred := c.cred.(type) {
	case AccountKey:
		query, err = sas.ServiceToken(cred.Name, cred.Key, grant)
	case ManagedIdentity:
		var key sas.DelegationKey
		key, err = c.userDelegationKey(ctx, grant.Start, grant.Expiry)
		if err == nil {
			query, err = sas.UserDelegationToken(c.account, key, grant)
		}
	default:
		return "", fmt.Errorf("%w, configured %T", ErrSASUnsupported, c.cred)
	}

	if err != nil {
		return "", err
	}

	level.Debug(c.logger).Log("msg", "issued sas url", "resource", grant.Path, "sr", string(grant.Resource), "se", sas.FormatTime(grant.Expiry))

	return c.apiBase + "/" + grant.Path + "?" + query.Encode(), nil
}

// joinResource joins a container and a resource path into the single path
// the token is bound to.
func joinResource(container, resource string) string {
	joined := container + "/" + strings.TrimPrefix(resource, "/")

	return strings.TrimSuffix(joined, "/")
}

type keyInfo struct {
	XMLName xml.Name `xml:"KeyInfo"`
	Start   string   `xml:"Start"`
	Expiry  string   `xml:"Expiry"`
}

// userDelegationKey requests an ephemeral signing key from the service. The
// request itself goes through Authorize since fetching the key requires
// authentication. Each call fetches a fresh key; any non-200 response is a
// hard failure, there is no safe placeholder signing key.
func (c *Client) userDelegationKey(ctx context.Context, start, expiry time.Time) (sas.DelegationKey, error) {
	body, err := xml.Marshal(keyInfo{Start: sas.FormatTime(start), Expiry: sas.FormatTime(expiry)})
	if err != nil {
		return sas.DelegationKey{}, fmt.Errorf("encode key info, %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/?restype=service&comp=userdelegationkey", bytes.NewReader(body))
	if err != nil {
		return sas.DelegationKey{}, fmt.Errorf("build user delegation key request, %w", err)
	}

	if err := c.Authorize(req, "application/xml"); err != nil {
		return sas.DelegationKey{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return sas.DelegationKey{}, fmt.Errorf("post user delegation key request, %w", err)
	}
	defer internal.CloseWithErrLogf(c.logger, resp.Body, "user delegation key response body")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return sas.DelegationKey{}, fmt.Errorf("read user delegation key response, %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return sas.DelegationKey{}, fmt.Errorf("%w, status %d, %s", ErrDelegationKey, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var key sas.DelegationKey
	if err := xml.Unmarshal(raw, &key); err != nil {
		return sas.DelegationKey{}, fmt.Errorf("decode user delegation key response, %w", err)
	}

	return key, nil
}
