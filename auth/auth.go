// Package auth dispatches request authorization across the configured
// credential scheme and issues SAS URLs. It is the entry point callers use;
// the sign, sas and token packages do the underlying work.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/meltwater/blobsign/sign"
	"github.com/meltwater/blobsign/token"
)

// DefaultAuthBaseURL is the Microsoft Entra authority used when none is
// configured.
const DefaultAuthBaseURL = "https://login.microsoftonline.com"

var (
	// ErrNoCredential means no credential was configured.
	ErrNoCredential = errors.New("no credential configured")
	// ErrAccountNameRequired means the storage account name is missing.
	ErrAccountNameRequired = errors.New("storage account name is required")
	// ErrSASUnsupported means the active credential cannot issue SAS URLs.
	ErrSASUnsupported = errors.New("only account-key or managed-identity authentication supports SAS issuance")
	// ErrDelegationKey means the user delegation key request failed.
	ErrDelegationKey = errors.New("user delegation key request failed")
)

// Credential selects one authentication scheme. Exactly one variant is
// active per client; the set is closed so dispatch is exhaustive.
type Credential interface {
	credential()
}

// AccountKey authenticates requests with the storage account's shared key.
// Key holds the decoded key bytes; decoding happens at configuration load.
type AccountKey struct {
	Name string
	Key  []byte
}

// ServicePrincipal authenticates with an OAuth2 client-credentials secret
// flow.
type ServicePrincipal struct {
	ClientID     string
	ClientSecret string
	TenantID     string
}

// ManagedIdentity authenticates with a client-credentials flow using a
// federated identity assertion read from an external source.
type ManagedIdentity struct {
	ClientID  string
	TenantID  string
	Assertion token.AssertionSource
}

func (AccountKey) credential()       {}
func (ServicePrincipal) credential() {}
func (ManagedIdentity) credential()  {}

// Config carries the resolved collaborators for a Client.
type Config struct {
	Credential  Credential
	AccountName string
	// APIBaseURL is the blob endpoint, defaults to
	// https://<account>.blob.core.windows.net.
	APIBaseURL string
	// AuthBaseURL is the token authority, defaults to DefaultAuthBaseURL.
	AuthBaseURL string
	// HTTPClient performs all network calls. Timeouts and retries belong to
	// it, this layer imposes none.
	HTTPClient *http.Client
}

// Client decorates outgoing requests with authentication material and
// builds SAS URLs for the configured credential.
type Client struct {
	logger   log.Logger
	cred     Credential
	account  string
	apiBase  string
	client   *http.Client
	tokens   *token.Provider
	spTokens oauth2.TokenSource
	now      func() time.Time
}

// New creates a Client. Missing or ambiguous credential configuration fails
// here, never silently defaults.
func New(logger log.Logger, c Config) (*Client, error) {
	if c.Credential == nil {
		return nil, ErrNoCredential
	}
	if c.AccountName == "" {
		return nil, ErrAccountNameRequired
	}

	apiBase := strings.TrimSuffix(c.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = fmt.Sprintf("https://%s.blob.core.windows.net", c.AccountName)
	}

	authBase := strings.TrimSuffix(c.AuthBaseURL, "/")
	if authBase == "" {
		authBase = DefaultAuthBaseURL
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	client := &Client{
		logger:  logger,
		cred:    c.Credential,
		account: c.AccountName,
		apiBase: apiBase,
		client:  httpClient,
		tokens:  token.NewProvider(logger, httpClient, authBase),
		now:     time.Now,
	}

	if sp, ok := c.Credential.(ServicePrincipal); ok {
		cc := &clientcredentials.Config{
			ClientID:     sp.ClientID,
			ClientSecret: sp.ClientSecret,
			TokenURL:     authBase + "/" + sp.TenantID + "/oauth2/v2.0/token",
			Scopes:       []string{token.Scope},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		client.spTokens = cc.TokenSource(ctx)
	}

	return client, nil
}

// Authorize decorates the request with the header material its transport
// needs: a shared-key signature or a bearer token, plus the standard version
// and date headers. The request is mutated in place and returned to the
// caller for transport.
func (c *Client) Authorize(req *http.Request, contentType string) error {
	switch cred := c.cred.(type) {
	case AccountKey:
		// Shared-key signing embeds the standard headers itself since they
		// take part in the canonical string.
		return sign.SharedKey(req, cred.Name, cred.Key, contentType, c.now())
	case ServicePrincipal:
		tok, err := c.spTokens.Token()
		if err != nil {
			return fmt.Errorf("service principal token, %w", err)
		}
		c.bearer(req, tok.AccessToken, contentType)

		return nil
	case ManagedIdentity:
		tok := c.tokens.GetToken(req.Context(), cred.ClientID, cred.TenantID, cred.Assertion)
		c.bearer(req, tok, contentType)

		return nil
	default:
		return fmt.Errorf("%w: unsupported credential %T", ErrNoCredential, c.cred)
	}
}

func (c *Client) bearer(req *http.Request, tok, contentType string) {
	req.Header.Set("Authorization", "Bearer "+tok)
	sign.StandardHeaders(req.Header, c.now())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}
