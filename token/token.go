// Package token acquires OAuth2 bearer tokens for Azure Storage through the
// client-credentials flow with a federated client assertion, and caches them
// in-process per credential identity.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/meltwater/blobsign/internal"
)

// NoToken is returned when a bearer token could not be acquired. A request
// decorated with it fails authentication at the storage service, which
// surfaces the real consequence at the natural point instead of aborting the
// caller here.
const NoToken = "No token"

// Scope requested for storage data-plane access.
const Scope = "https://storage.azure.com/.default"

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// DefaultExpiryMargin is subtracted from the provider-reported lifetime so a
// cached token is never used when it could expire mid-flight.
const DefaultExpiryMargin = 10 * time.Second

// AssertionSource supplies the client assertion for a token request. It is
// read fresh on every fetch, never cached, because the backing material may
// be rotated externally.
type AssertionSource interface {
	Read() (string, error)
}

// FileAssertion reads a federated identity token from a file path.
type FileAssertion string

// Read returns the current file contents.
func (f FileAssertion) Read() (string, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("read identity token file, %w", err)
	}

	return strings.TrimSpace(string(b)), nil
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Provider fetches and caches bearer tokens. The cache is keyed per
// (client ID, tenant ID) so multiple identities can be active in one
// process; entries are replaced wholesale, never partially updated.
type Provider struct {
	logger   log.Logger
	client   *http.Client
	authBase string
	margin   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

// NewProvider creates a token provider against the given authorization base
// URL, e.g. https://login.microsoftonline.com.
func NewProvider(logger log.Logger, client *http.Client, authBase string) *Provider {
	if client == nil {
		client = http.DefaultClient
	}

	return &Provider{
		logger:   logger,
		client:   client,
		authBase: strings.TrimSuffix(authBase, "/"),
		margin:   DefaultExpiryMargin,
		now:      time.Now,
		cache:    map[string]entry{},
	}
}

// GetToken returns a bearer token for the given identity, from cache when a
// non-expired entry exists. On any fetch failure the reason is logged and
// the NoToken sentinel is returned; the downstream request then fails
// authentication with a clear upstream error.
func (p *Provider) GetToken(ctx context.Context, clientID, tenantID string, assertion AssertionSource) string {
	key := clientID + "/" + tenantID

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()

	if ok && p.now().Before(cached.expiresAt) {
		return cached.token
	}

	tok, expiresIn, err := p.fetch(ctx, clientID, tenantID, assertion)
	if err != nil {
		level.Error(p.logger).Log("msg", "bearer token fetch failed", "clientID", clientID, "tenantID", tenantID, "err", err)
		return NoToken
	}

	expiresAt := p.now().Add(time.Duration(expiresIn)*time.Second - p.margin)

	p.mu.Lock()
	p.cache[key] = entry{token: tok, expiresAt: expiresAt}
	p.mu.Unlock()

	level.Debug(p.logger).Log("msg", "bearer token cached", "clientID", clientID, "expires", humanize.Time(expiresAt))

	return tok
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *Provider) fetch(ctx context.Context, clientID, tenantID string, assertion AssertionSource) (string, int64, error) {
	jwt, err := assertion.Read()
	if err != nil {
		return "", 0, fmt.Errorf("read client assertion, %w", err)
	}

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", Scope)
	form.Set("client_assertion", jwt)
	form.Set("client_assertion_type", assertionType)

	endpoint := p.authBase + "/" + tenantID + "/oauth2/v2.0/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("build token request, %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("post token endpoint, %w", err)
	}
	defer internal.CloseWithErrLogf(p.logger, resp.Body, "token response body")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response, %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d, %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decode token response, %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint response missing access_token")
	}

	return tr.AccessToken, tr.ExpiresIn, nil
}
