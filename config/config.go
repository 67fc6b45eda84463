// Package config loads credential material from the environment or a
// connection string and resolves it into the single active credential.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-kit/kit/log"

	"github.com/meltwater/blobsign/auth"
	"github.com/meltwater/blobsign/token"
)

// DefaultBlobStorageSuffix forms the blob endpoint host together with the
// account name.
const DefaultBlobStorageSuffix = "blob.core.windows.net"

var (
	// ErrPartialServicePrincipal means some but not all of client ID,
	// client secret and tenant ID were configured.
	ErrPartialServicePrincipal = errors.New("partial service principal configuration, client ID, client secret and tenant ID are all required")
	// ErrPartialManagedIdentity means some but not all of client ID, tenant
	// ID and identity token file were configured.
	ErrPartialManagedIdentity = errors.New("partial managed identity configuration, client ID, tenant ID and federated token file are all required")
	// ErrAccountNameRequired means an account key was given without the
	// account it belongs to.
	ErrAccountNameRequired = errors.New("account name is required with an account key")
)

// Config is a structure to store raw, unresolved credential configuration.
type Config struct {
	// Shared key
	AccountName string
	AccountKey  string

	// Connection string, a fallback source for the shared key fields.
	ConnectionString string

	// Service principal
	ClientID     string
	ClientSecret string
	TenantID     string

	// Managed identity; the file holds a federated identity JWT.
	FederatedTokenFile string

	// Endpoints
	BlobStorageURL string
	AuthBaseURL    string
}

// FromEnv reads the conventional Azure environment variables.
func FromEnv() Config {
	return Config{
		AccountName:        os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AccountKey:         os.Getenv("AZURE_STORAGE_ACCESS_KEY"),
		ConnectionString:   os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		ClientID:           os.Getenv("AZURE_CLIENT_ID"),
		ClientSecret:       os.Getenv("AZURE_CLIENT_SECRET"),
		TenantID:           os.Getenv("AZURE_TENANT_ID"),
		FederatedTokenFile: os.Getenv("AZURE_FEDERATED_TOKEN_FILE"),
		BlobStorageURL:     os.Getenv("AZURE_STORAGE_BLOB_URL"),
		AuthBaseURL:        os.Getenv("AZURE_AUTHORITY_HOST"),
	}
}

// Resolve picks the active credential. Precedence: explicit account key,
// account key from the connection string, service principal, managed
// identity. Partial service-principal or managed-identity configuration is
// an error, never silently defaulted.
func (c Config) Resolve() (auth.Credential, error) {
	account, key := c.AccountName, c.AccountKey

	if key == "" {
		cs := parseConnectionString(c.ConnectionString)
		if cs.accountKey != "" {
			key = cs.accountKey
			if account == "" {
				account = cs.accountName
			}
		}
	}

	if key != "" {
		if account == "" {
			return nil, ErrAccountNameRequired
		}
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decode account key, %w", err)
		}

		return auth.AccountKey{Name: account, Key: decoded}, nil
	}

	if c.ClientSecret != "" || (c.ClientID != "" && c.TenantID != "" && c.FederatedTokenFile == "") {
		if c.ClientID == "" || c.ClientSecret == "" || c.TenantID == "" {
			return nil, ErrPartialServicePrincipal
		}

		return auth.ServicePrincipal{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TenantID:     c.TenantID,
		}, nil
	}

	if c.ClientID != "" || c.TenantID != "" || c.FederatedTokenFile != "" {
		if c.ClientID == "" || c.TenantID == "" || c.FederatedTokenFile == "" {
			return nil, ErrPartialManagedIdentity
		}

		return auth.ManagedIdentity{
			ClientID:  c.ClientID,
			TenantID:  c.TenantID,
			Assertion: token.FileAssertion(c.FederatedTokenFile),
		}, nil
	}

	return nil, auth.ErrNoCredential
}

// Client resolves the configuration and builds an auth.Client from it.
func (c Config) Client(logger log.Logger, httpClient *http.Client) (*auth.Client, error) {
	cred, err := c.Resolve()
	if err != nil {
		return nil, err
	}

	account := c.AccountName
	cs := parseConnectionString(c.ConnectionString)
	if account == "" {
		account = cs.accountName
	}

	apiBase := c.BlobStorageURL
	if apiBase == "" && cs.blobEndpoint != "" {
		apiBase = cs.blobEndpoint
	}
	if apiBase == "" && account != "" {
		suffix := DefaultBlobStorageSuffix
		if cs.endpointSuffix != "" {
			suffix = "blob." + cs.endpointSuffix
		}
		apiBase = fmt.Sprintf("https://%s.%s", account, suffix)
	}

	return auth.New(logger, auth.Config{
		Credential:  cred,
		AccountName: account,
		APIBaseURL:  apiBase,
		AuthBaseURL: c.AuthBaseURL,
		HTTPClient:  httpClient,
	})
}

type connectionString struct {
	accountName    string
	accountKey     string
	endpointSuffix string
	blobEndpoint   string
}

// parseConnectionString reads the semicolon-separated key=value format, e.g.
// DefaultEndpointsProtocol=https;AccountName=foo;AccountKey=...;EndpointSuffix=core.windows.net.
// Unknown fields are ignored.
func parseConnectionString(s string) connectionString {
	var cs connectionString

	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch name {
		case "AccountName":
			cs.accountName = value
		case "AccountKey":
			cs.accountKey = value
		case "EndpointSuffix":
			cs.endpointSuffix = value
		case "BlobEndpoint":
			cs.blobEndpoint = value
		}
	}

	return cs
}
