package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weftworks/loom/runtime/ingest/retry"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Options configures a Manager.
type Options struct {
	// Store persists credentials. Required.
	Store Store
	// Cipher seals and opens payloads. Required.
	Cipher *Cipher
	// Catalog holds per-integration OAuth settings. Required.
	Catalog *Catalog
	// HTTPClient performs token requests. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// Logger defaults to a noop logger.
	Logger telemetry.Logger
}

// Manager resolves decrypted credential payloads for jobs, refreshing OAuth
// access tokens on the way. Refreshes are single-flighted per credential in
// process and compare-and-swapped in the store, so rotating refresh tokens
// survive concurrent jobs.
type Manager struct {
	store   Store
	cipher  *Cipher
	catalog *Catalog
	client  *http.Client
	logger  telemetry.Logger
	group   singleflight.Group
	retry   retry.Config
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("credentials: store is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("credentials: cipher is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("credentials: catalog is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		store:   opts.Store,
		cipher:  opts.Cipher,
		catalog: opts.Catalog,
		client:  client,
		logger:  logger,
		retry:   retry.DefaultConfig(),
	}, nil
}

// Resolve returns the decrypted payload for a credential, with a fresh
// access_token folded in when the integration's OAuth type supports
// refresh. Non-OAuth and access-only credentials are returned as stored.
func (m *Manager) Resolve(ctx context.Context, credentialID string) (map[string]any, error) {
	cred, err := m.store.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	payload, err := m.cipher.Decrypt(cred.Payload)
	if err != nil {
		return nil, err
	}
	provider, ok := m.catalog.Provider(cred.ShortName)
	if !ok || !provider.OAuthType.Refreshable() {
		return payload, nil
	}
	token, err := m.AccessToken(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	payload["access_token"] = token
	return payload, nil
}

// AccessToken refreshes and returns the credential's access token.
// Concurrent callers for the same credential share one refresh.
func (m *Manager) AccessToken(ctx context.Context, credentialID string) (string, error) {
	// The flight runs detached from the first caller's context so that the
	// leader cancelling does not fail every follower sharing the result.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(credentialID, func() (any, error) {
		return m.refresh(flightCtx, credentialID, true)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// tokenResponse is the relevant subset of an OAuth token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refresh performs one token refresh round trip. retryOnRotation allows a
// single re-read-and-retry when a concurrent refresh rotated the stored
// token between our read and our write.
func (m *Manager) refresh(ctx context.Context, credentialID string, retryOnRotation bool) (string, error) {
	cred, err := m.store.Get(ctx, credentialID)
	if err != nil {
		return "", err
	}
	provider, ok := m.catalog.Provider(cred.ShortName)
	if !ok {
		return "", &TokenRefreshError{ShortName: cred.ShortName, Err: errors.New("integration not in catalog")}
	}
	if !provider.OAuthType.Refreshable() {
		return "", &TokenRefreshError{ShortName: cred.ShortName, Err: fmt.Errorf("oauth type %q has no refresh flow", provider.OAuthType)}
	}
	payload, err := m.cipher.Decrypt(cred.Payload)
	if err != nil {
		return "", err
	}
	refreshToken, _ := payload["refresh_token"].(string)
	if refreshToken == "" {
		return "", &TokenRefreshError{ShortName: cred.ShortName, Err: errors.New("stored payload has no refresh_token")}
	}

	tok, err := m.requestToken(ctx, provider, payload, refreshToken)
	if err != nil {
		if retryOnRotation {
			// The provider may have rejected an already-rotated token.
			// Re-read; if another worker stored a newer one, use it.
			if fresh, rerr := m.reloadRotated(ctx, credentialID, refreshToken); rerr == nil && fresh {
				return m.refresh(ctx, credentialID, false)
			}
		}
		return "", &TokenRefreshError{ShortName: cred.ShortName, Err: err}
	}

	if provider.OAuthType.Rotating() && tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		rotated := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			rotated[k] = v
		}
		rotated["refresh_token"] = tok.RefreshToken
		rotated["access_token"] = tok.AccessToken
		blob, err := m.cipher.Encrypt(rotated)
		if err != nil {
			return "", err
		}
		switch err := m.store.CompareAndSwapPayload(ctx, credentialID, cred.Payload, blob); {
		case err == nil:
		case errors.Is(err, ErrStale):
			// A concurrent refresh won the swap. Its stored token is the
			// live one; ours still grants access, so hand it out without
			// overwriting the winner.
			m.logger.Warn(ctx, "credential rotation lost compare-and-swap",
				"credential_id", credentialID, "short_name", cred.ShortName)
		default:
			return "", err
		}
	}
	return tok.AccessToken, nil
}

// reloadRotated reports whether the stored refresh token differs from the
// one this refresh attempt used.
func (m *Manager) reloadRotated(ctx context.Context, credentialID, usedToken string) (bool, error) {
	cred, err := m.store.Get(ctx, credentialID)
	if err != nil {
		return false, err
	}
	payload, err := m.cipher.Decrypt(cred.Payload)
	if err != nil {
		return false, err
	}
	stored, _ := payload["refresh_token"].(string)
	return stored != "" && stored != usedToken, nil
}

// requestToken POSTs the refresh grant to the provider's token endpoint,
// retrying transient upstream failures.
func (m *Manager) requestToken(ctx context.Context, provider Provider, payload map[string]any, refreshToken string) (tokenResponse, error) {
	endpoint, err := provider.TokenURL(payload)
	if err != nil {
		return tokenResponse{}, err
	}

	var tok tokenResponse
	err = retry.Do(ctx, m.retry, func(ctx context.Context) error {
		req, err := m.buildTokenRequest(ctx, provider, endpoint, refreshToken)
		if err != nil {
			return err
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		if err := json.Unmarshal(body, &tok); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return errors.New("token response without access_token")
		}
		return nil
	})
	return tok, err
}

func (m *Manager) buildTokenRequest(ctx context.Context, provider Provider, endpoint, refreshToken string) (*http.Request, error) {
	grantType := provider.GrantType
	if grantType == "" {
		grantType = "refresh_token"
	}

	var (
		body        io.Reader
		contentType string
	)
	if provider.ContentType == "application/json" {
		fields := map[string]string{"grant_type": grantType, "refresh_token": refreshToken}
		if provider.ClientCredentialLocation == CredentialLocationBody {
			fields["client_id"] = provider.ClientID
			fields["client_secret"] = provider.ClientSecret
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(encoded))
		contentType = "application/json"
	} else {
		form := url.Values{}
		form.Set("grant_type", grantType)
		form.Set("refresh_token", refreshToken)
		if provider.ClientCredentialLocation == CredentialLocationBody {
			form.Set("client_id", provider.ClientID)
			form.Set("client_secret", provider.ClientSecret)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if provider.ClientCredentialLocation != CredentialLocationBody {
		req.SetBasicAuth(provider.ClientID, provider.ClientSecret)
	}
	return req, nil
}
