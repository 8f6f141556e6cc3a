package credentials

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// OAuthType classifies how an integration's OAuth tokens behave.
type OAuthType string

const (
	// OAuthAccessOnly issues long-lived access tokens with no refresh flow.
	OAuthAccessOnly OAuthType = "access_only"
	// OAuthWithRefresh issues short-lived access tokens renewable with a
	// stable refresh token.
	OAuthWithRefresh OAuthType = "with_refresh"
	// OAuthWithRotatingRefresh additionally rotates the refresh token on
	// every renewal, invalidating the previous one.
	OAuthWithRotatingRefresh OAuthType = "with_rotating_refresh"
)

// Refreshable reports whether the type supports token renewal.
func (t OAuthType) Refreshable() bool {
	return t == OAuthWithRefresh || t == OAuthWithRotatingRefresh
}

// Rotating reports whether renewals invalidate the used refresh token.
func (t OAuthType) Rotating() bool {
	return t == OAuthWithRotatingRefresh
}

// Client credential placement on token requests.
const (
	CredentialLocationHeader = "header"
	CredentialLocationBody   = "body"
)

// Provider is one integration's OAuth settings from the catalog.
type Provider struct {
	// OAuthType is empty for integrations that do not use OAuth.
	OAuthType OAuthType `yaml:"oauth_type"`
	// URL is the user-facing authorization endpoint.
	URL string `yaml:"url"`
	// BackendURL is the token endpoint refreshes POST to. It may contain
	// {placeholder} segments resolved from the credential payload, for
	// per-tenant hosts.
	BackendURL string `yaml:"backend_url"`
	GrantType  string `yaml:"grant_type"`
	ClientID   string `yaml:"client_id"`
	// ClientSecret is typically injected via environment expansion when the
	// catalog is rendered, never committed.
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	// ContentType selects the token request encoding:
	// application/x-www-form-urlencoded (default) or application/json.
	ContentType string `yaml:"content_type"`
	// ClientCredentialLocation is CredentialLocationHeader (basic auth,
	// default) or CredentialLocationBody.
	ClientCredentialLocation string `yaml:"client_credential_location"`
}

// Catalog maps integration short names to their OAuth settings. Parsed once
// at process start from the integrations YAML.
type Catalog struct {
	providers map[string]Provider
}

// ParseCatalog reads a YAML document whose top level maps short names to
// provider settings.
func ParseCatalog(data []byte) (*Catalog, error) {
	providers := make(map[string]Provider)
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("credentials: parse catalog: %w", err)
	}
	for name, p := range providers {
		if p.OAuthType != "" && p.BackendURL == "" {
			return nil, fmt.Errorf("credentials: catalog entry %s: oauth without backend_url", name)
		}
		switch p.OAuthType {
		case "", OAuthAccessOnly, OAuthWithRefresh, OAuthWithRotatingRefresh:
		default:
			return nil, fmt.Errorf("credentials: catalog entry %s: unknown oauth_type %q", name, p.OAuthType)
		}
	}
	return &Catalog{providers: providers}, nil
}

// Provider returns the settings for an integration short name.
func (c *Catalog) Provider(shortName string) (Provider, bool) {
	p, ok := c.providers[shortName]
	return p, ok
}

// Names returns the catalog's short names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// TokenURL resolves the provider's token endpoint, substituting
// {placeholder} segments from the credential payload. Unresolved
// placeholders are an error: they mean the credential is missing a
// per-tenant setting the provider requires.
func (p Provider) TokenURL(payload map[string]any) (string, error) {
	var missing []string
	url := placeholderRe.ReplaceAllStringFunc(p.BackendURL, func(m string) string {
		key := strings.Trim(m, "{}")
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("credentials: token url %s: unresolved placeholders %v", p.BackendURL, missing)
	}
	return url, nil
}
