package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations. Each entry
	// describes one upstream vendor account: its dialect-to-engine type,
	// one or more API keys (rotated by the C1 circular list), the groups
	// it belongs to, per-model rate limits, and request-shaping
	// preferences. See ProviderConfig.
	Providers map[string]ProviderConfig `cfg:"providers"`

	// APIKeys lists the inbound client credentials the gateway accepts.
	// A key beginning with "sk-" and marked Aggregator is a local
	// aggregator key: it is accepted directly by the gateway without
	// being forwarded upstream, and is scoped to a Group of providers.
	APIKeys []APIKeyConfig `cfg:"api_keys"`

	// Preferences holds gateway-wide defaults inherited by providers that
	// don't override them.
	Preferences Preferences `cfg:"preferences"`

	// Gateway configures the OpenAI-compatible gateway server.
	Gateway Gateway `cfg:"gateway"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// Timeout is the per-request timeout applied to the whole handler
	// chain, mirroring the TIMEOUT env var (default 600s).
	Timeout time.Duration `cfg:"timeout" default:"600s"`

	// Debug enables verbose request/response logging, mirroring DEBUG.
	Debug bool `cfg:"debug" default:"false"`

	// ForwardAuth, if set, configures the API to forward auth requests to an external
	// authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken is accepted from config but not read by the server: no
	// admin or /api/v1/settings/* routes are registered.
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated user's
	// email address (populated by the forward auth middleware).
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery.
	// Used to gossip C10 channel-manager blacklist entries across replicas.
	Alan *alan.Config `cfg:"alan"`
}

// Gateway configures the OpenAI-compatible gateway server endpoints.
type Gateway struct {
	// AuthTokens is a list of bearer tokens for gateway authentication.
	// Deprecated in favor of APIKeys; kept for tokens with no group/model
	// scoping needs.
	AuthTokens []AuthTokenConfig `cfg:"auth_tokens"`
}

// AuthTokenConfig describes a single bearer token for gateway authentication,
// with optional scoping and expiration.
type AuthTokenConfig struct {
	Token            string   `cfg:"token" json:"token" log:"-"`
	Name             string   `cfg:"name" json:"name"`
	AllowedProviders []string `cfg:"allowed_providers" json:"allowed_providers"`
	AllowedModels    []string `cfg:"allowed_models" json:"allowed_models"`
	ExpiresAt        string   `cfg:"expires_at" json:"expires_at"`
}

// APIKeyConfig is an inbound client credential (spec.md §3 API-key entry).
type APIKeyConfig struct {
	// Key is the credential value clients present. A "!" prefix marks it
	// disabled (rejected with 401 as if it did not exist).
	Key string `cfg:"key" json:"key" log:"-"`

	Name string `cfg:"name" json:"name"`

	// Group scopes this key to providers sharing the same Group value.
	// Empty means no group restriction (all providers eligible, subject
	// to model_prefix/alias matching).
	Group string `cfg:"group" json:"group"`

	// Aggregator marks this as a local "sk-" aggregator key: requests
	// authenticated with it are served directly by this gateway instance
	// rather than proxied to another aggregator.
	Aggregator bool `cfg:"aggregator" json:"aggregator"`

	// RateLimits bounds requests per model for this key specifically, on
	// top of any provider-level limits. Same shape as ProviderConfig's
	// rate_limits (exact model / prefix* / default).
	RateLimits map[string]any `cfg:"rate_limits" json:"rate_limits"`
}

// Disabled reports whether the "!" prefix marks this key inactive.
func (k APIKeyConfig) Disabled() bool {
	return len(k.Key) > 0 && k.Key[0] == '!'
}

// Value strips the "!" disabled marker, returning the bare credential.
func (k APIKeyConfig) Value() string {
	if k.Disabled() {
		return k.Key[1:]
	}
	return k.Key
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// Disabled turns off the statistics sink entirely (requests are
	// served but no RequestStat/ChannelStat rows are written). Mirrors
	// the DISABLE_DATABASE environment variable.
	Disabled bool `cfg:"disabled" default:"false"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Preferences holds request-shaping defaults (spec.md §3/§4.2/§4.4):
// scheduling algorithm, cooldown period, per-request timeout, keepalive
// cadence, enabled plugin hooks, a system-prompt template, and literal
// parameter overrides applied to every outbound body.
type Preferences struct {
	// SchedulingAlgorithm selects how C1 orders candidates:
	// "fixed_priority" (default), "round_robin", "random", or "weighted".
	SchedulingAlgorithm string `cfg:"scheduling_algorithm" json:"scheduling_algorithm" default:"fixed_priority"`

	// CooldownSeconds is how long a rate-limited/failed key is excluded
	// before being retried.
	CooldownSeconds float64 `cfg:"cooldown_seconds" json:"cooldown_seconds" default:"60"`

	// ModelTimeout overrides Server.Timeout for this provider/key's model.
	ModelTimeout *time.Duration `cfg:"model_timeout" json:"model_timeout"`

	// KeepaliveInterval is the SSE keepalive cadence (": keepalive\n\n").
	KeepaliveInterval time.Duration `cfg:"keepalive_interval" json:"keepalive_interval" default:"15s"`

	// SystemPrompt is a mugo/templatex template rendered and injected
	// ahead of the first message (empty = no injection).
	SystemPrompt string `cfg:"system_prompt" json:"system_prompt"`

	// PostBodyParameterOverrides are literal key/value pairs merged into
	// the outbound canonical request body after translation, overriding
	// whatever the client sent (e.g. force temperature, max_tokens).
	PostBodyParameterOverrides map[string]any `cfg:"post_body_parameter_overrides" json:"post_body_parameter_overrides"`

	// EnabledPlugins lists C11 plugin hook names to run for matching
	// requests, in order.
	EnabledPlugins []string `cfg:"enabled_plugins" json:"enabled_plugins"`

	// MaxRetryCount caps the C6 attempt loop's retry budget regardless of
	// how many provider/key combinations are eligible.
	MaxRetryCount int `cfg:"max_retry_count" json:"max_retry_count" default:"10"`

	// ModelPrices maps a model name/prefix ("*" suffix) or "default" to a
	// "prompt,completion" price-per-million-tokens pair, resolved by exact
	// match then longest prefix then default (same resolution order as
	// RateLimits). Used to snapshot RequestStat.{Prompt,Completion}Price.
	ModelPrices map[string]string `cfg:"model_prices" json:"model_prices"`
}

// ProviderConfig describes a single upstream vendor account (spec.md §3
// provider entry). It generalizes the teacher's single-API-key LLMConfig
// with multiple keys, groups, weights, model-prefix aliasing, and
// per-model rate limits.
type ProviderConfig struct {
	// Type is the provider type: "openai", "anthropic", "vertex",
	// "gemini", "azure", "bedrock", "cloudflare", "openrouter", or
	// "compatible" (generic OpenAI-compatible).
	Type string `cfg:"type" json:"type"`

	// APIKeys is the ordered list of credentials for this provider,
	// consumed by C1's circular list. A single legacy APIKey is also
	// accepted for backward compatibility with single-key configs.
	APIKeys []string `cfg:"api_keys" json:"api_keys" log:"-"`
	APIKey  string    `cfg:"api_key" json:"api_key" log:"-"`

	BaseURL string `cfg:"base_url" json:"base_url"`
	Model   string `cfg:"model" json:"model"`
	Models  []string `cfg:"models" json:"models"`

	// ModelPrefix rewrites inbound "<prefix>/model" aliases to this
	// provider's native model name before dispatch (spec.md §4.5).
	ModelPrefix string `cfg:"model_prefix" json:"model_prefix"`

	// Groups is the set of API-key groups that may route to this
	// provider. Empty means any group (including ungrouped keys).
	Groups []string `cfg:"groups" json:"groups"`

	// Weight is this provider's share under the "weighted" scheduling
	// algorithm. Default 1.
	Weight int `cfg:"weight" json:"weight" default:"1"`

	// Disabled excludes this provider from routing entirely.
	Disabled bool `cfg:"disabled" json:"disabled"`

	// RateLimits maps model name/prefix ("*" wildcard suffix) or "default"
	// to a window spec string/list parsed by ratelimit.ParseWindowSpecs,
	// e.g. {"gpt-4o": "500/min", "claude-*": ["50/min", "1000/day"]}.
	RateLimits map[string]any `cfg:"rate_limits" json:"rate_limits"`

	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// AuthType selects the authentication mechanism (only "openai" type):
	// "" (static bearer, default) or "copilot" (GitHub Copilot device
	// flow, JWT exchange and refresh).
	AuthType string `cfg:"auth_type" json:"auth_type"`

	Proxy              string `cfg:"proxy" json:"proxy"`
	InsecureSkipVerify bool   `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Preferences overrides the gateway-wide Preferences for requests
	// dispatched to this provider.
	Preferences *Preferences `cfg:"preferences" json:"preferences"`

	// Vertex-only: service account / ADC fields for JWT-signed auth.
	Vertex *VertexAuth `cfg:"vertex" json:"vertex"`

	// Bedrock-only: SigV4 region/credentials.
	Bedrock *BedrockAuth `cfg:"bedrock" json:"bedrock"`
}

// Keys returns the provider's configured API keys, folding the legacy
// singular APIKey field in if APIKeys is empty.
func (p ProviderConfig) Keys() []string {
	if len(p.APIKeys) > 0 {
		return p.APIKeys
	}
	if p.APIKey != "" {
		return []string{p.APIKey}
	}
	return nil
}

// KeyDisabled reports whether a provider or API-key credential carries the
// "!" disabled-marker prefix (spec.md §3: "values prefixed with '!' mark a
// disabled key"). Shared by ProviderConfig.Keys() entries and APIKeyConfig.
func KeyDisabled(key string) bool {
	return len(key) > 0 && key[0] == '!'
}

// KeyValue strips the "!" disabled marker, returning the bare credential.
func KeyValue(key string) string {
	if KeyDisabled(key) {
		return key[1:]
	}
	return key
}

// HasAlias reports whether model is one this provider advertises: an exact
// match against Model/Models, or a "<model_prefix>/<anything>" alias.
func (p ProviderConfig) HasAlias(model string) bool {
	if p.Model != "" && p.Model == model {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	if p.ModelPrefix != "" && strings.HasPrefix(model, p.ModelPrefix+"/") {
		return true
	}
	return false
}

// ResolveUpstream maps a client-facing alias to the model name sent
// upstream: strips ModelPrefix when present, otherwise passes the alias
// through unchanged (spec.md §3's "_model_dict_cache", identity when no
// mapping is configured).
func (p ProviderConfig) ResolveUpstream(model string) string {
	if p.ModelPrefix != "" && strings.HasPrefix(model, p.ModelPrefix+"/") {
		return strings.TrimPrefix(model, p.ModelPrefix+"/")
	}
	return model
}

// GroupMatch reports whether requestGroup may route to a provider declaring
// providerGroups (spec.md §4.5: "api_key.groups ∩ provider.groups ≠ ∅").
// An ungrouped provider (no Groups declared) accepts any request group.
func GroupMatch(providerGroups []string, requestGroup string) bool {
	if len(providerGroups) == 0 {
		return true
	}
	for _, g := range providerGroups {
		if g == requestGroup {
			return true
		}
	}
	return false
}

// VertexAuth configures Vertex AI's service-account JWT flow (spec.md's
// literal RS256-signing requirement; falls back to Google ADC when empty).
type VertexAuth struct {
	ProjectID           string `cfg:"project_id" json:"project_id"`
	Location            string `cfg:"location" json:"location" default:"us-central1"`
	ServiceAccountEmail string `cfg:"service_account_email" json:"service_account_email"`
	// PrivateKeyPEM is the RSA private key (PKCS#8 PEM) used to sign the
	// JWT assertion exchanged for an access token. When empty, Google
	// Application Default Credentials are used instead.
	PrivateKeyPEM string `cfg:"private_key_pem" json:"private_key_pem" log:"-"`
}

// BedrockAuth configures AWS Bedrock SigV4 request signing.
type BedrockAuth struct {
	Region          string `cfg:"region" json:"region"`
	AccessKeyID     string `cfg:"access_key_id" json:"access_key_id" log:"-"`
	SecretAccessKey string `cfg:"secret_access_key" json:"secret_access_key" log:"-"`
	SessionToken    string `cfg:"session_token" json:"session_token" log:"-"`
}

// LLMConfig is retained as an alias of ProviderConfig for the teacher's
// original single-key documentation comment blocks and any code still
// referencing the old name during the transition.
type LLMConfig = ProviderConfig

func Load(ctx context.Context, path string) (*Config, error) {
	if err := fetchRemoteConfigIfMissing(ctx, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// fetchRemoteConfigIfMissing implements spec.md §6's CONFIG_URL fallback:
// when the local config file is absent and CONFIG_URL is set, fetch the
// YAML body and write it to path before chu.Load reads it. No loader in
// the pack performs a bare HTTP GET of a config file, so this one function
// is written directly against net/http (documented stdlib fallback).
func fetchRemoteConfigIfMissing(ctx context.Context, path string) error {
	configURL := os.Getenv("CONFIG_URL")
	if configURL == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return fmt.Errorf("build CONFIG_URL request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch CONFIG_URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch CONFIG_URL: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read CONFIG_URL body: %w", err)
	}

	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write fetched config to %s: %w", path, err)
	}

	slog.Info("fetched configuration from CONFIG_URL", "url", configURL, "path", path)

	return nil
}
