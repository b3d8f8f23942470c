package auth

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the client configuration loaded from YAML and
// environment variables.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Client   ClientConfig   `yaml:"client"`
	Redirect RedirectConfig `yaml:"redirect"`
}

// BackendConfig locates the session backend.
type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Issuer overrides the OIDC discovery issuer; defaults to URL.
	Issuer string `yaml:"issuer"`
	// JWKSURL overrides the key-set endpoint used to verify session
	// tokens; defaults to <url>/auth/v1/jwks.
	JWKSURL string `yaml:"jwks_url"`
	// Providers lists the OAuth providers offered on the sign-in screen.
	Providers []string `yaml:"providers"`
}

// ClientConfig controls the local process.
type ClientConfig struct {
	// ListenAddr hosts the loopback redirect listener.
	ListenAddr string `yaml:"listen_addr"`
}

// RedirectConfig feeds the redirect resolver.
type RedirectConfig struct {
	Target       Target `yaml:"target"`
	WebOrigin    string `yaml:"web_origin"`
	NativeScheme string `yaml:"native_scheme"`
	CallbackPath string `yaml:"callback_path"`
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			URL:       "http://127.0.0.1:8080",
			Providers: []string{"google", "apple"},
		},
		Client: ClientConfig{
			ListenAddr: "127.0.0.1:3000",
		},
		Redirect: RedirectConfig{
			Target:       TargetWeb,
			WebOrigin:    "http://127.0.0.1:3000",
			NativeScheme: "app.homefind",
			CallbackPath: DefaultCallbackPath,
		},
	}
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"HOMEFIND_BACKEND_URL":      func(v string) { cfg.Backend.URL = v },
		"HOMEFIND_BACKEND_API_KEY":  func(v string) { cfg.Backend.APIKey = v },
		"HOMEFIND_BACKEND_ISSUER":   func(v string) { cfg.Backend.Issuer = v },
		"HOMEFIND_BACKEND_JWKS_URL": func(v string) { cfg.Backend.JWKSURL = v },
		"HOMEFIND_PROVIDERS":        func(v string) { cfg.Backend.Providers = splitAndTrim(v) },
		"HOMEFIND_LISTEN_ADDR":      func(v string) { cfg.Client.ListenAddr = v },
		"HOMEFIND_TARGET":           func(v string) { cfg.Redirect.Target = Target(strings.ToLower(strings.TrimSpace(v))) },
		"HOMEFIND_WEB_ORIGIN":       func(v string) { cfg.Redirect.WebOrigin = v },
		"HOMEFIND_NATIVE_SCHEME":    func(v string) { cfg.Redirect.NativeScheme = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("backend.url must start with http:// or https://, got: %s", c.Backend.URL)
	}

	if c.Backend.JWKSURL != "" && !strings.HasPrefix(c.Backend.JWKSURL, "http://") && !strings.HasPrefix(c.Backend.JWKSURL, "https://") {
		return fmt.Errorf("backend.jwks_url must start with http:// or https://, got: %s", c.Backend.JWKSURL)
	}

	switch c.Redirect.Target {
	case TargetWeb:
		if c.Redirect.WebOrigin == "" {
			return errors.New("redirect.web_origin is required for the web target")
		}
		if !strings.HasPrefix(c.Redirect.WebOrigin, "http://") && !strings.HasPrefix(c.Redirect.WebOrigin, "https://") {
			return fmt.Errorf("redirect.web_origin must start with http:// or https://, got: %s", c.Redirect.WebOrigin)
		}
	case TargetNative:
		if c.Redirect.NativeScheme == "" {
			return errors.New("redirect.native_scheme is required for the native target")
		}
		if strings.Contains(c.Redirect.NativeScheme, "://") {
			return fmt.Errorf("redirect.native_scheme must be a bare scheme, got: %s", c.Redirect.NativeScheme)
		}
	default:
		return fmt.Errorf("redirect.target must be 'web' or 'native', got: %s", c.Redirect.Target)
	}

	if c.Redirect.CallbackPath != "" && !strings.HasPrefix(c.Redirect.CallbackPath, "/") {
		return fmt.Errorf("redirect.callback_path must start with /, got: %s", c.Redirect.CallbackPath)
	}

	if c.Client.ListenAddr == "" {
		return errors.New("client.listen_addr is required")
	}

	return nil
}

// JWKSEndpoint returns the key-set URL used to verify session tokens.
func (c Config) JWKSEndpoint() string {
	if c.Backend.JWKSURL != "" {
		return c.Backend.JWKSURL
	}
	return strings.TrimSuffix(c.Backend.URL, "/") + "/auth/v1/jwks"
}

// Resolver builds the redirect resolver for the configured target.
func (c Config) Resolver() RedirectResolver {
	return RedirectResolver{
		Target:       c.Redirect.Target,
		WebOrigin:    c.Redirect.WebOrigin,
		NativeScheme: c.Redirect.NativeScheme,
		CallbackPath: c.Redirect.CallbackPath,
	}
}
