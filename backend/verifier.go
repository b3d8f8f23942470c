package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures session-token verification.
type VerifierConfig struct {
	JWKSURL    string
	Issuer     string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Verifier checks backend-issued session tokens against the backend's
// published JWKS. The verdict is informational; the backend remains the
// source of truth for session validity.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client

	mu      sync.RWMutex
	set     jose.JSONWebKeySet
	expires time.Time
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Verifier{cfg: cfg, client: client}
}

// Verify downloads the JWKS if necessary and validates the token signature
// and registered claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*TokenClaims, error) {
	if raw == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// kid miss forces a refresh before giving up.
			if refreshed, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}
	return mapTokenClaims(claims), nil
}

func (v *Verifier) ensureJWKS(ctx context.Context, missingKid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	fresh := time.Now().Before(v.expires)
	set := v.set
	v.mu.RUnlock()

	if fresh && (missingKid == "" || findKey(set, missingKid) != nil) {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("create jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var fetched jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.set = fetched
	v.expires = time.Now().Add(v.cfg.CacheTTL)
	v.mu.Unlock()

	return fetched, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}
