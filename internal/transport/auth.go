package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/model"
)

const (
	// clockSkew is tolerated on exp, nbf and iat.
	clockSkew = 30 * time.Second
	// minKeyRefresh throttles refetches triggered by unknown key ids.
	minKeyRefresh = time.Minute
	maxKeySetSize = 1 << 20
)

var errUnknownKey = errors.New("unknown signing key")

// KeySet caches the identity provider's signing keys, indexed by kid.
// Concurrent refreshes collapse into a single fetch.
type KeySet struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewKeySet returns a KeySet reading from the JWKS document at url.
func NewKeySet(url string, ttl time.Duration, logger *zap.Logger) *KeySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &KeySet{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("keyset"),
		keys:   map[string]crypto.PublicKey{},
	}
}

// HealthCheck fails when no key is cached and none can be fetched.
func (s *KeySet) HealthCheck(ctx context.Context) error {
	if s.size() > 0 {
		return nil
	}
	return s.refresh(ctx, true)
}

func (s *KeySet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *KeySet) lookup(kid string) (crypto.PublicKey, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	if kid == "" && len(s.keys) == 1 {
		for _, k := range s.keys {
			key, ok = k, true
		}
	}
	return key, ok, time.Since(s.fetched) > s.ttl
}

// Key returns the verification key for kid. A token without a kid is
// accepted only while the set holds exactly one key. An expired cache is
// refreshed; if that fails a cached key is still served.
func (s *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, ok, stale := s.lookup(kid)
	if ok && !stale {
		return key, nil
	}

	if err := s.refresh(ctx, stale); err != nil {
		if ok {
			s.logger.Warn("key set refresh failed, serving cached key",
				zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("refresh key set: %w", err)
	}
	if key, ok, _ = s.lookup(kid); !ok {
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}
	return key, nil
}

// refresh refetches the set. Unless force is set, a fetch younger than
// minKeyRefresh is reused so forged kids cannot hammer the provider.
func (s *KeySet) refresh(ctx context.Context, force bool) error {
	s.mu.RLock()
	recent := len(s.keys) > 0 && time.Since(s.fetched) < minKeyRefresh
	s.mu.RUnlock()
	if recent && !force {
		return nil
	}

	_, err, _ := s.group.Do("jwks", func() (any, error) {
		keys, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.keys, s.fetched = keys, time.Now()
		s.mu.Unlock()
		s.logger.Debug("key set refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

// jsonWebKey holds the members of an RFC 7517 key this service verifies with.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (s *KeySet) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			s.logger.Warn("skipping signing key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := b64Int(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := map[string]elliptic.Curve{
			"P-256": elliptic.P256(),
			"P-384": elliptic.P384(),
			"P-521": elliptic.P521(),
		}[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := b64Int(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", k.Kty)
}

func b64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token against keys and the configured
// issuer, audience and algorithms, then stores the claims on the request.
// Every failure answers 401 with a short reason.
func JWTAuthenticator(cfg config.IdentityConfig, keys *KeySet) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, msg := bearerToken(r.Header.Get("Authorization"))
			if msg != "" {
				WriteError(w, r, model.NewUnauthorizedError(msg))
				return
			}

			claims := jwt.MapClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				return keys.Key(r.Context(), kid)
			})
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(rejectReason(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", "Invalid authorization header format"
	}
	return strings.TrimSpace(token), ""
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "Token not yet valid"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errUnknownKey), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	}
	return "Invalid token"
}
