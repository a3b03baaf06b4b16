package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/config"
)

const (
	testIssuer   = "https://idp.acme.example.com"
	testAudience = "requisition-api"
)

// identityProvider signs tokens and serves its public keys as a JWKS
// document, counting fetches.
type identityProvider struct {
	rsa     *rsa.PrivateKey
	ec      *ecdsa.PrivateKey
	srv     *httptest.Server
	fetches atomic.Int32
	status  atomic.Int32
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	idp := &identityProvider{rsa: rsaKey, ec: ecKey}
	idp.status.Store(http.StatusOK)
	enc := base64.RawURLEncoding.EncodeToString
	doc := map[string]any{"keys": []map[string]any{
		{
			"kid": "rsa-1", "kty": "RSA", "use": "sig",
			"n": enc(rsaKey.N.Bytes()),
			"e": enc(big.NewInt(int64(rsaKey.E)).Bytes()),
		},
		{
			"kid": "ec-1", "kty": "EC", "crv": "P-256",
			"x": enc(ecKey.X.Bytes()),
			"y": enc(ecKey.Y.Bytes()),
		},
		{"kid": "enc-1", "kty": "RSA", "use": "enc", "n": "AQAB", "e": "AQAB"},
		{"kid": "oct-1", "kty": "oct"},
	}}
	idp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		idp.fetches.Add(1)
		if code := int(idp.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *identityProvider) keySet() *KeySet {
	return NewKeySet(idp.srv.URL, time.Hour, zap.NewNop())
}

func managerClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":        "user-manager",
		"program_id": "prog-acme",
		"user_type":  "client",
		"email":      "manager@acme.example.com",
		"roles":      []string{"job_manager"},
		"iss":        testIssuer,
		"aud":        testAudience,
		"iat":        jwt.NewNumericDate(now),
		"exp":        jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func (idp *identityProvider) sign(t *testing.T, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	var key any = idp.rsa
	if _, ok := method.(*jwt.SigningMethodECDSA); ok {
		key = idp.ec
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func identityConfig() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     testIssuer,
		Audience:   testAudience,
		Algorithms: []string{"RS256", "ES256"},
	}
}

func TestKeySet_Key(t *testing.T) {
	idp := newIdentityProvider(t)
	ks := idp.keySet()
	ctx := context.Background()

	rsaPub, err := ks.Key(ctx, "rsa-1")
	require.NoError(t, err)
	assert.IsType(t, &rsa.PublicKey{}, rsaPub)

	ecPub, err := ks.Key(ctx, "ec-1")
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, ecPub)
	assert.Equal(t, int32(1), idp.fetches.Load(), "second lookup should hit the cache")

	for _, kid := range []string{"enc-1", "oct-1", "missing"} {
		_, err := ks.Key(ctx, kid)
		assert.ErrorIs(t, err, errUnknownKey, kid)
	}
	assert.Equal(t, int32(1), idp.fetches.Load(), "unknown kids are throttled")
	assert.Equal(t, 2, ks.size())
}

func TestKeySet_concurrentRefreshCollapses(t *testing.T) {
	idp := newIdentityProvider(t)
	ks := idp.keySet()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ks.Key(context.Background(), "rsa-1")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, idp.fetches.Load(), int32(20))
	_, err := ks.Key(context.Background(), "rsa-1")
	require.NoError(t, err)
}

func TestKeySet_servesStaleKeyWhenProviderDown(t *testing.T) {
	idp := newIdentityProvider(t)
	ks := idp.keySet()
	_, err := ks.Key(context.Background(), "rsa-1")
	require.NoError(t, err)

	ks.mu.Lock()
	ks.fetched = time.Now().Add(-2 * time.Hour)
	ks.mu.Unlock()
	idp.status.Store(http.StatusServiceUnavailable)

	key, err := ks.Key(context.Background(), "rsa-1")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, int32(2), idp.fetches.Load())
}

func TestKeySet_HealthCheck(t *testing.T) {
	idp := newIdentityProvider(t)
	require.NoError(t, idp.keySet().HealthCheck(context.Background()))

	idp.status.Store(http.StatusBadGateway)
	err := idp.keySet().HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantMsg string
	}{
		{header: "", wantMsg: "Missing authorization header"},
		{header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{header: "bearer  abc.def.ghi ", want: "abc.def.ghi"},
		{header: "Basic dXNlcjpwYXNz", wantMsg: "Invalid authorization header format"},
		{header: "Bearer", wantMsg: "Invalid authorization header format"},
		{header: "Bearer   ", wantMsg: "Invalid authorization header format"},
	}
	for _, tt := range tests {
		got, msg := bearerToken(tt.header)
		assert.Equal(t, tt.want, got, tt.header)
		assert.Equal(t, tt.wantMsg, msg, tt.header)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	idp := newIdentityProvider(t)
	auth := JWTAuthenticator(identityConfig(), idp.keySet())

	with := func(mut func(jwt.MapClaims)) jwt.MapClaims {
		c := managerClaims()
		mut(c)
		return c
	}
	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, managerClaims()).SignedString([]byte("shared"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{
			name:   "rsa token",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", managerClaims()),
		},
		{
			name:   "ec token",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodES256, "ec-1", managerClaims()),
		},
		{
			name: "expiry inside clock skew",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
			})),
		},
		{
			name:    "missing header",
			wantMsg: "Missing authorization header",
		},
		{
			name:    "wrong scheme",
			header:  "Token abc",
			wantMsg: "Invalid authorization header format",
		},
		{
			name: "expired",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			})),
			wantMsg: "Token expired",
		},
		{
			name: "not yet valid",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				c["nbf"] = jwt.NewNumericDate(time.Now().Add(time.Hour))
			})),
			wantMsg: "Token not yet valid",
		},
		{
			name: "no expiry",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				delete(c, "exp")
			})),
			wantMsg: "Token is missing a required claim",
		},
		{
			name: "foreign issuer",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				c["iss"] = "https://evil.example.com"
			})),
			wantMsg: "Invalid token issuer",
		},
		{
			name: "other audience",
			header: "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
				c["aud"] = "timesheet-api"
			})),
			wantMsg: "Invalid token audience",
		},
		{
			name:    "symmetric algorithm",
			header:  "Bearer " + hs256,
			wantMsg: "Disallowed signing algorithm",
		},
		{
			name:    "unknown kid",
			header:  "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "rotated-away", managerClaims()),
			wantMsg: "Unknown signing key",
		},
		{
			name:    "no kid with several keys",
			header:  "Bearer " + idp.sign(t, jwt.SigningMethodRS256, "", managerClaims()),
			wantMsg: "Unknown signing key",
		},
		{
			name:    "garbage",
			header:  "Bearer not-a-jwt",
			wantMsg: "Invalid token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var claims map[string]any
			h := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				claims = ClaimsFrom(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if tt.wantMsg == "" {
				require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
				assert.Equal(t, "user-manager", claims["sub"])
				assert.Equal(t, "prog-acme", claims["program_id"])
				return
			}
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, claims, "handler must not run")
			var env Envelope
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
			assert.Equal(t, http.StatusUnauthorized, env.StatusCode)
			assert.Equal(t, tt.wantMsg, env.Message)
		})
	}
}

func TestExtractClaim(t *testing.T) {
	claims := map[string]any{
		"sub": "user-approver",
		"realm_access": map[string]any{
			"roles": []any{"approver", "admin"},
		},
		"tenant": map[string]any{"program": "prog-acme"},
	}

	assert.Equal(t, "user-approver", extractClaimString(claims, "sub"))
	assert.Equal(t, "prog-acme", extractClaimString(claims, "tenant.program"))
	assert.Equal(t, []string{"approver", "admin"}, extractClaimStringSlice(claims, "realm_access.roles"))
	assert.Empty(t, extractClaimString(claims, "tenant.region"))
	assert.Empty(t, extractClaimString(claims, "sub.nested"))
	assert.Empty(t, extractClaimString(nil, "sub"))
}
