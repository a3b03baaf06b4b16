package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims describes the caller a test token speaks for.
type TestClaims struct {
	SubjectID string
	ProgramID string
	UserType  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer stands in for the identity provider: it signs ES256 tokens and
// publishes the matching key at a JWKS endpoint.
type tokenIssuer struct {
	key      *ecdsa.PrivateKey
	kid      string
	srv      *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	ti := &tokenIssuer{
		key:      key,
		kid:      "idp-" + time.Now().UTC().Format("20060102"),
		issuer:   "https://idp.requisition.test",
		audience: "requisition-api",
	}

	coord := func(b []byte) string {
		// P-256 coordinates are fixed width.
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": ti.kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"alg": "ES256",
		"x":   coord(key.X.Bytes()),
		"y":   coord(key.Y.Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}
	ti.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ti.srv.Close)
	return ti
}

// GenerateToken signs a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(c, now, now.Add(time.Hour))
}

// GenerateExpiredToken signs a token whose lifetime ended an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(c, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

func (ti *tokenIssuer) sign(c TestClaims, iat, exp time.Time) string {
	claims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"sub": c.SubjectID,
		"iat": jwt.NewNumericDate(iat),
		"exp": jwt.NewNumericDate(exp),
	}
	for name, v := range map[string]string{
		"program_id": c.ProgramID,
		"user_type":  c.UserType,
		"email":      c.Email,
	} {
		if v != "" {
			claims[name] = v
		}
	}
	if len(c.Roles) > 0 {
		claims["roles"] = c.Roles
	}
	maps.Copy(claims, c.Extra)

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = ti.kid
	signed, err := tok.SignedString(ti.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.srv.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }
