package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "clm-service"
)

var hmacKey = []byte("0123456789abcdef0123456789abcdef")

func baseClaims() Claims {
	now := time.Now()
	return Claims{
		TenantID: "T1",
		Roles:    []string{"reader"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	}
}

func signHMAC(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = "test"
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func hmacValidator() *Validator {
	return NewValidator(testIssuer, testAudience, StaticKeys{"test": hmacKey}, true)
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v := hmacValidator()
	tc, exp, err := v.Validate(context.Background(), signHMAC(t, baseClaims(), hmacKey))
	require.NoError(t, err)
	assert.Equal(t, "T1", tc.TenantID)
	assert.Equal(t, "user-1", tc.UserID)
	assert.Equal(t, []string{"reader"}, tc.Roles)
	assert.False(t, tc.IsSystem)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

func TestValidateRejections(t *testing.T) {
	v := hmacValidator()
	now := time.Now()

	cases := []struct {
		name   string
		mutate func(*Claims)
	}{
		{"wrong issuer", func(c *Claims) { c.Issuer = "https://elsewhere.test" }},
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"other-service"} }},
		{"expired beyond skew", func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-2 * time.Minute)) }},
		{"issued in the future", func(c *Claims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }},
		{"missing exp", func(c *Claims) { c.ExpiresAt = nil }},
		{"missing tenant on plain token", func(c *Claims) { c.TenantID = "" }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			claims := baseClaims()
			tt.mutate(&claims)
			_, _, err := v.Validate(context.Background(), signHMAC(t, claims, hmacKey))
			assert.Error(t, err)
		})
	}
}

func TestValidateSkewTolerance(t *testing.T) {
	v := hmacValidator()
	now := time.Now()

	claims := baseClaims()
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-30 * time.Second))
	_, _, err := v.Validate(context.Background(), signHMAC(t, claims, hmacKey))
	assert.NoError(t, err, "expiry within the 60s skew is accepted")

	claims = baseClaims()
	claims.IssuedAt = jwt.NewNumericDate(now.Add(30 * time.Second))
	_, _, err = v.Validate(context.Background(), signHMAC(t, claims, hmacKey))
	assert.NoError(t, err, "iat within the 60s skew is accepted")
}

func TestValidateRejectsBadSignature(t *testing.T) {
	v := hmacValidator()
	forged := signHMAC(t, baseClaims(), []byte("another-key-another-key-another!"))
	_, _, err := v.Validate(context.Background(), forged)
	assert.Error(t, err)
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	v := hmacValidator()

	// alg=none with an empty signature segment.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, _ := json.Marshal(baseClaims())
	payload := base64.RawURLEncoding.EncodeToString(body)
	_, _, err := v.Validate(context.Background(), header+"."+payload+".")
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := hmacValidator()
	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d", "!!.!!.!!"} {
		_, _, err := v.Validate(context.Background(), tok)
		assert.Error(t, err, "token %q", tok)
	}
}

func TestValidateSystemTokenWithoutTenant(t *testing.T) {
	v := hmacValidator()
	claims := baseClaims()
	claims.TenantID = ""
	claims.System = true

	tc, _, err := v.Validate(context.Background(), signHMAC(t, claims, hmacKey))
	require.NoError(t, err)
	assert.True(t, tc.IsSystem)
	assert.Empty(t, tc.TenantID)
}

func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	// Padded modulus exercises the tolerant decoder.
	n := base64.URLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"use":"sig","n":%q,"e":%q},{"kty":"EC","kid":"ec1"}]}`, kid, n, e)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestJWKSValidatesRS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := newJWKSServer(t, "rsa1", &priv.PublicKey, &hits)
	defer srv.Close()

	v := NewValidator(testIssuer, testAudience, NewJWKS(srv.URL, time.Hour), true)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	tok.Header["kid"] = "rsa1"
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	tc, _, err := v.Validate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "T1", tc.TenantID)

	// Cached key: a second validation must not refetch the set.
	_, _, err = v.Validate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSUnknownKid(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := newJWKSServer(t, "rsa1", &priv.PublicKey, &hits)
	defer srv.Close()

	v := NewValidator(testIssuer, testAudience, NewJWKS(srv.URL, time.Hour), true)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	tok.Header["kid"] = "who-dis"
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	_, _, err = v.Validate(context.Background(), signed)
	assert.Error(t, err)

	// The miss already fetched once; the cooldown stops a second stampede.
	_, _, err = v.Validate(context.Background(), signed)
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestJWKSCachedKeyNotBlockedBySlowFetch(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	n := base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes())
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"rsa1","use":"sig","n":%q,"e":%q}]}`, n, e)

	var slow atomic.Bool
	fetching := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case fetching <- struct{}{}:
			default:
			}
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	j := NewJWKS(srv.URL, time.Hour)
	_, err = j.Key(context.Background(), "rsa1", "RS256")
	require.NoError(t, err)

	// Reopen the cooldown window, then park a refresh on the slow endpoint.
	slow.Store(true)
	j.mu.Lock()
	j.attemptAt = time.Time{}
	j.mu.Unlock()
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		_, _ = j.Key(context.Background(), "who-dis", "RS256")
	}()
	<-fetching

	start := time.Now()
	_, err = j.Key(context.Background(), "rsa1", "RS256")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"cached key lookups must not wait for the endpoint")
	<-refreshDone
}

func TestJWKSEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	j := NewJWKS(srv.URL, time.Hour)
	_, err := j.Key(context.Background(), "any", "RS256")
	assert.Error(t, err)
}

func TestBase64URLRoundTrip(t *testing.T) {
	blobs := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0x00, 0x01},
		[]byte("any carnal pleasure"),
	}
	for _, b := range blobs {
		enc := base64.RawURLEncoding.EncodeToString(b)
		if pad := len(enc) % 4; pad != 0 {
			enc += strings.Repeat("=", 4-pad)
		}
		got, err := decodeBase64URL(enc)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
}

func TestMiddleware(t *testing.T) {
	keys := &countingKeys{inner: StaticKeys{"test": hmacKey}}
	v := NewValidator(testIssuer, testAudience, keys, true)
	m := NewMiddleware(v)

	var gotTC TenantContext
	var called bool
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTC, called = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token := signHMAC(t, baseClaims(), hmacKey)

	// No header.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/p1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing or malformed authorization header"}`, rec.Body.String())

	// Wrong scheme.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/p1", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Invalid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/status/p1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())

	// Valid token reaches the handler with the identity attached.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/status/p1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
	assert.Equal(t, "T1", gotTC.TenantID)

	// Repeat requests hit the validated-token cache.
	before := keys.calls.Load()
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/status/p1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, before, keys.calls.Load())
}

type countingKeys struct {
	inner KeySource
	calls atomic.Int32
}

func (c *countingKeys) Key(ctx context.Context, kid, alg string) (any, error) {
	c.calls.Add(1)
	return c.inner.Key(ctx, kid, alg)
}
