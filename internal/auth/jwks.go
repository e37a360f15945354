package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	jwksMaxBody = 1 << 20
	// refreshCooldown bounds how often an unknown kid can force a fetch.
	refreshCooldown = 10 * time.Second
)

// JWKS serves RSA verification keys from an OAuth2 JWK set endpoint. Keys
// are cached by kid; the set refreshes after RefreshInterval or when a token
// names an unknown kid. Concurrent misses collapse into a single fetch, and
// cached lookups never wait behind one: the HTTP round trip runs under
// fetchMu only, never under mu.
type JWKS struct {
	uri      string
	interval time.Duration
	client   *http.Client

	// fetchMu serializes endpoint fetches.
	fetchMu sync.Mutex

	// mu guards the cache fields below.
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	attemptAt time.Time
}

func NewJWKS(uri string, interval time.Duration) *JWKS {
	if interval <= 0 {
		interval = time.Hour
	}
	return &JWKS{
		uri:      uri,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     map[string]*rsa.PublicKey{},
	}
}

// Key implements KeySource. A stale cached key is still served when the
// endpoint is unreachable; an unknown kid after a fresh fetch is an error.
func (j *JWKS) Key(ctx context.Context, kid, _ string) (any, error) {
	j.mu.Lock()
	key, known := j.keys[kid]
	fresh := known && time.Since(j.fetchedAt) < j.interval
	j.mu.Unlock()
	if fresh {
		return key, nil
	}

	if err := j.refresh(ctx); err != nil {
		if known {
			log.WithError(err).Warn("jwks refresh failed, serving cached key")
			return key, nil
		}
		return nil, fmt.Errorf("refresh jwk set: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if key, ok := j.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("jwk set has no key %q", kid)
}

// refresh fetches the set at most once per cooldown window. Callers that
// arrive while a fetch is in flight wait for it and then find the cooldown
// already spent.
func (j *JWKS) refresh(ctx context.Context) error {
	j.fetchMu.Lock()
	defer j.fetchMu.Unlock()

	j.mu.Lock()
	if time.Since(j.attemptAt) < refreshCooldown {
		j.mu.Unlock()
		return nil
	}
	j.attemptAt = time.Now()
	j.mu.Unlock()

	keys, err := j.fetch(ctx)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.keys = keys
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	log.WithField("keys", len(keys)).Debug("jwk set refreshed")
	return nil
}

func (j *JWKS) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}

	var set struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwk set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			log.WithField("kid", k.Kid).WithError(err).Warn("skipping unparseable jwk")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwk set at %s has no usable RSA keys", j.uri)
	}
	return keys, nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := decodeBase64URL(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := decodeBase64URL(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp <= 0 {
		return nil, fmt.Errorf("non-positive exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// decodeBase64URL tolerates both padded and unpadded input.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
