package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const (
	defaultJWKSCacheTTL      = 5 * time.Minute
	defaultJWKSMaxStale      = 15 * time.Minute
	defaultJWKSFetchTimeout  = 5 * time.Second
	defaultJWKSRetryAttempts = 3
	defaultJWKSRetryBase     = 200 * time.Millisecond
	defaultJWKSRetryMax      = 2 * time.Second
)

var errKeyNotFound = errors.New("identity: signing key not found")

type keyState int

const (
	keyMissing keyState = iota
	keyFresh
	keyStale
)

// keySet caches the provider's RSA signing keys. Concurrent misses share one
// fetch. Once the TTL passes, known keys keep being served for maxStale while
// a background refresh runs, so a provider outage does not lock everyone out.
type keySet struct {
	url          string
	httpClient   *http.Client
	ttl          time.Duration
	maxStale     time.Duration
	fetchTimeout time.Duration
	attempts     int
	retryBase    time.Duration
	retryMax     time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	expiresAt  time.Time
	staleUntil time.Time

	refreshMu sync.Mutex
	refreshCh chan struct{}
	lastErr   error
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newKeySet(url string, client *http.Client, now func() time.Time) *keySet {
	return &keySet{
		url:          url,
		httpClient:   client,
		ttl:          defaultJWKSCacheTTL,
		maxStale:     defaultJWKSMaxStale,
		fetchTimeout: defaultJWKSFetchTimeout,
		attempts:     defaultJWKSRetryAttempts,
		retryBase:    defaultJWKSRetryBase,
		retryMax:     defaultJWKSRetryMax,
		now:          now,
		keys:         map[string]*rsa.PublicKey{},
	}
}

// key returns the key for kid. A stale key is returned as is and refreshed
// in the background; an unknown kid forces a refresh (providers rotate keys
// without notice).
func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid", errKeyNotFound)
	}
	key, state := s.lookup(kid)
	switch state {
	case keyFresh:
		return key, nil
	case keyStale:
		s.refreshAsync(kid)
		return key, nil
	}
	if err := s.refresh(ctx, kid); err != nil {
		return nil, err
	}
	if key, state := s.lookup(kid); state != keyMissing {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", errKeyNotFound, kid)
}

func (s *keySet) lookup(kid string) (*rsa.PublicKey, keyState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.keys[kid]
	now := s.now()
	switch {
	case key == nil:
		return nil, keyMissing
	case now.Before(s.expiresAt):
		return key, keyFresh
	case now.Before(s.staleUntil):
		return key, keyStale
	default:
		return nil, keyMissing
	}
}

func (s *keySet) refreshAsync(kid string) {
	s.refreshMu.Lock()
	inFlight := s.refreshCh != nil
	s.refreshMu.Unlock()
	if inFlight {
		return
	}
	go func() {
		_ = s.refresh(context.Background(), kid)
	}()
}

func (s *keySet) refresh(ctx context.Context, kid string) error {
	s.refreshMu.Lock()
	// A refresh that finished while we were waiting for the lock may already
	// have brought the key in.
	if _, state := s.lookup(kid); state == keyFresh {
		s.refreshMu.Unlock()
		return nil
	}
	if ch := s.refreshCh; ch != nil {
		s.refreshMu.Unlock()
		select {
		case <-ch:
			s.refreshMu.Lock()
			defer s.refreshMu.Unlock()
			return s.lastErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.refreshCh = ch
	s.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	err := s.fetchWithRetry(ctx)
	cancel()

	s.refreshMu.Lock()
	s.lastErr = err
	s.refreshCh = nil
	close(ch)
	s.refreshMu.Unlock()
	return err
}

func (s *keySet) fetchWithRetry(ctx context.Context) error {
	delay := s.retryBase
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.fetch(ctx); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
		if delay > s.retryMax {
			delay = s.retryMax
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *keySet) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: jwks: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: jwks status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrProviderUnavailable, err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: jwks has no usable keys", ErrProviderUnavailable)
	}

	now := s.now()
	s.mu.Lock()
	s.keys = keys
	s.expiresAt = now.Add(s.ttl)
	s.staleUntil = s.expiresAt.Add(s.maxStale)
	s.mu.Unlock()
	return nil
}

func rsaPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(eBytes).Int64()
	if len(nBytes) == 0 || e <= 0 || e > int64(^uint32(0)) {
		return nil, errors.New("invalid rsa parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e)}, nil
}
