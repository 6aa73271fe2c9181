package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Estimator resolves an address pair to a road distance. Routing itself is
// an external concern; this package only calls out and caches.
type Estimator interface {
	DistanceKm(ctx context.Context, pickup, dropoff string) (float64, error)
}

// HTTPEstimator queries a routing HTTP service with an address pair.
type HTTPEstimator struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPEstimator(endpoint string) *HTTPEstimator {
	return &HTTPEstimator{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (e *HTTPEstimator) DistanceKm(ctx context.Context, pickup, dropoff string) (float64, error) {
	body, _ := json.Marshal(map[string]string{"origin": pickup, "destination": dropoff})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("routing service status %d", resp.StatusCode)
	}
	var out struct {
		DistanceKm float64 `json:"distance_km"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.DistanceKm <= 0 {
		return 0, fmt.Errorf("routing service returned no distance")
	}
	return out.DistanceKm, nil
}

// CachedEstimator memoizes lookups for a TTL; address pairs repeat whenever
// an operator re-creates similar courses.
type CachedEstimator struct {
	Inner Estimator
	TTL   time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCachedEstimator(inner Estimator, ttl time.Duration) *CachedEstimator {
	return &CachedEstimator{Inner: inner, TTL: ttl, store: make(map[string]cacheEntry)}
}

func (c *CachedEstimator) DistanceKm(ctx context.Context, pickup, dropoff string) (float64, error) {
	k := pickup + "->" + dropoff
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.TTL {
		return e.v, nil
	}
	v, err := c.Inner.DistanceKm(ctx, pickup, dropoff)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return v, nil
}
