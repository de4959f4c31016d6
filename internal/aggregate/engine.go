// Package aggregate computes derived views over the store: the service
// catalog, the service map and the metric cardinality analysis. Views are
// computed on demand and cached briefly.
package aggregate

import (
	"sync"
	"time"

	"github.com/tinyolly/tinyolly/internal/storage"
)

const (
	// cacheTTL bounds recomputation under a polling UI.
	cacheTTL = 5 * time.Second

	// spanScanLimit caps how many recent spans one view walks.
	spanScanLimit = 5000
)

// Engine computes aggregated views.
type Engine struct {
	store storage.Storage
	now   func() time.Time

	// SelfService names the core's own telemetry, excluded from every view.
	selfService string

	catalogCache    viewCache[[]*ServiceEntry]
	serviceMapCache viewCache[*ServiceMap]
}

// New returns an engine over the store. A nil clock means time.Now.
func New(store storage.Storage, selfService string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, now: now, selfService: selfService}
}

// viewCache holds one computed view for a short window.
type viewCache[T any] struct {
	mu    sync.Mutex
	value T
	at    time.Time
}

func (c *viewCache[T]) get(now time.Time, compute func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.at.IsZero() && now.Sub(c.at) < cacheTTL {
		return c.value, nil
	}
	value, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = value
	c.at = now
	return value, nil
}
