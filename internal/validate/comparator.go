// Package validate reconciles the results of a workunit into one canonical
// result and grants credit for the results that agree with it.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/quorum/internal/storage"
)

var (
	// ErrTransient defers a result to a later pass without changing it.
	ErrTransient = errors.New("validate: transient failure")
	// ErrPermanent marks a result invalid.
	ErrPermanent = errors.New("validate: permanent failure")
)

// Handle is comparator state for one result, produced by Init.
type Handle any

// Comparator is the app-specific plug-in that decides whether two results
// are equivalent. Errors must wrap ErrTransient or ErrPermanent; any other
// error is treated as transient.
type Comparator interface {
	Init(ctx context.Context, r *storage.Result) (Handle, error)
	Compare(ctx context.Context, a *storage.Result, ha Handle, b *storage.Result, hb Handle) (bool, error)
	Cleanup(r *storage.Result, h Handle)
}

// Registry selects a Comparator by app name.
type Registry struct {
	mu       sync.RWMutex
	byApp    map[string]Comparator
	fallback Comparator
}

// NewRegistry creates a Registry returning fallback for unregistered apps.
func NewRegistry(fallback Comparator) *Registry {
	return &Registry{byApp: make(map[string]Comparator), fallback: fallback}
}

func (r *Registry) Register(app string, c Comparator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byApp[app] = c
}

// For returns the comparator for app.
func (r *Registry) For(app string) Comparator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byApp[app]; ok {
		return c
	}
	return r.fallback
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// expiring reports a transient Init failure as permanent once the result
// has been waiting longer than maxAge since it was received.
type expiring struct {
	Comparator
	maxAge time.Duration
	now    func() time.Time
}

func (e expiring) Init(ctx context.Context, r *storage.Result) (Handle, error) {
	h, err := e.Comparator.Init(ctx, r)
	if err == nil || isPermanent(err) || !expired(r, e.maxAge, e.now()) {
		return h, err
	}
	return nil, fmt.Errorf("%v: gave up after %s: %w", err, e.maxAge, ErrPermanent)
}

func expired(r *storage.Result, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || r.ReceivedTime == 0 {
		return false
	}
	return now.Sub(time.Unix(r.ReceivedTime, 0)) > maxAge
}
