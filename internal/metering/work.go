package metering

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gosuda/meterchain/internal/domain"
)

// ErrUnknownKind is returned when a work kind is not registered.
var ErrUnknownKind = errors.New("metering: unknown work kind") //nolint:gochecknoglobals // sentinel error

// Work is an external, non-transactional unit of work. It runs after the
// charge has committed and may be slow, fail, or never return.
type Work interface {
	Perform(ctx context.Context, unit domain.WorkUnit, payload []byte) (resultRef string, err error)
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context, unit domain.WorkUnit, payload []byte) (string, error)

func (f WorkFunc) Perform(ctx context.Context, unit domain.WorkUnit, payload []byte) (string, error) {
	return f(ctx, unit, payload)
}

// Kind is a registered work kind and its price in credit units.
type Kind struct {
	Name string
	Cost int64
	Work Work
}

// Registry manages the available work kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Kind),
	}
}

// Register adds or replaces a work kind.
func (r *Registry) Register(name string, cost int64, w Work) error {
	if name == "" || cost <= 0 || w == nil {
		return fmt.Errorf("metering.Registry.Register(%q): %w", name, domain.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = Kind{Name: name, Cost: cost, Work: w}
	return nil
}

func (r *Registry) Lookup(name string) (Kind, error) {
	r.mu.RLock()
	k, ok := r.kinds[name]
	r.mu.RUnlock()

	if !ok {
		return Kind{}, fmt.Errorf("metering.Registry.Lookup: %q: %w", name, ErrUnknownKind)
	}
	return k, nil
}

// Kinds returns all registered kinds sorted by name.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b Kind) int { return strings.Compare(a.Name, b.Name) })
	return out
}
