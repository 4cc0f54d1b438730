package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// Factory constructs a client for one registered key.
type Factory func(ctx context.Context, cfg BackendConfig) (Client, error)

// Filter selects registry entries. Zero fields match everything.
type Filter struct {
	DataType   DataType
	ClientType ClientType
}

func (f Filter) matches(k Key) bool {
	if f.DataType != "" && f.DataType != k.DataType {
		return false
	}
	if f.ClientType != "" && f.ClientType != k.ClientType {
		return false
	}
	return true
}

// Registry maps (data type, client type) to exactly one live client.
// Reads of constructed clients are lock free; first construction per key
// happens once even under concurrent callers.
type Registry struct {
	mu        sync.RWMutex
	factories map[Key]Factory

	instances sync.Map // Key -> Client
	group     singleflight.Group
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[Key]Factory),
		logger:    logger,
	}
}

// Register adds a factory for a key. Registering a key twice is an error.
func (r *Registry) Register(dataType DataType, clientType ClientType, factory Factory) error {
	if factory == nil {
		return domain.Configurationf("nil factory for %s/%s", dataType, clientType)
	}
	k := Key{DataType: dataType, ClientType: clientType}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[k]; ok {
		return domain.Configurationf("backend %s already registered", k)
	}
	r.factories[k] = factory
	return nil
}

// Create returns the client for a key, constructing it on first use.
// Failed constructions are not cached.
func (r *Registry) Create(ctx context.Context, dataType DataType, clientType ClientType, cfg BackendConfig) (Client, error) {
	k := Key{DataType: dataType, ClientType: clientType}
	if c, ok := r.instances.Load(k); ok {
		return c.(Client), nil
	}

	r.mu.RLock()
	factory, ok := r.factories[k]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Configurationf("unknown backend %s", k)
	}

	v, err, _ := r.group.Do(k.String(), func() (any, error) {
		// Another flight may have finished between Load and Do.
		if c, ok := r.instances.Load(k); ok {
			return c, nil
		}
		c, err := factory(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errors.New("factory returned nil client")
		}
		r.instances.Store(k, c)
		r.logger.Info("Backend client created", "key", k.String())
		return c, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create %s: %v", domain.ErrConfiguration, k, err)
	}
	return v.(Client), nil
}

// GetExisting returns a constructed client without constructing one.
func (r *Registry) GetExisting(dataType DataType, clientType ClientType) (Client, bool) {
	c, ok := r.instances.Load(Key{DataType: dataType, ClientType: clientType})
	if !ok {
		return nil, false
	}
	return c.(Client), true
}

// Reset drops cached clients matching f and returns how many were dropped.
// Dropped clients are not closed; callers that still hold one keep using it.
func (r *Registry) Reset(f Filter) int {
	n := 0
	r.instances.Range(func(key, _ any) bool {
		k := key.(Key)
		if f.matches(k) {
			r.instances.Delete(k)
			n++
		}
		return true
	})
	if n > 0 {
		r.logger.Info("Backend clients reset", "count", n, "data_type", f.DataType, "client_type", f.ClientType)
	}
	return n
}

// Instances lists the keys of constructed clients in stable order.
func (r *Registry) Instances() []Key {
	var keys []Key
	r.instances.Range(func(key, _ any) bool {
		keys = append(keys, key.(Key))
		return true
	})
	sortKeys(keys)
	return keys
}

// Registered lists every key with a factory in stable order.
func (r *Registry) Registered() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Close closes and drops every constructed client.
func (r *Registry) Close() error {
	var errs []error
	r.instances.Range(func(key, value any) bool {
		r.instances.Delete(key)
		if err := value.(Client).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key.(Key), err))
		}
		return true
	})
	return errors.Join(errs...)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DataType != keys[j].DataType {
			return keys[i].DataType < keys[j].DataType
		}
		return keys[i].ClientType < keys[j].ClientType
	})
}

// ReviewClientFor resolves the review client for clientType.
func ReviewClientFor(ctx context.Context, r *Registry, clientType ClientType, cfg BackendConfig) (ReviewClient, error) {
	c, err := r.Create(ctx, DataTypeReview, clientType, cfg)
	if err != nil {
		return nil, err
	}
	rc, ok := c.(ReviewClient)
	if !ok {
		return nil, domain.Configurationf("backend %s/%s does not serve reviews", DataTypeReview, clientType)
	}
	return rc, nil
}

// BatchClientFor resolves the batch client for clientType.
func BatchClientFor(ctx context.Context, r *Registry, clientType ClientType, cfg BackendConfig) (BatchClient, error) {
	c, err := r.Create(ctx, DataTypeBatch, clientType, cfg)
	if err != nil {
		return nil, err
	}
	bc, ok := c.(BatchClient)
	if !ok {
		return nil, domain.Configurationf("backend %s/%s does not serve batches", DataTypeBatch, clientType)
	}
	return bc, nil
}

// LabelClientFor resolves the label client for clientType.
func LabelClientFor(ctx context.Context, r *Registry, clientType ClientType, cfg BackendConfig) (LabelClient, error) {
	c, err := r.Create(ctx, DataTypeLabel, clientType, cfg)
	if err != nil {
		return nil, err
	}
	lc, ok := c.(LabelClient)
	if !ok {
		return nil, domain.Configurationf("backend %s/%s does not serve labels", DataTypeLabel, clientType)
	}
	return lc, nil
}
