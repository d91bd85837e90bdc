package relationships

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduit-lang/normalizer/internal/metrics"
	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"go.uber.org/zap"
)

// CollectionInitializer batches the initialization of lazy collections.
// Owners are initialized first, then the collections of each owning class
// and field are loaded with one query.
type CollectionInitializer struct {
	loader   Loader
	entities *EntityInitializer
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[*collection.Persistent]struct{}
	order   []*collection.Persistent
}

// NewCollectionInitializer creates an initializer loading through loader.
// When entities is nil, uninitialized owners are loaded one by one.
func NewCollectionInitializer(loader Loader, entities *EntityInitializer, logger *zap.Logger) *CollectionInitializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionInitializer{
		loader:   loader,
		entities: entities,
		logger:   logger,
		pending:  make(map[*collection.Persistent]struct{}),
	}
}

// Collect queues obj when it is an uninitialized persistent collection
func (i *CollectionInitializer) Collect(obj any) bool {
	c, ok := obj.(*collection.Persistent)
	if !ok || c.Initialized() {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, queued := i.pending[c]; !queued {
		i.pending[c] = struct{}{}
		i.order = append(i.order, c)
	}
	return true
}

// Process loads every collection queued since the last call
func (i *CollectionInitializer) Process(ctx context.Context) error {
	i.mu.Lock()
	queued := i.order
	i.pending = make(map[*collection.Persistent]struct{})
	i.order = nil
	i.mu.Unlock()

	colls := make([]*collection.Persistent, 0, len(queued))
	for _, c := range queued {
		if !c.Initialized() {
			colls = append(colls, c)
		}
	}
	if len(colls) == 0 {
		return nil
	}

	if err := i.initializeOwners(ctx, colls); err != nil {
		return err
	}

	metrics.InitializerBatches.WithLabelValues("collection").Inc()
	metrics.InitializerBatchSize.WithLabelValues("collection").Observe(float64(len(colls)))

	if err := i.loader.LoadCollections(ctx, colls); err != nil {
		return fmt.Errorf("failed to load %d collections: %w", len(colls), err)
	}
	i.logger.Debug("initialized collections", zap.Int("count", len(colls)))

	for _, c := range colls {
		if c.Initialized() {
			continue
		}
		if err := c.Initialize(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
	}
	return nil
}

func (i *CollectionInitializer) initializeOwners(ctx context.Context, colls []*collection.Persistent) error {
	if i.entities != nil {
		collected := false
		for _, c := range colls {
			if i.entities.Collect(c.Owner()) {
				collected = true
			}
		}
		if collected {
			return i.entities.Process(ctx)
		}
		return nil
	}

	for _, c := range colls {
		if owner, ok := c.Owner().(collection.Lazy); ok && !owner.Initialized() {
			if err := owner.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize owner of %s: %w", c.Field(), err)
			}
		}
	}
	return nil
}

// Initialize loads a single collection
func (i *CollectionInitializer) Initialize(ctx context.Context, obj any) error {
	if i.Collect(obj) {
		return i.Process(ctx)
	}
	return nil
}
