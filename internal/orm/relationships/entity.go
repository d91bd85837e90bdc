package relationships

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduit-lang/normalizer/internal/metrics"
	"go.uber.org/zap"
)

// EntityInitializer batches the initialization of entity proxies. Proxies
// collected since the last Process are loaded with one query per class.
type EntityInitializer struct {
	loader Loader
	logger *zap.Logger

	mu      sync.Mutex
	pending map[Proxy]struct{}
	order   []Proxy
}

// NewEntityInitializer creates an initializer loading through loader
func NewEntityInitializer(loader Loader, logger *zap.Logger) *EntityInitializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityInitializer{
		loader:  loader,
		logger:  logger,
		pending: make(map[Proxy]struct{}),
	}
}

// Collect queues obj when it is an uninitialized proxy
func (i *EntityInitializer) Collect(obj any) bool {
	p, ok := obj.(Proxy)
	if !ok || p.Initialized() {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, queued := i.pending[p]; !queued {
		i.pending[p] = struct{}{}
		i.order = append(i.order, p)
	}
	return true
}

// Pending returns the number of queued proxies
func (i *EntityInitializer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.order)
}

// Process loads every proxy queued since the last call
func (i *EntityInitializer) Process(ctx context.Context) error {
	i.mu.Lock()
	queued := i.order
	i.pending = make(map[Proxy]struct{})
	i.order = nil
	i.mu.Unlock()

	var classes []string
	byClass := make(map[string][]any)
	for _, p := range queued {
		if p.Initialized() {
			continue
		}
		name := p.ClassName()
		if _, ok := byClass[name]; !ok {
			classes = append(classes, name)
		}
		byClass[name] = append(byClass[name], p)
	}

	for _, name := range classes {
		objs := byClass[name]
		metrics.InitializerBatches.WithLabelValues("entity").Inc()
		metrics.InitializerBatchSize.WithLabelValues("entity").Observe(float64(len(objs)))

		if err := i.loader.Load(ctx, name, objs); err != nil {
			return fmt.Errorf("failed to load %d %s proxies: %w", len(objs), name, err)
		}
		i.logger.Debug("initialized proxies", zap.String("class", name), zap.Int("count", len(objs)))

		// the batch should have covered every proxy; load stragglers one by one
		for _, obj := range objs {
			p := obj.(Proxy)
			if p.Initialized() {
				continue
			}
			if err := p.Initialize(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrNotInitialized, err)
			}
		}
	}
	return nil
}

// Initialize loads a single proxy
func (i *EntityInitializer) Initialize(ctx context.Context, obj any) error {
	if i.Collect(obj) {
		return i.Process(ctx)
	}
	return nil
}
