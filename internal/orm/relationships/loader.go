// Package relationships batches the lazy loads triggered while traversing a
// store-backed object graph. Proxies and collections collected during one
// traversal level are fetched with one query per class (or per class and
// field) instead of one round trip per object.
package relationships

import (
	"context"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
)

// Loader is the part of the store session the initializers drive
type Loader interface {
	Load(ctx context.Context, className string, objs []any) error
	LoadCollections(ctx context.Context, colls []*collection.Persistent) error
}

// Proxy is an entity that may still be waiting for its stored values
type Proxy interface {
	collection.Lazy
	ClassName() string
}

// Bind attaches the entity initializer to every group a class lists for
// preloading
func Bind(registry *schema.Registry, entities *EntityInitializer) error {
	for _, name := range registry.List() {
		class, err := registry.Class(name)
		if err != nil {
			return err
		}
		for _, group := range class.Preload {
			if entities == nil {
				return fmt.Errorf("%w: %s preloads group %s", ErrUnknownInitializer, name, group)
			}
			if err := registry.SetInitializer(name, group, entities); err != nil {
				return err
			}
		}
	}
	return nil
}
