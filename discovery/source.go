package discovery

import (
	"context"

	"github.com/petal-labs/switchboard/catalog"
)

// DescriptorSource supplies the providers to probe on each pass. The config
// package's watcher implements it for hot-reloaded provider lists.
type DescriptorSource interface {
	Descriptors(ctx context.Context) ([]catalog.Descriptor, error)
}

// StaticSource is a fixed provider list.
type StaticSource []catalog.Descriptor

// Descriptors returns copies of the configured descriptors.
func (s StaticSource) Descriptors(context.Context) ([]catalog.Descriptor, error) {
	return catalog.CloneDescriptors(s), nil
}

// SourceFunc adapts a function to DescriptorSource.
type SourceFunc func(ctx context.Context) ([]catalog.Descriptor, error)

// Descriptors calls f.
func (f SourceFunc) Descriptors(ctx context.Context) ([]catalog.Descriptor, error) {
	return f(ctx)
}
