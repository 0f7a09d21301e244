package auditlog

import (
	"context"
	"sync"
)

// Metadata describes the resource an audited operation acted on.
type Metadata struct {
	Hypervisor   string
	ResourceType string
	ResourceID   string
	Detail       string
}

type metadataKey struct{}

type slot struct {
	mu   sync.Mutex
	meta Metadata
}

// WithMetadata returns a context carrying a metadata slot seeded with
// meta. Handlers further down the call chain fill it in with Annotate and
// the auditing wrapper reads it back once the operation returns.
func WithMetadata(ctx context.Context, meta Metadata) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if s, ok := ctx.Value(metadataKey{}).(*slot); ok {
		s.merge(meta)
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, &slot{meta: meta})
}

// Annotate merges meta into the slot carried by ctx. It is a no-op when
// ctx carries no slot.
func Annotate(ctx context.Context, meta Metadata) {
	if ctx == nil {
		return
	}
	if s, ok := ctx.Value(metadataKey{}).(*slot); ok {
		s.merge(meta)
	}
}

// MetadataFromContext returns audit metadata stored in the context.
func MetadataFromContext(ctx context.Context) Metadata {
	if ctx == nil {
		return Metadata{}
	}
	s, ok := ctx.Value(metadataKey{}).(*slot)
	if !ok {
		return Metadata{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *slot) merge(meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = Metadata{
		Hypervisor:   pick(meta.Hypervisor, s.meta.Hypervisor),
		ResourceType: pick(meta.ResourceType, s.meta.ResourceType),
		ResourceID:   pick(meta.ResourceID, s.meta.ResourceID),
		Detail:       pick(meta.Detail, s.meta.Detail),
	}
}

func pick(next, fallback string) string {
	if next != "" {
		return next
	}
	return fallback
}
