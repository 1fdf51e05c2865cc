package queue

import "context"

// Store defines the persistence contract for queue descriptors.
// Descriptors are created lazily on first use and survive restarts.
type Store interface {
	// PutQueue inserts or replaces a descriptor.
	PutQueue(ctx context.Context, d *Descriptor) error

	// GetQueue retrieves a descriptor by name.
	GetQueue(ctx context.Context, name string) (*Descriptor, error)

	// ListQueues returns all descriptors sorted by name.
	ListQueues(ctx context.Context) ([]*Descriptor, error)
}
