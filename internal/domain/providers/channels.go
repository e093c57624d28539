package providers

import (
	"context"

	"github.com/opyter/cromqc/internal/domain/entities"
)

// RecordSource defines the input channel of the stream path
type RecordSource interface {
	// Receive blocks until at least one entry is available or ctx is done.
	// An empty slice with a nil error means the wait timed out.
	Receive(ctx context.Context) ([]entities.Delivery, error)

	// Ack marks an entry as processed so it is not redelivered
	Ack(ctx context.Context, id string) error

	// Close releases the channel connection
	Close() error
}

// ResultPublisher defines the output channel of the stream path
type ResultPublisher interface {
	// Publish sends one enriched record
	Publish(ctx context.Context, msg *entities.OutboundMessage) error

	// Close releases the channel connection
	Close() error
}
