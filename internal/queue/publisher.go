package queue

import "context"

// Publisher delivers lifecycle events to whatever relays them to clients.
// The core only publishes; it has no subscription mechanism of its own.
type Publisher interface {
	Publish(ctx context.Context, key string, event any, requestID string) error
	Close() error
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any, string) error { return nil }
func (NoopPublisher) Close() error                                       { return nil }
