package state

import "context"

// Store is a small durable KV surface: exchange nonce persistence, client
// order id journaling, and the last session snapshot all live behind it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
