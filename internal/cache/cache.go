package cache

import (
	"context"
	"sync"
)

// ReceiptCache remembers the receipt handle issued for a payment reference.
type ReceiptCache interface {
	GetReceipt(ctx context.Context, reference string) (handle string, ok bool, err error)
	StoreReceipt(ctx context.Context, reference, handle string) error
}

// MemoryCache is used when Redis is not configured. Entries never expire.
type MemoryCache struct {
	mu      sync.RWMutex
	handles map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{handles: make(map[string]string)}
}

func (c *MemoryCache) GetReceipt(ctx context.Context, reference string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[reference]
	return h, ok, nil
}

func (c *MemoryCache) StoreReceipt(ctx context.Context, reference, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[reference]; !ok {
		c.handles[reference] = handle
	}
	return nil
}
