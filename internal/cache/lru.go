package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a bounded in-process cache with per-entry TTL.
type LRU struct {
	lru *expirable.LRU[string, string]
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRU{lru: expirable.NewLRU[string, string](capacity, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *LRU) Set(_ context.Context, key, value string) error {
	c.lru.Add(key, value)
	return nil
}

func (c *LRU) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

func (c *LRU) Len() int { return c.lru.Len() }
