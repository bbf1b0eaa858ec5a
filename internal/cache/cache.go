// Package cache provides the volatile key/value tiers that sit in front of the
// durable store.
package cache

import (
	"context"
	"log/slog"
)

// Cache is a string key/value cache. A miss is reported as ok == false with a
// nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Layered reads the front tier first and falls back to the back tier,
// copying back-tier hits forward. Writes go to both tiers. Back-tier errors
// are logged and treated as misses; the durable store stays the source of truth.
type Layered struct {
	front  Cache
	back   Cache
	logger *slog.Logger
}

func NewLayered(log *slog.Logger, front, back Cache) *Layered {
	if log == nil {
		log = slog.Default()
	}
	return &Layered{front: front, back: back, logger: log.With(slog.String("service", "cache"))}
}

func (l *Layered) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok, err := l.front.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	if l.back == nil {
		return "", false, nil
	}
	v, ok, err := l.back.Get(ctx, key)
	if err != nil {
		l.logger.Warn("remote cache get failed", slog.String("key", key), slog.Any("error", err))
		return "", false, nil
	}
	if !ok {
		return "", false, nil
	}
	_ = l.front.Set(ctx, key, v)
	return v, true, nil
}

func (l *Layered) Set(ctx context.Context, key, value string) error {
	if err := l.front.Set(ctx, key, value); err != nil {
		return err
	}
	if l.back == nil {
		return nil
	}
	if err := l.back.Set(ctx, key, value); err != nil {
		l.logger.Warn("remote cache set failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}

func (l *Layered) Delete(ctx context.Context, key string) error {
	if err := l.front.Delete(ctx, key); err != nil {
		return err
	}
	if l.back == nil {
		return nil
	}
	if err := l.back.Delete(ctx, key); err != nil {
		l.logger.Warn("remote cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}
