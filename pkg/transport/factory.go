package transport

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport kinds accepted by New.
const (
	KindLoopback = "loopback"
	KindRedis    = "redis"
	KindHTTP     = "http"
)

// Config selects and configures a transport.
type Config struct {
	Kind string

	// Hub is shared by loopback endpoints. A new hub is created when nil.
	Hub *Hub

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	HTTPBaseURL string
	AuthToken   string

	Logger *slog.Logger
}

// New builds the transport for cfg.Kind. An empty kind means loopback.
func New(ctx context.Context, cfg Config) (Transport, error) {
	switch cfg.Kind {
	case "", KindLoopback:
		if cfg.Hub != nil {
			return cfg.Hub.Endpoint(), nil
		}
		ep := NewHub().Endpoint()
		ep.ownsHub = true
		return ep, nil
	case KindRedis:
		return NewRedisTransport(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
			Logger:   cfg.Logger,
		})
	case KindHTTP:
		if cfg.HTTPBaseURL == "" {
			return nil, fmt.Errorf("transport: http needs a base URL")
		}
		return NewHTTPTransport(cfg.HTTPBaseURL, cfg.AuthToken, nil), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Kind)
	}
}
