package redisholder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaos-zhu/easyimg/internal/config"
)

// Build connects to the configured nodes, preferring a cluster client, and
// starts a loop that pings Redis and swaps in a fresh client when it fails.
// The loop and the client stop when ctx is cancelled.
func Build(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Holder, error) {
	logger = logger.With(slog.String("component", "redis"))

	var cl redis.UniversalClient
	cl, err := newClusterClient(ctx, &cfg)
	if err != nil {
		clusterErr := err
		cl, err = newClient(ctx, &cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		logger.Info("cluster client failed, using single-node client", slog.String("error", clusterErr.Error()))
	}

	h := NewHolder(cl)

	go healthLoop(ctx, h, cfg, logger)

	return h, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg config.RedisConfig, logger *slog.Logger) {
	interval := cfg.HealthCheckInterval * time.Second
	logger.Info("health loop started", slog.Duration("interval", interval))

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Get().Ping(pingCtx).Err()
		cancel()

		if err == nil {
			logger.Debug("ping ok")
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("ping failed, reconnecting", slog.String("error", err.Error()))

		var newCl redis.UniversalClient
		var newErr error
		// Rebuild client (cluster first, then fallback)
		newCl, newErr = newClusterClient(ctx, &cfg)
		if newErr != nil {
			newCl, newErr = newClient(ctx, &cfg)
		}
		if newErr != nil {
			logger.Error("reconnect failed", slog.String("error", newErr.Error()))
			return
		}

		old := h.swap(newCl)
		if old != nil {
			_ = old.Close()
		}
		logger.Info("reconnected")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			logger.Info("health loop stopped", slog.String("reason", ctx.Err().Error()))
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	// A single node is never treated as a cluster.
	if len(cfg.Nodes) < 2 {
		return nil, errors.New("cluster needs at least two nodes")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout * time.Second,
		ReadTimeout:    cfg.ReadTimeout * time.Second,
		WriteTimeout:   cfg.WriteTimeout * time.Second,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     3,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout * time.Second,
			ReadTimeout:  cfg.ReadTimeout * time.Second,
			WriteTimeout: cfg.WriteTimeout * time.Second,
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", node.Addr(), err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
