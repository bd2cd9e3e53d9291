package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/config"
	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/gateway/httpgw"
	"github.com/appedme/sketchflow-sub001/internal/gateway/pggw"
	"github.com/appedme/sketchflow-sub001/internal/gateway/s3gw"
	"github.com/appedme/sketchflow-sub001/internal/localstore"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/workspace"
)

// runtime is a workspace with the resources it was built on.
type runtime struct {
	ws     *workspace.Workspace
	feed   *httpgw.Feed
	logger *zap.Logger

	// ping checks the gateway is reachable; nil for backends without a
	// health endpoint.
	ping func(context.Context) error

	closers []func() error
}

func (r *runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openLocal opens the configured local store.
func openLocal(cfg *config.Config) (workspace.LocalStore, func() error, error) {
	if cfg.Local.Path == "" {
		return localstore.NewMemory(), func() error { return nil }, nil
	}
	s, err := localstore.Open(cfg.Local.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}
	return s, s.Close, nil
}

// backend is an opened gateway with its optional companions.
type backend struct {
	gw    gateway.Gateway
	feed  *httpgw.Feed
	ping  func(context.Context) error
	close func() error
}

// openGateway builds the configured persistence gateway.
func openGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, error) {
	b := backend{close: func() error { return nil }}

	switch cfg.Gateway.Backend {
	case config.BackendMemory:
		b.gw = gateway.NewMemory(nil)
	case config.BackendHTTP:
		hc := cfg.Gateway.HTTP
		client := httpgw.New(httpgw.Config{
			BaseURL:   hc.BaseURL,
			Timeout:   hc.Timeout,
			AuthToken: hc.AuthToken,
			Logger:    logger.Named("http"),
		})
		b.gw, b.ping = client, client.Ping
		if hc.Follow {
			b.feed = httpgw.NewFeed(hc.BaseURL, logger.Named("feed"))
			if hc.AuthToken != "" {
				b.feed.SetAuthToken(hc.AuthToken)
			}
		}
	case config.BackendPostgres:
		store, err := pggw.New(ctx, cfg.Gateway.Postgres.URL, logger.Named("postgres"))
		if err != nil {
			return backend{}, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return backend{}, err
		}
		b.gw, b.close = store, store.Close
	case config.BackendS3:
		og, err := s3gw.New(ctx, cfg.Gateway.S3, logger.Named("s3"))
		if err != nil {
			return backend{}, err
		}
		b.gw = og
	default:
		return backend{}, fmt.Errorf("unknown gateway backend %q", cfg.Gateway.Backend)
	}

	if cfg.Gateway.BreakerEnabled {
		b.gw = gateway.WithBreaker(b.gw, cfg.Gateway.Breaker, logger.Named("breaker"))
	}
	return b, nil
}

// openRuntime wires a workspace from cfg.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := logging.L()
	r := &runtime{logger: logger}

	local, closeLocal, err := openLocal(cfg)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, closeLocal)

	b, err := openGateway(ctx, cfg, logger)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.feed, r.ping = b.feed, b.ping
	r.closers = append(r.closers, b.close)

	r.ws = workspace.New(workspace.Options{
		Config:  cfg.Workspace(),
		Gateway: b.gw,
		Local:   local,
		Logger:  logger,
	})
	return r, nil
}
