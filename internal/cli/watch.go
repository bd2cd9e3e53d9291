package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/config"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/internal/metrics"
	"github.com/appedme/sketchflow-sub001/internal/opstatus"
	"github.com/appedme/sketchflow-sub001/internal/workspace"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the workspace, follow remote changes and serve metrics",
		Long: `Restore the saved session, reconcile fallback content for its tabs,
follow the gateway's change feed (http backend with follow enabled) and
serve Prometheus metrics on metrics.addr until interrupted. Auto-save
policies are reloaded when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rootOpts)
		},
	}
}

func runWatch(ctx context.Context, rootOpts *RootOptions) error {
	cfg := rootOpts.Config()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	if rt.ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rt.ping(pingCtx); err != nil {
			logger.Warn("gateway unreachable, unsaved content will be kept locally", zap.Error(err))
		}
		cancel()
	}

	if err := rt.ws.Start(ctx); err != nil {
		return err
	}

	unsub := rt.ws.Status.Subscribe(func(u opstatus.Update) {
		if u.Phase == opstatus.PhaseCompleted && !u.Success {
			logger.Warn("operation failed",
				zap.String("entity_id", u.EntityID), zap.String("label", u.Label), zap.Error(u.Err))
		}
	})
	defer unsub()

	if rt.feed != nil {
		rt.ws.Follow(ctx, rt.feed)
	}

	if rootOpts.ConfigPath != "" {
		w, err := config.NewWatcher(rootOpts.ConfigPath, cfg, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer w.Stop()
			w.OnChange(func(c *config.Config) {
				applyReload(rt.ws, rootOpts, c)
				logger.Info("configuration reloaded")
			})
		}
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("workspace running", zap.String("project_id", cfg.ProjectID))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return rt.ws.Shutdown(shutdownCtx)
}

// applyReload applies the hot-reloadable parts of c. A --log-level flag keeps
// its level for the life of the process.
func applyReload(ws *workspace.Workspace, rootOpts *RootOptions, c *config.Config) {
	ws.ApplyPolicies(c.Policies())
	if rootOpts.LogLevel == "" {
		logging.SetLevel(c.Log.Level)
	}
}
