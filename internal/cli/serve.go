package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/restora/config"
	"github.com/bnema/restora/internal/adapter/hardware"
	httpapi "github.com/bnema/restora/internal/adapter/http"
	"github.com/bnema/restora/internal/adapter/inbox"
	"github.com/bnema/restora/internal/adapter/processor/ffmpeg"
	"github.com/bnema/restora/internal/adapter/storage/jsonfile"
	"github.com/bnema/restora/internal/adapter/storage/sqlite"
	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
	"github.com/bnema/restora/internal/service"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the job queue, HTTP API and inbox watcher",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	defer logger.Sync()
	logger.Info.Printf("starting restora %s, data dir %s", a.version, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return errors.Wrap(err, "create data directory")
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	detector := service.NewDetector(hardware.New(hardware.Options{SDKPaths: cfg.Probe.SDKPaths}), cfg.Probe.Timeout)
	snapshot := detector.Detect(ctx)
	logger.Info.Printf("detected %s (%s, tier %s, %.1f GB)", snapshot.Name, snapshot.Vendor, snapshot.Tier, snapshot.VRAMGB)

	events := service.NewEventBus()
	processor := ffmpeg.New(ffmpeg.Options{
		Media:     ffmpeg.NewMediaProber(cfg.Engine.FFprobePath),
		WaitDelay: cfg.Engine.WaitDelay,
	})
	queue := service.NewCoordinator(store, processor, service.CoordinatorOptions{
		CancelGrace: cfg.Queue.CancelGrace,
		Events:      events,
		Defaults: domain.EngineDefaults{
			FFmpegPath:  cfg.Engine.FFmpegPath,
			FFprobePath: cfg.Engine.FFprobePath,
			ModelsDir:   cfg.Engine.ModelsDir,
			WorkDir:     cfg.Engine.WorkDir,
			Threads:     cfg.Engine.Threads,
			Vendor:      snapshot.Vendor,
			Tier:        snapshot.Tier,
		},
	})
	if err := queue.Restore(); err != nil {
		logger.Error.Printf("could not restore job queue, starting empty: %v", err)
	}
	jobs := service.NewJobService(detector, cfg.Policy, queue)

	if cfg.Server.APIToken == "" && !loopback(cfg.Server.Addr) {
		logger.Warn.Printf("server.api_token is empty and %s is not a loopback address; the API is unauthenticated", cfg.Server.Addr)
	}
	gin.SetMode(gin.ReleaseMode)
	server := httpapi.NewServer(jobs, events, httpapi.Options{
		Version:     a.version,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
		ReadTimeout: cfg.Server.ReadTimeout,
		APIToken:    cfg.Server.APIToken,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Server.Addr) })
	g.Go(func() error {
		prune(ctx, queue, cfg.Queue)
		return nil
	})
	if cfg.Inbox.Enabled {
		w, err := inbox.New(jobs, inbox.Options{Dir: cfg.Inbox.Dir, Settle: cfg.Inbox.Settle})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	err = g.Wait()
	logger.Info.Printf("shutdown complete")
	return err
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func openStore(cfg config.StoreConfig) (port.JobStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlite.NewStore(cfg.Path)
	default:
		return jsonfile.NewStore(cfg.Path)
	}
}

func prune(ctx context.Context, queue *service.Coordinator, cfg config.QueueConfig) {
	if cfg.Retention <= 0 || cfg.PruneInterval <= 0 {
		return
	}
	queue.Prune(cfg.Retention)

	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue.Prune(cfg.Retention)
		}
	}
}
