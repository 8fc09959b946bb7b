// Command spaced is the capsule storage core's daemon and maintenance CLI:
// it opens a store, serves the administrative HTTP surface, and exposes
// one-shot maintenance operations (gc, stats, rotate-key) for scripting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/saworbit/space/internal/config"
	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/coordinator"
	"github.com/saworbit/space/internal/metrics"
	"github.com/saworbit/space/internal/registry"
	"github.com/saworbit/space/internal/segmentlog"
	"github.com/saworbit/space/internal/server"
	"github.com/saworbit/space/internal/stage/crypto"
	"github.com/saworbit/space/internal/telemetry"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spaced",
		Short: "Operate a SPACE capsule storage core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional config file (YAML/JSON)")
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newOpenCmd())
	root.AddCommand(newGCCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newRotateKeyCmd())
	return root
}

// store bundles the components a subcommand needs to operate on an open
// capsule store, and the function to release them in reverse order.
type store struct {
	cfg    *config.Config
	log    *segmentlog.Log
	reg    *registry.Registry
	ci     *contentindex.ContentIndex
	kr     *crypto.Keyring
	enc    *crypto.Encryptor
	hub    *telemetry.Hub
	met    *metrics.Collector
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

func openStore(logger *zap.Logger) (*store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	log, err := segmentlog.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening segment log: %w", err)
	}

	ci := contentindex.New(cfg.BloomCapacity, cfg.BloomFPR, logger)
	reg, err := registry.Open(filepath.Join(cfg.DataDir, "space.metadata"), ci, logger)
	if err != nil {
		_ = log.Close()
		return nil, nil, fmt.Errorf("opening registry: %w", err)
	}
	reg.ReconcileRefcounts()

	// SPACE_MASTER_KEY is optional: it enables encryption-capable policies,
	// but a store whose writes all request encryption:disabled (the
	// package default) needs neither a keyring nor an encryptor to open.
	var kr *crypto.Keyring
	var enc *crypto.Encryptor
	if len(cfg.MasterKey) > 0 {
		kr = crypto.NewKeyring(cfg.MasterKey, logger)
		var kyber *crypto.KyberKeyring
		if cfg.KyberKeyPath != "" {
			kyber, err = crypto.OpenKyberKeyring(cfg.KyberKeyPath, logger)
			if err != nil {
				_ = log.Close()
				return nil, nil, fmt.Errorf("opening kyber keyring: %w", err)
			}
		}
		enc = crypto.NewEncryptor(kr, kyber)
	}

	hub := telemetry.NewHub(logger)
	reg2 := prometheus.NewRegistry()
	met := metrics.New(reg2)
	// The Prometheus collector is wired as a telemetry subscriber, not
	// called directly: every metric it reports derives from the same
	// events any other hub subscriber would see.
	detachMetrics := met.Subscribe(hub)

	var opts []coordinator.Option
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, coordinator.WithMode(coordinator.Concurrent, cfg.MaxConcurrency))
	}
	opts = append(opts, coordinator.WithTelemetry(hub))
	coord := coordinator.New(log, reg, ci, enc, logger, opts...)

	s := &store{cfg: cfg, log: log, reg: reg, ci: ci, kr: kr, enc: enc, hub: hub, met: met, coord: coord, logger: logger}
	cleanup := func() {
		detachMetrics()
		hub.Close()
		if kr != nil {
			kr.Close()
		}
		if serr := reg.Snapshot(); serr != nil {
			logger.Error("spaced: failed final registry snapshot", zap.Error(serr))
		}
		if cerr := log.Close(); cerr != nil {
			logger.Error("spaced: failed closing segment log", zap.Error(cerr))
		}
	}
	return s, cleanup, nil
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open a store and serve the administrative HTTP surface until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			s, cleanup, err := openStore(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			httpSrv := server.New(s.cfg.ListenAddr, s.coord, logger)
			errCh := make(chan error, 1)
			go func() {
				logger.Info("spaced: serving administrative surface", zap.String("addr", s.cfg.ListenAddr))
				if serveErr := httpSrv.ListenAndServe(); serveErr != nil {
					errCh <- serveErr
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				logger.Info("spaced: received signal, shutting down", zap.String("signal", sig.String()))
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("admin server: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return server.Shutdown(ctx, httpSrv)
		},
	}
}

const shutdownGrace = 5 * time.Second

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim zero-refcount segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			s, cleanup, err := openStore(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			reclaimed, freed, err := s.coord.GC(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d segments, freed %d bytes\n", reclaimed, freed)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate store statistics, including content-index pre-filter load",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			s, cleanup, err := openStore(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			st := s.coord.Stats()
			loadFactor := float64(s.ci.Len()) / float64(s.cfg.BloomCapacity)
			fmt.Printf("segments_total=%d segments_unique=%d dedup_ratio=%.4f bytes_saved=%d\n",
				st.SegmentsTotal, st.SegmentsUnique, st.DedupRatio, st.BytesSaved)
			fmt.Printf("content_index_entries=%d bloom_capacity=%d bloom_load_factor=%.4f\n",
				s.ci.Len(), s.cfg.BloomCapacity, loadFactor)
			return nil
		},
	}
}

func newRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Advance the current encryption key version; old versions stay resolvable",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			s, cleanup, err := openStore(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if s.kr == nil {
				return fmt.Errorf("rotate-key: SPACE_MASTER_KEY is not configured")
			}
			newVersion := s.kr.Rotate()
			fmt.Printf("rotated to key version %d\n", newVersion)
			return nil
		},
	}
}
