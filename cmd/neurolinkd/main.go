package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/config"
	"github.com/g960059/neurolink/internal/daemon"
	"github.com/g960059/neurolink/internal/db"
	"github.com/g960059/neurolink/internal/doctor"
	"github.com/g960059/neurolink/internal/logging"
	"github.com/g960059/neurolink/internal/notify"
	"github.com/g960059/neurolink/internal/protocol"
	"github.com/g960059/neurolink/internal/security"
	"github.com/g960059/neurolink/internal/session"
	"github.com/g960059/neurolink/internal/timesync"
	"github.com/g960059/neurolink/internal/training"
	"github.com/g960059/neurolink/internal/training/csp"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "doctor" {
		os.Exit(runDoctor(context.Background(), args[1:], os.Stdout, os.Stderr))
	}
	cfg, err := loadConfig(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fatal(err)
	}
	log, err := logging.Init(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// loadConfig applies defaults, then the --config file, then flags given on
// the command line.
func loadConfig(args []string, errOut io.Writer) (config.Config, error) {
	cfg := config.DefaultConfig()
	fs := pflag.NewFlagSet("neurolinkd", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP listen address (empty disables TCP)")
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for neurolinkd (empty disables the socket)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	fs.StringVar(&cfg.ArtifactBackend, "artifact-backend", cfg.ArtifactBackend, "artifact backend: local or remote")
	fs.StringVar(&cfg.ArtifactRoot, "artifact-root", cfg.ArtifactRoot, "local artifact directory")
	fs.StringVar(&cfg.ArtifactURL, "artifact-url", cfg.ArtifactURL, "remote artifact base URL")
	fs.StringVar(&cfg.ArtifactCacheDir, "artifact-cache-dir", cfg.ArtifactCacheDir, "local cache for remote artifacts")
	fs.StringVar(&cfg.ReferenceKey, "reference-key", cfg.ReferenceKey, "artifact key of the reference dataset")
	fs.IntVar(&cfg.TrainingWorkers, "training-workers", cfg.TrainingWorkers, "concurrent training jobs")
	fs.DurationVar(&cfg.TrainingTimeout, "training-timeout", cfg.TrainingTimeout, "per-job training timeout")
	fs.Float64Var(&cfg.EpochSeconds, "epoch-seconds", cfg.EpochSeconds, "epoch length in seconds")
	fs.Float64Var(&cfg.EpochPreMargin, "epoch-pre-margin", cfg.EpochPreMargin, "seconds of each epoch before the cue onset")
	fs.Float64Var(&cfg.OverlapRatio, "overlap-ratio", cfg.OverlapRatio, "classification window overlap in [0, 1)")
	fs.StringVar(&cfg.ProtocolsDir, "protocols-dir", cfg.ProtocolsDir, "directory of named calibration protocols")
	fs.StringVar(&cfg.NTPServer, "ntp-server", cfg.NTPServer, "NTP server for the nominal clock (empty uses local time)")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker URL for label publishing (empty disables)")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", cfg.MQTTTopicPrefix, "MQTT topic prefix")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if *configPath != "" {
		overrides := map[string]string{}
		fs.Visit(func(f *pflag.Flag) {
			overrides[f.Name] = f.Value.String()
		})
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
		for name, value := range overrides {
			if err := fs.Set(name, value); err != nil {
				return cfg, fmt.Errorf("reapply --%s: %w", name, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}
	clock := timesync.New(cfg.NTPServer, timesync.Options{Logger: log.With("component", "timesync")})
	if cfg.NTPServer != "" {
		if err := clock.Sync(); err != nil {
			log.Warn("initial clock sync failed; using local time", "server", cfg.NTPServer, "err", err)
		}
		go clock.Run(ctx, cfg.NTPSyncInterval)
	}
	if n, err := store.MarkOrphanedSessionsEnded(ctx, clock.Now().UTC()); err != nil {
		return fmt.Errorf("close orphaned sessions: %w", err)
	} else if n > 0 {
		log.Info("closed sessions left open by a previous run", "count", n)
	}

	artifacts, err := artifact.Open(cfg)
	if err != nil {
		return err
	}
	catalog, err := protocol.LoadDir(cfg.ProtocolsDir)
	if err != nil {
		return err
	}
	if _, err := training.LoadReference(ctx, artifacts, cfg.ReferenceKey); err != nil {
		log.Warn("reference dataset unavailable; training will fail until it is stored", "key", cfg.ReferenceKey, "err", err)
	}

	orch := training.New(csp.NewFitter(), artifacts, training.Options{
		Workers:      cfg.TrainingWorkers,
		Timeout:      cfg.TrainingTimeout,
		ReferenceKey: cfg.ReferenceKey,
		Ledger:       store,
		Logger:       log,
		Now:          clock.Now,
	})

	opts := session.Options{
		Settings: session.Settings{
			EpochSeconds: cfg.EpochSeconds,
			PreMargin:    cfg.EpochPreMargin,
			OverlapRatio: cfg.OverlapRatio,
		},
		Ledger: store,
		Logger: log,
		Now:    clock.Now,
	}
	var publisher *notify.Publisher
	if cfg.MQTTBroker != "" {
		publisher, err = notify.Connect(notify.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
			Logger:      log.With("component", "notify"),
		})
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer publisher.Close()
		opts.Publisher = publisher
	}

	mgr := session.NewManager(orch, artifacts, opts)
	orch.OnResult(mgr.HandleTrainingResult)
	defer orch.Wait()

	startRetentionLoop(ctx, store, cfg, clock.Now, log)

	log.Info("neurolinkd starting",
		"listen", cfg.ListenAddr,
		"socket", cfg.SocketPath,
		"artifact_backend", cfg.ArtifactBackend,
		"artifact_url", security.RedactURL(cfg.ArtifactURL),
		"mqtt_broker", security.RedactURL(cfg.MQTTBroker),
		"ntp_server", cfg.NTPServer,
		"protocols", catalog.Names(),
	)
	srv := daemon.NewServer(cfg, daemon.Deps{
		Sessions: mgr,
		Training: orch,
		Catalog:  catalog,
		Logger:   log,
	})
	err = srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	return err
}

// runDoctor checks the configuration the daemon would start with and
// prints one line per check.
func runDoctor(ctx context.Context, args []string, out, errOut io.Writer) int {
	jsonOut := false
	rest := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--json" {
			jsonOut = true
			continue
		}
		rest = append(rest, a)
	}
	cfg, err := loadConfig(rest, errOut)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "neurolinkd doctor: %v\n", err)
		return 2
	}
	result := doctor.Run(ctx, cfg)
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		for _, c := range result.Checks {
			_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", c.Status, c.Name, c.Message)
		}
	}
	if !result.OK {
		return 1
	}
	return 0
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config, now func() time.Time, log *slog.Logger) {
	if cfg.SessionRetention <= 0 {
		return
	}
	run := func() {
		cutoff := now().UTC().Add(-cfg.SessionRetention)
		n, err := store.PurgeEndedSessions(ctx, cutoff)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn("retention purge failed", "err", err)
			}
			return
		}
		if n > 0 {
			log.Info("purged ended sessions", "count", n, "cutoff", cutoff)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(loopInterval(cfg.RetentionInterval, time.Hour))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "neurolinkd: %v\n", err)
	os.Exit(1)
}
