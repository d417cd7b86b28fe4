// Warden daemon
//
// Orchestrates privileged access sessions, enforces command policies and
// serves the management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Extra-Chill/plasma-warden/internal/api"
	"github.com/Extra-Chill/plasma-warden/internal/audit"
	"github.com/Extra-Chill/plasma-warden/internal/config"
	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/ledger"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/participant"
	"github.com/Extra-Chill/plasma-warden/internal/policy"
	"github.com/Extra-Chill/plasma-warden/internal/recording"
	"github.com/Extra-Chill/plasma-warden/internal/risk"
	"github.com/Extra-Chill/plasma-warden/internal/session"
	"github.com/Extra-Chill/plasma-warden/internal/store"
	"github.com/Extra-Chill/plasma-warden/internal/store/memory"
	"github.com/Extra-Chill/plasma-warden/internal/store/mongostore"
	"github.com/Extra-Chill/plasma-warden/internal/tenant"
	"github.com/Extra-Chill/plasma-warden/internal/transport"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		addr        string
		token       string
		driver      string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("warden", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flagSet.StringVar(&addr, "addr", "", "API listen address (overrides api.addr)")
	flagSet.StringVar(&token, "token", "", "admin bearer token (overrides api.token)")
	flagSet.StringVar(&driver, "store", "", "store driver: memory or mongo (overrides store.driver)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("warden v%s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.API.Addr = addr
	}
	if token != "" {
		cfg.API.Token = token
	}
	if driver != "" {
		cfg.Store.Driver = driver
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Error("close store", zap.Error(err))
		}
	}()

	modes := mode.NewManager()
	global, _ := mode.Parse(cfg.Mode)
	modes.SetGlobalMode(global)

	tenants := tenant.NewManager()
	if err := tenant.Apply(ctx, &cfg.Tenants, st, modes, tenants, time.Now().UTC()); err != nil {
		return fmt.Errorf("seed tenants: %w", err)
	}
	if cfg.Policy.File != "" {
		if err := seedPolicies(ctx, st, cfg.Policy.File); err != nil {
			return err
		}
	}

	bus := events.NewBus(
		events.WithMaxAttempts(cfg.Events.MaxAttempts),
		events.WithBackoff(cfg.Events.Backoff),
		events.WithLogger(log.Named("events")),
	)

	logs := audit.NewLogStore(cfg.Audit.Limit)
	var journal *audit.Journal
	if cfg.Audit.JournalPath != "" {
		journal, err = audit.OpenJournal(cfg.Audit.JournalPath)
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()
	}
	bus.Subscribe("audit", events.NewDedup(audit.New(logs, journal, log.Named("audit"), cfg.Audit), cfg.Events.DedupWindow))

	var recs *recording.Service
	if cfg.Recording.Dir != "" {
		if err := os.MkdirAll(cfg.Recording.Dir, 0o750); err != nil {
			return fmt.Errorf("create recording dir: %w", err)
		}
		recs = recording.NewService(st,
			&recording.ManifestFinalizer{Dir: cfg.Recording.Dir, BaseURL: cfg.Recording.BaseURL, Source: st},
			recording.WithTimeout(cfg.Recording.FinalizeTimeout),
			recording.WithLogger(log.Named("recording")),
		)
		bus.Subscribe("recording", events.NewDedup(recs, cfg.Events.DedupWindow))
	}

	hs, err := buildTransport(cfg.SSH, log)
	if err != nil {
		return err
	}

	matcher := policy.NewMatcher(st, policy.WithLogger(log.Named("policy")))
	ctrl := session.NewController(session.Deps{
		Store:     st,
		Registry:  participant.NewRegistry(participant.WithLogger(log.Named("participant"))),
		Matcher:   matcher,
		Modes:     modes,
		Ledger:    ledger.New(st, risk.NewHeuristic(), ledger.WithLogger(log.Named("ledger"))),
		Transport: hs,
		Events:    bus,
	},
		session.WithHandshakeTimeout(cfg.Session.HandshakeTimeout),
		session.WithLogger(log.Named("session")),
	)

	handlers := api.NewHandlers(api.Deps{
		Controller: ctrl,
		Store:      st,
		Matcher:    matcher,
		Modes:      modes,
		Recordings: recs,
		Audit:      logs,
		Version:    version,
		Log:        log.Named("api"),
	})
	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.API.Addr,
		Auth:         api.AuthConfig{AdminToken: cfg.API.Token, Tenants: tenants},
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}, handlers)

	log.Info("warden starting",
		zap.String("version", version),
		zap.String("addr", cfg.API.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.String("mode", cfg.Mode),
		zap.Int("organizations", len(cfg.Tenants.Organizations)),
		zap.Int("tenant_tokens", tenants.TokenCount()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Session.IdleTimeout > 0 {
		g.Go(func() error {
			reapIdle(gctx, ctrl, cfg.Session, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		octx, cancel := context.WithTimeout(ctx, cfg.MongoTimeout)
		defer cancel()
		st, err := mongostore.Open(octx, cfg.MongoURI, cfg.MongoDatabase, log.Named("mongo"))
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	default:
		return memory.New(cfg.SnapshotPath, log.Named("store")), nil
	}
}

// seedPolicies upserts the policies of a YAML policy file.
func seedPolicies(ctx context.Context, st store.Store, path string) error {
	f, err := policy.LoadFromFile(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range f.Policies {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if err := st.PutPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// buildTransport routes ssh connections to the handshake check. RDP and VNC
// have no client here and are accepted as-is.
func buildTransport(cfg config.SSHConfig, log *zap.Logger) (transport.Handshaker, error) {
	mux := transport.NewMux()
	mux.Handle(model.ProtocolRDP, transport.Nop{})
	mux.Handle(model.ProtocolVNC, transport.Nop{})

	if cfg.KnownHostsPath == "" && !cfg.InsecureIgnoreHostKey {
		log.Warn("ssh handshake check disabled: no known_hosts_path configured")
		mux.Handle(model.ProtocolSSH, transport.Nop{})
		return mux, nil
	}
	ca, err := transport.NewCertificateAuthority(cfg.CAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load ssh ca: %w", err)
	}
	hs, err := transport.NewSSHHandshaker(ca, transport.SSHHandshakerConfig{
		KnownHostsPath:        cfg.KnownHostsPath,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
		CertTTL:               cfg.CertTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh handshaker: %w", err)
	}
	if cfg.InsecureIgnoreHostKey {
		log.Warn("ssh host key verification disabled")
	}
	mux.Handle(model.ProtocolSSH, hs)
	return mux, nil
}

func reapIdle(ctx context.Context, ctrl *session.Controller, cfg config.SessionConfig, log *zap.Logger) {
	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ctrl.ReapIdle(ctx, cfg.IdleTimeout)
			if err != nil {
				log.Error("reap idle sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}
