package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/api"
	"github.com/tutu-network/creditgate/internal/app/admission"
	"github.com/tutu-network/creditgate/internal/app/executor"
	"github.com/tutu-network/creditgate/internal/app/ledger"
	"github.com/tutu-network/creditgate/internal/app/queue"
	"github.com/tutu-network/creditgate/internal/app/settlement"
	"github.com/tutu-network/creditgate/internal/app/surge"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/memqueue"
	"github.com/tutu-network/creditgate/internal/infra/observability"
	"github.com/tutu-network/creditgate/internal/infra/redisqueue"
	"github.com/tutu-network/creditgate/internal/infra/sqlite"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon owns every long-lived service of a creditgate process.
type Daemon struct {
	cfgPath string

	mu  sync.Mutex
	cfg Config

	DB         *sqlite.DB
	Ledger     *ledger.Ledger
	Pricing    *surge.Calculator
	Queue      *queue.Manager
	Admission  *admission.Resolver
	Settlement *settlement.Handler
	Executor   *executor.Executor // nil unless the worker is enabled
	Tracer     *observability.Tracer

	server    *http.Server
	closeOnce sync.Once
	closeErr  error
}

// New builds every service from cfg. cfgPath is re-read on Reload.
func New(cfg Config, cfgPath string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := sqlite.Open(cfg.Ledger.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	baseline, _ := cfg.DefaultBalance()
	l := ledger.New(ledger.Config{DefaultBalance: baseline}, db)

	calc, err := surge.NewCalculator(cfg.SurgeConfig())
	if err != nil {
		db.Close()
		return nil, err
	}

	engine, err := newEngine(cfg.Queue)
	if err != nil {
		db.Close()
		return nil, err
	}
	q := queue.NewManager(queue.Config{
		Name:            cfg.Queue.Name,
		RetryLimit:      cfg.Queue.RetryLimit,
		ExpireInHours:   cfg.Queue.ExpireInHours,
		ConnectAttempts: cfg.Queue.ConnectAttempts,
		ConnectDelay:    mustDuration(cfg.Queue.ConnectDelay),
	}, engine)

	tracer := observability.NewTracer(observability.TracerConfig{
		Enabled:  true,
		MaxSpans: cfg.API.MaxSpans,
	})

	d := &Daemon{
		cfgPath:    cfgPath,
		cfg:        cfg,
		DB:         db,
		Ledger:     l,
		Pricing:    calc,
		Queue:      q,
		Admission:  admission.New(admission.Config{IdempotencyTTL: mustDuration(cfg.Admission.IdempotencyTTL)}, l, calc, q, tracer),
		Settlement: settlement.New(l, calc, tracer),
		Tracer:     tracer,
	}

	if cfg.Worker.Enabled {
		proc := executor.NewHTTPProcessor(executor.HTTPConfig{
			URL:        cfg.Worker.URL,
			AuthHeader: cfg.Worker.AuthHeader,
			Timeout:    mustDuration(cfg.Worker.Timeout),
			RetryMax:   cfg.Worker.RetryMax,
		})
		d.Executor = executor.New(executor.Config{
			MaxConcurrent:  cfg.Worker.MaxConcurrent,
			DefaultTimeout: mustDuration(cfg.Worker.Timeout),
			PollInterval:   mustDuration(cfg.Worker.PollInterval),
		}, q, proc, d.Settlement)
	}

	observability.SetSurge(calc.IsSurgePeriod(time.Now()), calc.SurgeMultiplier(time.Now()))
	return d, nil
}

// newEngine builds the configured queue engine.
func newEngine(cfg QueueConfig) (domain.QueueEngine, error) {
	switch cfg.Engine {
	case EngineRedis:
		return redisqueue.New(redisqueue.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}), nil
	case EngineMemory, "":
		engine, err := memqueue.New()
		if err != nil {
			return nil, fmt.Errorf("memory queue: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown queue engine %q", cfg.Engine)
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Handler returns the HTTP API handler.
func (d *Daemon) Handler() http.Handler {
	cfg := d.Config()
	srv := api.NewServer(api.Services{
		Admission:  d.Admission,
		Queue:      d.Queue,
		Ledger:     d.Ledger,
		Pricing:    d.Pricing,
		Settlement: d.Settlement,
		Executor:   d.Executor,
		Tracer:     d.Tracer,
	}, Version)
	srv.SetAdminToken(cfg.API.AdminToken)
	srv.SetRequestTimeout(mustDuration(cfg.API.RequestTimeout))
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	return srv.Handler()
}

// Run serves the API on ln (or the configured address when ln is nil)
// until ctx is cancelled, then shuts everything down. SIGHUP reloads the
// runtime-adjustable settings.
func (d *Daemon) Run(ctx context.Context, ln net.Listener) error {
	if err := d.Queue.Initialize(ctx); err != nil {
		return err
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", d.Config().Addr())
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.Executor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Executor.Run(runCtx)
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := d.Reload(); err != nil {
					log.WithError(err).Error("Config reload failed; keeping current settings")
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":    ln.Addr().String(),
			"engine":  d.Config().Queue.Engine,
			"worker":  d.Executor != nil,
			"version": Version,
		}).Info("creditgate listening")
		serveErr <- d.server.Serve(ln)
	}()

	var result *multierror.Error
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, fmt.Errorf("serve: %w", err))
		}
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := d.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Reload re-reads the config file and applies the surge window and the
// ledger baseline. Other settings need a restart.
func (d *Daemon) Reload() error {
	cfg, err := LoadConfig(d.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	baseline, _ := cfg.DefaultBalance()
	if err := d.Pricing.Replace(cfg.SurgeConfig()); err != nil {
		return err
	}
	if err := d.Ledger.SetDefaultBalance(baseline); err != nil {
		return err
	}
	if err := SetupLogging(cfg.Log); err != nil {
		return err
	}

	d.mu.Lock()
	d.cfg.Surge = cfg.Surge
	d.cfg.Ledger.DefaultBalance = cfg.Ledger.DefaultBalance
	d.cfg.Log = cfg.Log
	d.mu.Unlock()

	now := time.Now()
	observability.SetSurge(d.Pricing.IsSurgePeriod(now), d.Pricing.SurgeMultiplier(now))
	log.WithFields(log.Fields{
		"path":            d.cfgPath,
		"default_balance": baseline.String(),
	}).Info("Config reloaded")
	return nil
}

// Close shuts down the server, the queue and the ledger exactly once,
// aggregating every failure.
func (d *Daemon) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var result *multierror.Error
		if d.server != nil {
			if err := d.server.Shutdown(ctx); err != nil {
				result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := d.Queue.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("queue stop: %w", err))
		}
		if err := d.DB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("ledger close: %w", err))
		}
		d.closeErr = result.ErrorOrNil()
		log.Info("creditgate stopped")
	})
	return d.closeErr
}
