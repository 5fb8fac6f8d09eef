package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oblq/reflowctl/internal/config"
	"github.com/oblq/reflowctl/internal/hook"
	"github.com/oblq/reflowctl/internal/oven"
	"github.com/oblq/reflowctl/internal/reflow"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/store"
	"github.com/oblq/reflowctl/internal/telemetry"
)

// errBusy is returned by operations refused while a run is active.
var errBusy = errors.New("a reflow run is in progress")

// controller is the part of the session the daemon drives.
type controller interface {
	reflow.Oven
	PIDGains(ctx context.Context) (report.PIDGains, error)
	UploadPIDGains(ctx context.Context, g report.PIDGains) error
	UploadProfile(ctx context.Context, p report.Profile) error
	Connected() bool
	Close() error
}

type daemon struct {
	app        *app
	configPath string
	log        *logrus.Logger

	mutex  sync.Mutex
	config *config.Config
	// profile and PID changed while a run was active, upload them after it
	pending bool

	oven        controller
	runner      *reflow.Runner
	hub         *telemetry.Hub
	broadcaster *telemetry.Broadcaster
	registry    *prometheus.Registry
	hooks       *hook.Runner
	store       *store.Store
	redis       *telemetry.RedisPublisher

	runMutex  sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}

	lastSample atomic.Pointer[telemetry.Sample]
	connected  atomic.Bool
}

func newDaemon(a *app, cfg *config.Config, log *logrus.Logger) (*daemon, error) {
	d := &daemon{
		app:        a,
		configPath: a.options.Config,
		log:        log,
		config:     cfg,
		pending:    true,
		oven:       a.session(cfg, log),
		hub:        telemetry.NewHub(log, cfg.Server.EventBuffer),
		registry:   prometheus.NewRegistry(),
	}

	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(d.registry)
	d.hub.OnDrop(metrics.Dropped)
	d.hub.Attach(metrics)

	d.broadcaster = telemetry.NewBroadcaster(log)
	d.hub.Attach(d.broadcaster)
	d.hub.Attach(latest{d})

	d.hooks = hook.New(cfg.Hooks, log)
	d.hub.Attach(d.hooks)

	if cfg.Store.Enabled {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			d.close()
			return nil, err
		}
		d.store = db
		d.hub.Attach(store.NewSink(db, cfg.Store.MinTempChange, log))
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		r, err := telemetry.NewRedisPublisher(ctx, telemetry.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, log)
		if err != nil {
			d.close()
			return nil, err
		}
		d.redis = r
		d.hub.Attach(r)
	}

	d.runner = reflow.NewRunner(d.oven, d.hub, cfg.Run, log)
	return d, nil
}

// Serve runs the HTTP server, the idle monitor and the configuration
// watcher until ctx is done.
func (d *daemon) Serve(ctx context.Context) error {
	defer d.close()

	server := &http.Server{
		Addr:              d.currentConfig().Server.Addr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		d.stopRun()
		d.broadcaster.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		d.monitor(ctx)
		return nil
	})

	g.Go(func() error {
		return config.Watch(ctx, d.configPath, d.log, d.reload)
	})

	err := g.Wait()
	d.log.Info("daemon stopped")
	return err
}

func (d *daemon) close() {
	d.hub.Close()
	if err := d.oven.Close(); err != nil {
		d.log.WithError(err).Debug("close controller")
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
}

func (d *daemon) currentConfig() *config.Config {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.config
}

// ---------------------------------------------------------------------------------------------------------------------

// monitor polls the controller between runs.
func (d *daemon) monitor(ctx context.Context) {
	interval := d.currentConfig().Server.IdleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := d.currentConfig().Server.IdleInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			d.poll(ctx)
		}
	}
}

func (d *daemon) poll(ctx context.Context) {
	if d.runner.Running() {
		return
	}

	in, err := d.oven.Status(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if d.connected.Swap(false) {
			d.log.WithError(err).Warn("controller disconnected")
		}
		d.hub.Publish(telemetry.Event{Type: telemetry.EventStatus, Time: time.Now(), Error: err.Error()})
		return
	}

	if !d.connected.Swap(true) {
		d.log.WithField("stage", in.Stage).Info("controller connected")
		d.applyPending(ctx)
	}

	s := telemetry.NewSample("", 0, time.Now(), in)
	d.hub.Publish(telemetry.Event{Type: telemetry.EventStatus, Time: s.Time, Sample: &s})
}

// latest keeps the last reading for the status endpoint.
type latest struct {
	d *daemon
}

func (l latest) Name() string { return "latest" }

func (l latest) Handle(e telemetry.Event) error {
	if (e.Type == telemetry.EventSample || e.Type == telemetry.EventStatus) && e.Sample != nil {
		s := *e.Sample
		l.d.lastSample.Store(&s)
	}
	return nil
}

// ---------------------------------------------------------------------------------------------------------------------

// startRun starts a reflow run in the background.
func (d *daemon) startRun(opts reflow.RunOptions) error {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()

	if d.cancelRun != nil {
		return errBusy
	}

	ctx, cancel := context.WithCancel(d.app.ctx)
	done := make(chan struct{})
	d.cancelRun = cancel
	d.runDone = done

	go func() {
		defer close(done)
		defer cancel()

		if _, err := d.runner.Run(ctx, opts); err != nil {
			d.log.WithError(err).Warn("run ended with an error")
		}

		d.runMutex.Lock()
		d.cancelRun = nil
		d.runDone = nil
		d.runMutex.Unlock()

		d.applyPending(d.app.ctx)
	}()
	return nil
}

// stopRun aborts the active run, if any, and waits for it to end.
func (d *daemon) stopRun() bool {
	d.runMutex.Lock()
	cancel, done := d.cancelRun, d.runDone
	d.runMutex.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (d *daemon) running() bool {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()
	return d.cancelRun != nil
}

// exclusive runs fn unless a run is active.
func (d *daemon) exclusive(fn func() error) error {
	d.runMutex.Lock()
	defer d.runMutex.Unlock()

	if d.cancelRun != nil {
		return errBusy
	}
	return fn()
}

// ---------------------------------------------------------------------------------------------------------------------

// reload applies a changed configuration file. Run, hook and log settings
// apply to the next run; a changed profile or PID is uploaded once idle.
func (d *daemon) reload(cfg *config.Config) {
	d.mutex.Lock()
	old := d.config
	d.config = cfg
	if old.Profile != cfg.Profile || !samePID(old.PID, cfg.PID) {
		d.pending = true
	}
	d.mutex.Unlock()

	d.runner.SetConfig(cfg.Run)
	d.hooks.SetConfig(cfg.Hooks)

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil && !d.app.options.Verbose {
		d.log.SetLevel(level)
	}

	if old.Device != cfg.Device || old.Server.Addr != cfg.Server.Addr || old.Store != cfg.Store || old.Redis != cfg.Redis {
		d.log.Warn("device, server, store and redis changes need a restart")
	}

	if !d.running() {
		d.applyPending(d.app.ctx)
	}
}

// applyPending uploads the profile and PID gains changed since the last upload.
func (d *daemon) applyPending(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	d.mutex.Lock()
	pending, cfg := d.pending, d.config
	d.mutex.Unlock()

	if !pending {
		return
	}

	err := d.exclusive(func() error {
		if err := d.oven.UploadProfile(ctx, cfg.Profile); err != nil {
			return err
		}
		if cfg.PID != nil {
			return d.oven.UploadPIDGains(ctx, *cfg.PID)
		}
		return nil
	})
	if err != nil {
		d.log.WithError(err).Warn("configuration not uploaded to the controller yet")
		return
	}

	d.mutex.Lock()
	if d.config == cfg {
		d.pending = false
	}
	d.mutex.Unlock()
	d.log.Info("profile and pid gains uploaded")
}

func samePID(a, b *report.PIDGains) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

var _ controller = (*oven.Session)(nil)
