package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/events"
	"github.com/tapeworks/shelf/pkg/library"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/lrs"
	"github.com/tapeworks/shelf/pkg/metrics"
	"github.com/tapeworks/shelf/pkg/types"
)

// shutdownDeadline bounds the whole stop sequence; beyond it the
// daemon exits unclean and relies on the next start's reconciliation.
const shutdownDeadline = 10 * time.Second

// Daemon is the shell around the per-family schedulers: lockfile,
// pidfile, listener, signal-driven shutdown.
type Daemon struct {
	cfg      *config.Config
	version  string
	pidfile  string
	hostname string
	logger   zerolog.Logger

	lock       *Lockfile
	dssc       *dss.Client
	broker     *events.Broker
	schedulers map[types.Family]*lrs.Scheduler
	router     *Router
	listener   net.Listener
	metricsSrv *http.Server
	pumpStop   chan struct{}
}

// New builds a daemon from its configuration. pidfile may be empty
// for interactive runs.
func New(cfg *config.Config, version, pidfile string) (*Daemon, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname: %w", err)
	}
	return &Daemon{
		cfg:        cfg,
		version:    version,
		pidfile:    pidfile,
		hostname:   shortHostname(hostname),
		logger:     log.WithComponent("daemon"),
		schedulers: make(map[types.Family]*lrs.Scheduler),
		pumpStop:   make(chan struct{}),
	}, nil
}

func shortHostname(h string) string {
	for i := 0; i < len(h); i++ {
		if h[i] == '.' {
			return h[:i]
		}
	}
	return h
}

// Run starts everything and blocks until ctx is cancelled, then runs
// the shutdown sequence. The returned error keeps its errno so the
// CLI can map it to an exit code.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLockfile(d.cfg.LRS.LockFile)
	if err != nil {
		return err
	}
	d.lock = lock

	if d.pidfile != "" {
		if err := WritePidfile(d.pidfile, os.Getpid()); err != nil {
			d.lock.Release()
			return fmt.Errorf("failed to write pidfile: %w", err)
		}
	}

	if err := d.start(ctx); err != nil {
		d.cleanupFiles()
		return err
	}

	d.logger.Info().Str("version", d.version).Msg("Daemon ready")
	<-ctx.Done()
	return d.shutdown()
}

// start brings up the DSS, schedulers, router and listener. Client
// traffic is accepted only after every scheduler finished its lock
// reconciliation.
func (d *Daemon) start(ctx context.Context) error {
	dssc, err := dss.Open(d.cfg.DSS, d.hostname)
	if err != nil {
		return err
	}
	d.dssc = dssc

	metrics.Register()
	if addr := d.cfg.Metrics.Addr; addr != "" {
		d.metricsSrv = &http.Server{Addr: addr, Handler: metrics.Handler()}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Warn().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	d.broker = events.NewBroker()
	d.broker.Start()
	go d.logEvents(d.broker.Subscribe())

	pid := os.Getpid()
	g, gctx := errgroup.WithContext(ctx)
	for _, fam := range d.cfg.LRS.Families {
		family := types.Family(fam)
		lib, err := library.New(library.ForFamily(family), d.cfg)
		if err != nil {
			return err
		}
		sched, err := lrs.NewScheduler(d.cfg, d.dssc, lib, d.broker, family, pid, d.version)
		if err != nil {
			return err
		}
		d.schedulers[family] = sched
		g.Go(func() error { return sched.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	network, addr := d.cfg.Listen.Network()
	if network == "unix" {
		// a crashed daemon may have left the socket behind; the
		// lockfile already proved we are alone
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	d.listener = ln

	d.router = NewRouter(d.schedulers)
	for _, sched := range d.schedulers {
		go d.router.PumpResponses(sched, d.pumpStop)
	}
	go d.router.Serve(ln)

	d.logger.Info().Str("addr", addr).Str("network", network).Msg("Listening for clients")
	return nil
}

// shutdown runs the stop protocol: close the listener, drain the
// schedulers, release locks, remove pidfile and lockfile.
func (d *Daemon) shutdown() error {
	d.logger.Info().Msg("Shutting down")
	deadline := time.Now().Add(shutdownDeadline)

	if d.listener != nil {
		_ = d.listener.Close()
	}

	var firstErr error
	done := make(chan error, 1)
	go func() {
		var err error
		for _, sched := range d.schedulers {
			if serr := sched.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
		done <- err
	}()
	select {
	case err := <-done:
		firstErr = err
	case <-time.After(time.Until(deadline)):
		firstErr = fmt.Errorf("shutdown exceeded %s", shutdownDeadline)
	}

	close(d.pumpStop)
	if d.router != nil {
		d.router.CloseAll()
	}
	if d.broker != nil {
		d.broker.Stop()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = d.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if d.dssc != nil {
		if err := d.dssc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.cleanupFiles()
	if firstErr != nil {
		d.logger.Error().Err(firstErr).Msg("Unclean shutdown")
		return firstErr
	}
	d.logger.Info().Msg("Shutdown complete")
	return nil
}

// logEvents mirrors scheduler events into the structured log
func (d *Daemon) logEvents(sub events.Subscriber) {
	for ev := range sub {
		d.logger.Info().
			Str("event", string(ev.Type)).
			Str("family", ev.Family).
			Str("target", ev.Target).
			Msg("Scheduler event")
	}
}

func (d *Daemon) cleanupFiles() {
	if d.pidfile != "" {
		if err := RemovePidfile(d.pidfile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to remove pidfile")
		}
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release lock file")
		}
	}
}
