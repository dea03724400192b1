package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/eventloop"
	"github.com/comalice/framescript/internal/config"
	"github.com/comalice/framescript/internal/httpapi"
	"github.com/comalice/framescript/internal/menu"
	"github.com/comalice/framescript/internal/notify"
	"github.com/comalice/framescript/internal/report"
	"github.com/comalice/framescript/internal/supervisor"
	"github.com/comalice/framescript/packet"
	"github.com/comalice/framescript/peer"
	"github.com/comalice/framescript/scriptlua"
)

type script struct {
	name   string
	source string
}

func loadScripts(paths []string) ([]script, error) {
	scripts := make([]script, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		scripts = append(scripts, script{name: filepath.Base(p), source: string(data)})
	}
	return scripts, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *framescript.Registry
	hub      *peer.Hub
	menu     *menu.Registry
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: framescript.NewRegistry(),
		hub:      peer.NewHub(peer.WithLogger(logger)),
		menu:     menu.NewRegistry(),
	}
}

// instance is one script with its private evaluator, event loop and senders.
type instance struct {
	rt        *framescript.Runtime
	evaluator *scriptlua.Evaluator
	senders   []*packet.Sender
}

func (a *app) build(s script, withMenu bool) (*instance, error) {
	logger := a.logger.With("script", s.name)
	loop := eventloop.New(eventloop.WithLogger(logger))
	ev := scriptlua.New(s.name, scriptlua.WithEventLoop(loop), scriptlua.WithLogger(logger))

	inst := &instance{evaluator: ev}
	psenders := make([]framescript.PacketSender, 0, len(a.cfg.Senders))
	for _, sc := range a.cfg.Senders {
		typ, err := packet.ParseType(sc.Type)
		if err != nil {
			ev.Close()
			return nil, err
		}
		sender := packet.NewSender(packet.Config{
			Name:     sc.Name,
			Type:     typ,
			Class:    framescript.PeerClass(sc.Class),
			Threaded: sc.Threaded,
			Interval: sc.Interval,
		}, a.hub, logger)
		inst.senders = append(inst.senders, sender)
		psenders = append(psenders, sender)
	}

	opts := []framescript.Option{
		framescript.WithEvaluator(ev),
		framescript.WithSenders(psenders...),
		framescript.WithEventPump(loop),
		framescript.WithFrameInterval(a.cfg.FrameInterval),
		framescript.WithBroadcaster(a.hub, framescript.PeerClass(a.cfg.Broadcast.Class)),
		framescript.WithLogger(a.logger),
	}
	if withMenu {
		opts = append(opts, framescript.WithMenu(a.menu))
	}
	rt := a.registry.NewRuntime(s.source, s.name, opts...)

	if a.cfg.Broadcast.Subject != "" {
		if err := rt.SetStateSubject(a.cfg.Broadcast.Subject, ev.NewTableSubject(nil)); err != nil {
			ev.Close()
			return nil, err
		}
	}
	rt.SetBroadcastEnabled(a.cfg.Broadcast.Enabled)

	inst.rt = rt
	return inst, nil
}

// evaluate runs each script once and prints its result.
func (a *app) evaluate(scripts []script) error {
	var errs []error
	for _, s := range scripts {
		inst, err := a.build(s, false)
		if err != nil {
			return err
		}
		result, fault, err := inst.rt.Evaluate()
		inst.evaluator.Close()
		if err != nil {
			return err
		}
		if fault != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %s", s.name, fault.Line, fault.Message))
			continue
		}
		fmt.Printf("%s: %s\n", s.name, result)
	}
	return errors.Join(errs...)
}

// run serves peers and runs every script until all finished or ctx is done.
func (a *app) run(ctx context.Context, scripts []script) error {
	defer a.hub.Close()

	var opts []supervisor.Option
	opts = append(opts, supervisor.WithLogger(a.logger))
	if a.cfg.Report.Dir != "" {
		p, err := report.NewPersister(a.cfg.Report.Format, a.cfg.Report.Dir)
		if err != nil {
			return err
		}
		opts = append(opts, supervisor.WithPersister(p))
	}
	events := make(chan notify.Event, 64)
	opts = append(opts, supervisor.WithEvents(events))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	sup := supervisor.New(gctx, opts...)

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           httpapi.NewHandler(a.hub, a.menu, sup, a.logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	for _, s := range scripts {
		inst, err := a.build(s, true)
		if err != nil {
			sup.StopAll()
			return err
		}
		workers, stopWorkers := context.WithCancel(gctx)
		for _, sender := range inst.senders {
			sender := sender
			if sender.IsThreaded() {
				g.Go(func() error {
					sender.Run(workers)
					return nil
				})
			}
		}
		if err := sup.Start(inst.rt, func() {
			stopWorkers()
			inst.evaluator.Close()
		}); err != nil {
			stopWorkers()
			inst.evaluator.Close()
			sup.StopAll()
			return err
		}
	}

	g.Go(func() error {
		for {
			select {
			case e := <-events:
				if e.Kind != notify.KindVisualData {
					a.logger.Debug("script event", "kind", e.Kind, "script", e.Name, "seq", e.Sequence)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Runtimes stop on cancellation; the server stops when they are done.
	g.Go(func() error {
		err := sup.Wait()
		cancelRun()
		a.logger.Info("all scripts finished", "runs", len(sup.Reports()))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	return g.Wait()
}
