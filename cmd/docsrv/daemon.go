package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DocSRV/docsrv/internal/history"
	"github.com/DocSRV/docsrv/internal/log"
	"github.com/DocSRV/docsrv/internal/metrics"
	"github.com/DocSRV/docsrv/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the scheduler daemon and watches the inbox",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("docsrv",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(config.Service.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	db, err := history.InitDB(ctx, config.Service.HistoryPath())
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	sched := service.SchedulerFromConfig(config)
	sched.Subscribe(logEvent)
	sched.Subscribe(history.NewRecorder(db).Observe)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Do(ctx)
	})
	if config.Service.Metrics != "" {
		m := metrics.New()
		sched.Subscribe(m.Observe)
		g.Go(func() error {
			return m.Serve(ctx, config.Service.Metrics)
		})
	}

	if err := sched.LoadQueue(ctx); err != nil {
		// the queue file is left untouched, nothing may persist over it
		stop()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		return service.NewInbox(config.Service.InboxPath(), sched).Do(ctx)
	})
	g.Go(func() error {
		controlSignals(ctx, sched)
		return nil
	})

	slog.InfoContext(ctx, "docsrv started", "inbox", config.Service.InboxPath(), "queue", config.Service.QueuePath())
	return g.Wait()
}

// controlSignals maps the resume and stop signals to scheduler calls.
func controlSignals(ctx context.Context, sched *service.Scheduler) {
	if len(resumeStop) == 0 {
		<-ctx.Done()
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, resumeStop...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			var err error
			switch sig {
			case resumeStop[0]:
				err = sched.RunScheduled(ctx)
			case resumeStop[1]:
				err = sched.Stop(ctx)
			}
			if err != nil {
				slog.ErrorContext(ctx, "handling signal", "signal", sig.String(), "error", err)
			}
		}
	}
}

func logEvent(ev service.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case service.EventStarted:
		slog.InfoContext(ctx, "job started", "job_id", ev.Job.ID, "run_id", ev.RunID, "try", ev.Job.Try(ev.Job.RetriesLeft))
	case service.EventAlert:
		slog.InfoContext(ctx, "job alert", "job_id", ev.Job.ID, "run_id", ev.RunID, "message", ev.Message, "killed", ev.Killed)
	case service.EventFinished:
		slog.InfoContext(ctx, "job finished", "job_id", ev.Job.ID, "run_id", ev.RunID, "exit_code", ev.ExitCode, "duration", ev.Duration, "queue", ev.Queued)
	case service.EventAllDone:
		slog.InfoContext(ctx, "queue drained")
	}
}
