package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/DocSRV/docsrv/internal/service"
)

const writeTimeout = 5 * time.Second

// Recorder stores scheduler events into the runs table. Use Observe as a
// service.Observer.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Observe(ev service.Event) {
	if ev.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case ev.Kind == service.EventStarted:
		err = Start(ctx, r.db, Run{
			UUID:  ev.RunID,
			JobID: ev.Job.ID,
			Try:   ev.Job.Try(ev.Job.RetriesLeft),
		})
	case ev.Kind == service.EventFinished && ev.ExitCode == 0:
		err = FinishOK(ctx, r.db, ev.RunID, ev.Job.FinalDir())
	case ev.Kind == service.EventFinished:
		reason := fmt.Sprintf("exit code %d", ev.ExitCode)
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		err = FinishErr(ctx, r.db, ev.RunID, ev.ExitCode, reason, outDir(ev))
	case ev.Kind == service.EventAlert && ev.Killed:
		err = FinishErr(ctx, r.db, ev.RunID, -1, "killed", "")
	default:
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "recording run history", "run_id", ev.RunID, "event", ev.Kind, "error", err)
	}
}

func outDir(ev service.Event) string {
	if ev.Job.Params.Out == "" {
		return ""
	}
	return ev.Job.FinalDir()
}
