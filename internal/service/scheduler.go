package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DocSRV/docsrv/internal/model"
	"github.com/DocSRV/docsrv/internal/vina"
)

var (
	ErrBusy    = errors.New("a job is running")
	ErrStopped = errors.New("scheduler is not running")
)

type EventKind string

const (
	EventScheduled  EventKind = "scheduled"
	EventStarted    EventKind = "started"
	EventPercentage EventKind = "percentage"
	EventAlert      EventKind = "alert"
	EventFinished   EventKind = "finished"
	EventAllDone    EventKind = "allDone"
)

// Event is published by the Scheduler to its observers. Job is a copy owned
// by the observer.
type Event struct {
	Kind     EventKind
	Job      *vina.RunConfiguration
	RunID    string
	Progress vina.Progress
	Message  string
	Killed   bool
	ExitCode int
	Err      error
	Result   *vina.Result
	Duration time.Duration
	Queued   int // queue length when the event was published
}

// Observer is called from the scheduler loop, it must not block on the Scheduler.
type Observer func(Event)

type reqOp int

const (
	reqSchedule reqOp = iota
	reqRun
	reqStop
	reqRestore
	reqSweep
	reqSnapshot
)

type request struct {
	op    reqOp
	cfgs  []*vina.RunConfiguration
	reply chan reply
}

type reply struct {
	cfgs    []*vina.RunConfiguration
	removed []string
	err     error
}

type jobEvent struct {
	gen uint64
	ev  JobEvent
}

// Scheduler owns the FIFO queue of docking jobs and runs at most one of them
// at a time. All queue mutations happen in the Do loop.
type Scheduler struct {
	opts      JobOptions
	store     QueueStore
	sweeper   *Sweeper
	sweepCron *model.Sweep
	now       func() time.Time

	requests  chan request
	jobEvents chan jobEvent
	quit      chan struct{}

	observersMx sync.Mutex
	observers   map[uint64]Observer
	observerIDs uint64

	// owned by the loop
	queue   []*vina.RunConfiguration
	current *Job
	runID   string
	gen     uint64
	wg      sync.WaitGroup
}

func NewScheduler(opts JobOptions, store QueueStore) *Scheduler {
	return &Scheduler{
		opts:      opts,
		store:     store,
		now:       time.Now,
		requests:  make(chan request),
		jobEvents: make(chan jobEvent),
		quit:      make(chan struct{}),
		observers: make(map[uint64]Observer),
	}
}

// SchedulerFromConfig wires a Scheduler with the queue file and the sweeper
// configured in cfg.
func SchedulerFromConfig(cfg model.Config) *Scheduler {
	s := NewScheduler(OptionsFromConfig(cfg), NewFileQueue(cfg.Service.QueuePath()))
	s.WithSweeper(&Sweeper{Dir: ResultsDir(cfg)}, cfg.Service.Sweep)
	return s
}

// WithSweeper enables Sweep, cron schedules periodic sweeps when not nil.
func (s *Scheduler) WithSweeper(sweeper *Sweeper, cron *model.Sweep) *Scheduler {
	s.sweeper = sweeper
	s.sweepCron = cron
	return s
}

// WithClock replaces the source of schedule timestamps.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Subscribe registers an observer and returns a function removing it.
func (s *Scheduler) Subscribe(o Observer) func() {
	s.observersMx.Lock()
	defer s.observersMx.Unlock()
	s.observerIDs++
	id := s.observerIDs
	s.observers[id] = o
	return func() {
		s.observersMx.Lock()
		delete(s.observers, id)
		s.observersMx.Unlock()
	}
}

// Schedule stamps cfg and appends it to the queue, once per requested
// repeat. It does not start anything, see RunScheduled.
func (s *Scheduler) Schedule(ctx context.Context, cfg *vina.RunConfiguration) ([]*vina.RunConfiguration, error) {
	r, err := s.call(ctx, request{op: reqSchedule, cfgs: []*vina.RunConfiguration{cfg.Clone()}})
	return r.cfgs, err
}

// RunScheduled starts the queue head unless a job is running.
func (s *Scheduler) RunScheduled(ctx context.Context) error {
	_, err := s.call(ctx, request{op: reqRun})
	return err
}

// Stop asks the running job to kill itself. The queue stays paused until
// RunScheduled.
func (s *Scheduler) Stop(ctx context.Context) error {
	_, err := s.call(ctx, request{op: reqStop})
	return err
}

// LoadQueue restores the persisted queue in front of the current one and
// resumes it.
func (s *Scheduler) LoadQueue(ctx context.Context) error {
	queue, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}
	_, err = s.call(ctx, request{op: reqRestore, cfgs: queue})
	return err
}

// Sweep removes empty result directories. It returns ErrBusy while a job runs.
func (s *Scheduler) Sweep(ctx context.Context) ([]string, error) {
	r, err := s.call(ctx, request{op: reqSweep})
	return r.removed, err
}

// Queue returns a copy of the queue, the head is the running job if any.
func (s *Scheduler) Queue(ctx context.Context) ([]*vina.RunConfiguration, error) {
	r, err := s.call(ctx, request{op: reqSnapshot})
	return r.cfgs, err
}

func (s *Scheduler) call(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-s.quit:
		return reply{}, ErrStopped
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case r := <-req.reply:
		return r, r.err
	}
}

// Do runs the scheduler event loop until ctx is cancelled.
// It multiplexes two sources:
//  1. Requests from the public methods, each answered from the loop.
//  2. Events of the current job, tagged by the generation the job was
//     started with. Events of an older generation are dropped.
//
// Cancelling ctx kills the running process. The queue is kept as is, so the
// interrupted job runs again after LoadQueue.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler")
	defer close(s.quit)

	if s.sweepCron != nil && s.sweeper != nil {
		cron, err := newSweepCron(ctx, *s.sweepCron, func() {
			removed, err := s.Sweep(ctx)
			switch {
			case errors.Is(err, ErrBusy):
				slog.DebugContext(ctx, "sweep skipped: job running")
			case err != nil && ctx.Err() == nil:
				slog.ErrorContext(ctx, "sweep failed", "error", err)
			default:
				slog.DebugContext(ctx, "sweep done", "removed", len(removed))
			}
		})
		if err != nil {
			return err
		}
		cron.Start()
		defer func() {
			if err := cron.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		case je := <-s.jobEvents:
			s.handleJobEvent(ctx, je)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, req request) reply {
	switch req.op {
	case reqSchedule:
		cfgs, err := s.schedule(ctx, req.cfgs[0])
		return reply{cfgs: cfgs, err: err}
	case reqRun:
		s.runScheduled(ctx)
	case reqStop:
		s.stop(ctx)
	case reqRestore:
		s.restore(ctx, req.cfgs)
	case reqSweep:
		if s.current != nil {
			return reply{err: ErrBusy}
		}
		if s.sweeper == nil {
			return reply{err: errors.New("sweeper not configured")}
		}
		removed, err := s.sweeper.Sweep(ctx)
		return reply{removed: removed, err: err}
	case reqSnapshot:
		return reply{cfgs: cloneAll(s.queue)}
	}
	return reply{}
}

func (s *Scheduler) schedule(ctx context.Context, cfg *vina.RunConfiguration) ([]*vina.RunConfiguration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Stamp(s.now().UnixMilli()); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	n := max(cfg.RepeatCount, 1)
	cfg.RepeatCount = n

	added := make([]*vina.RunConfiguration, 0, n)
	for i := range n {
		e := cfg.Clone()
		e.RetriesLeft = n - i
		added = append(added, e)
	}
	s.queue = append(s.queue, added...)
	s.persist(ctx)
	for _, e := range added {
		s.notify(Event{Kind: EventScheduled, Job: e.Clone()})
	}
	slog.InfoContext(ctx, "job scheduled", "job_id", cfg.ID, "repeat", n, "queue", len(s.queue))
	return cloneAll(added), nil
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if s.current != nil || len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	s.gen++
	gen := s.gen
	emit := func(ctx context.Context, ev JobEvent) {
		select {
		case s.jobEvents <- jobEvent{gen: gen, ev: ev}:
		case <-ctx.Done():
		}
	}
	job := NewJob(head, s.opts, emit)
	s.current = job
	s.runID = uuid.NewString()
	s.notify(Event{Kind: EventStarted, Job: head.Clone(), RunID: s.runID})
	s.wg.Go(func() {
		job.Run(ctx)
	})
}

func (s *Scheduler) stop(ctx context.Context) {
	if s.current == nil {
		return
	}
	job := s.current
	s.wg.Go(func() {
		if err := job.Kill(ctx); err != nil {
			slog.ErrorContext(ctx, "stop failed", "job_id", job.ID(), "error", err)
		}
	})
}

func (s *Scheduler) restore(ctx context.Context, restored []*vina.RunConfiguration) {
	if len(restored) == 0 {
		return
	}
	if s.current != nil {
		// the running head stays first
		s.queue = slices.Concat(s.queue[:1], restored, s.queue[1:])
	} else {
		s.queue = slices.Concat(restored, s.queue)
	}
	s.persist(ctx)
	slog.InfoContext(ctx, "queue restored", "restored", len(restored), "queue", len(s.queue))
	s.runScheduled(ctx)
}

func (s *Scheduler) handleJobEvent(ctx context.Context, je jobEvent) {
	if je.gen != s.gen || s.current == nil {
		slog.DebugContext(ctx, "dropping event of a detached job", "gen", je.gen)
		return
	}
	ev := je.ev
	switch ev.Kind {
	case JobProgress:
		s.notify(Event{Kind: EventPercentage, Job: s.queue[0].Clone(), RunID: s.runID, Progress: ev.Progress})
	case JobSplit:
		s.notify(Event{Kind: EventAlert, Job: s.queue[0].Clone(), RunID: s.runID, Message: ev.Message})
	case JobKilled:
		s.gen++
		s.current = nil
		s.notify(Event{Kind: EventAlert, Job: s.queue[0].Clone(), RunID: s.runID, Message: ev.Message, Killed: true})
		s.runID = ""
	case JobClosed:
		head := s.queue[0]
		s.queue = s.queue[1:]
		s.gen++
		finished := head
		if ev.Config != nil {
			finished = ev.Config
		}
		s.notify(Event{
			Kind:     EventFinished,
			Job:      finished.Clone(),
			RunID:    s.runID,
			ExitCode: ev.ExitCode,
			Err:      ev.Err,
			Result:   ev.Result,
			Duration: ev.Duration,
		})
		s.current = nil
		s.runID = ""
		s.persist(ctx)
		if len(s.queue) == 0 {
			s.notify(Event{Kind: EventAllDone})
			return
		}
		s.runScheduled(ctx)
	}
}

func (s *Scheduler) persist(ctx context.Context) {
	if err := s.store.Save(ctx, s.queue); err != nil {
		slog.ErrorContext(ctx, "persisting queue", "error", err)
	}
}

func (s *Scheduler) notify(ev Event) {
	ev.Queued = len(s.queue)
	s.observersMx.Lock()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	s.observersMx.Unlock()

	for _, o := range observers {
		o(ev)
	}
}

func cloneAll(cfgs []*vina.RunConfiguration) []*vina.RunConfiguration {
	out := make([]*vina.RunConfiguration, len(cfgs))
	for i, c := range cfgs {
		out[i] = c.Clone()
	}
	return out
}
