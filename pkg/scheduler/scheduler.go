// Package scheduler discovers due scheduled messages and hands them to the
// delivery queue on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

const (
	DefaultSpec      = "@every 1m"
	DefaultBatchSize = 500

	// compensateTimeout bounds the write that records an enqueue failure.
	compensateTimeout = 5 * time.Second
)

// Report summarises one discovery cycle.
type Report struct {
	Discovered int           `json:"discovered"`
	Enqueued   int           `json:"enqueued"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Released   int           `json:"released"`
	Stranded   int           `json:"stranded"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

type Status struct {
	Running    bool       `json:"running"`
	Cadence    string     `json:"cadence"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastReport *Report    `json:"last_report,omitempty"`
}

type Option func(*Scheduler)

// WithSpec sets the cron expression driving discovery cycles.
func WithSpec(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithReleaseOnEnqueueError returns a record to pending when the queue
// rejects it, so the next cycle tries again. Without it the record fails.
func WithReleaseOnEnqueueError(release bool) Option {
	return func(s *Scheduler) { s.release = release }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type Scheduler struct {
	store    store.ScheduledStore
	producer queue.Producer
	log      zerolog.Logger

	spec    string
	batch   int
	release bool
	now     func() time.Time
	loc     *time.Location
	parser  cron.Parser

	mu         sync.Mutex
	cron       *cron.Cron
	entry      cron.EntryID
	running    bool
	lastRun    time.Time
	lastReport *Report
}

func New(st store.ScheduledStore, producer queue.Producer, log zerolog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:    st,
		producer: producer,
		log:      log,
		spec:     DefaultSpec,
		batch:    DefaultBatchSize,
		now:      time.Now,
		loc:      time.UTC,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.parser.Parse(s.spec); err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}
	return s, nil
}

// RunOnce performs one discovery cycle. Each due record is claimed with a
// pending->queued transition before it is enqueued, so overlapping cycles
// enqueue a record at most once.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := s.now()
	report := Report{StartedAt: start}
	metrics.SchedulerTicks.Inc()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := s.store.FindDue(ctx, start, s.batch)
	if err != nil {
		return report, fmt.Errorf("find due messages: %w", err)
	}
	report.Discovered = len(due)
	metrics.ScheduledMessages.WithLabelValues("discovered").Add(float64(len(due)))

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		m := &due[i]
		log := s.log.With().Str("scheduled_message_id", m.ID).Logger()

		claimed, err := s.store.Transition(ctx, m.ID, store.Transition{From: model.StatePending, To: model.StateQueued, At: s.now()})
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			report.Skipped++
			continue
		}
		if !claimed {
			log.Debug().Msg("already claimed")
			report.Skipped++
			continue
		}

		if err := s.producer.Enqueue(ctx, model.NewEnvelope(m)); err != nil {
			s.enqueueFailed(ctx, m, err, &report, log)
			continue
		}
		report.Enqueued++
		log.Debug().Str("conversation_id", m.ConversationID).Msg("enqueued")
	}

	report.Duration = time.Since(start)
	metrics.ScheduledMessages.WithLabelValues("enqueued").Add(float64(report.Enqueued))
	metrics.ScheduledMessages.WithLabelValues("skipped").Add(float64(report.Skipped))
	metrics.ScheduledMessages.WithLabelValues("failed").Add(float64(report.Failed))
	metrics.ScheduledMessages.WithLabelValues("released").Add(float64(report.Released))
	metrics.ScheduledMessages.WithLabelValues("stranded").Add(float64(report.Stranded))

	s.mu.Lock()
	s.lastRun = start
	s.lastReport = &report
	s.mu.Unlock()

	if report.Discovered > 0 {
		s.log.Info().
			Int("discovered", report.Discovered).
			Int("enqueued", report.Enqueued).
			Int("skipped", report.Skipped).
			Int("failed", report.Failed).
			Int("released", report.Released).
			Int("stranded", report.Stranded).
			Dur("duration", report.Duration).
			Msg("discovery cycle finished")
	}
	return report, nil
}

// enqueueFailed undoes a claim whose enqueue failed. The write outlives a
// cancelled cycle, otherwise the record would stay queued with nothing in
// the queue for it.
func (s *Scheduler) enqueueFailed(ctx context.Context, m *model.ScheduledMessage, cause error, report *Report, log zerolog.Logger) {
	t := store.Transition{From: model.StateQueued, To: model.StateFailed, At: s.now(), Reason: cause.Error()}
	if s.release {
		t = store.Transition{From: model.StateQueued, To: model.StatePending, At: s.now()}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	applied, err := s.store.Transition(wctx, m.ID, t)
	if err != nil || !applied {
		report.Stranded++
		log.Error().Err(err).AnErr("cause", cause).Bool("applied", applied).Msg("enqueue failed and could not be recorded, record left queued")
		return
	}
	if s.release {
		report.Released++
		log.Warn().Err(cause).Msg("enqueue failed, released for next cycle")
		return
	}
	report.Failed++
	log.Error().Err(cause).Msg("enqueue failed, marked failed")
}

// Start schedules discovery cycles and runs one immediately. Calling Start
// on a running scheduler does nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(s.spec, s.tick)
	if err != nil {
		return fmt.Errorf("schedule discovery: %w", err)
	}
	c.Start()
	s.cron, s.entry, s.running = c, id, true
	s.log.Info().Str("cadence", s.spec).Str("tz", s.loc.String()).Msg("scheduler started")

	go s.tick()
	return nil
}

// Stop halts future cycles without waiting for one in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.cron, s.running = nil, false
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) tick() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("discovery cycle failed")
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Cadence: s.spec}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	if s.lastReport != nil {
		r := *s.lastReport
		st.LastReport = &r
	}
	if s.running {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
