package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"clinicdesk/internal/events"
)

const publishTimeout = 10 * time.Second

type Scheduler struct {
	cron      *cron.Cron
	publisher events.Publisher
	schedule  string
	now       func() time.Time
	log       zerolog.Logger
}

// NewScheduler schedules the daily audit rollup request. schedule is a six-field
// cron expression (seconds first).
func NewScheduler(publisher events.Publisher, schedule string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		publisher: publisher,
		schedule:  schedule,
		now:       time.Now,
		log:       log,
	}
}

func (s *Scheduler) Start() error {
	if s.publisher == nil || s.schedule == "" {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.requestRollup); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

// requestRollup asks the worker to summarise the previous UTC day.
func (s *Scheduler) requestRollup() {
	day := s.now().UTC().AddDate(0, 0, -1).Format(time.DateOnly)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, events.Event{
		Type:   events.TypeRollup,
		Detail: map[string]string{"day": day},
	}); err != nil {
		s.log.Error().Err(err).Str("day", day).Msg("enqueue audit rollup failed")
		return
	}
	s.log.Info().Str("day", day).Msg("audit rollup enqueued")
}
