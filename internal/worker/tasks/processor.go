package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicdesk/internal/events"
	"clinicdesk/internal/storage"
)

// Archive is where audit events end up.
type Archive interface {
	PutEvent(ctx context.Context, event events.Event) error
	Rollup(ctx context.Context, day string) (storage.Summary, error)
}

type Processor struct {
	archive Archive
	logger  zerolog.Logger
}

func NewProcessor(archive Archive, logger zerolog.Logger) *Processor {
	return &Processor{
		archive: archive,
		logger:  logger,
	}
}

// Handle archives one stream entry. Entries that can never be processed are
// logged and reported as handled so they do not stay pending forever; storage
// failures are returned so the entry is redelivered.
func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	event, err := events.Decode(msg.Values)
	if err != nil {
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed event")
		return nil
	}

	switch event.Type {
	case events.TypeRollup:
		return p.handleRollup(ctx, msg.ID, event)
	default:
		return p.handleArchive(ctx, event)
	}
}

func (p *Processor) handleArchive(ctx context.Context, event events.Event) error {
	if err := p.archive.PutEvent(ctx, event); err != nil {
		return fmt.Errorf("archive event %s: %w", event.ID, err)
	}
	p.logger.Debug().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Msg("event archived")
	return nil
}

func (p *Processor) handleRollup(ctx context.Context, messageID string, event events.Event) error {
	day := event.Detail["day"]
	summary, err := p.archive.Rollup(ctx, day)
	if errors.Is(err, storage.ErrInvalidDay) {
		p.logger.Warn().Err(err).Str("message_id", messageID).Msg("dropping rollup with bad day")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollup %s: %w", day, err)
	}
	p.logger.Info().
		Str("day", summary.Day).
		Int("total", summary.Total).
		Interface("by_type", summary.ByType).
		Msg("audit rollup written")
	return nil
}
