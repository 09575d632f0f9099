package store

import (
	"context"
	"fmt"
	"time"
)

// LogSessionEvent creates a new session history entry
func (s *Store) LogSessionEvent(ctx context.Context, event *SessionEvent) error {
	if event.Profile == "" {
		return ErrEmptyProfile
	}

	entry := &SessionEvent{
		UID:       newUIDv7(), // Generate UUIDv7 for time-ordered inserts
		Profile:   event.Profile,
		EventType: event.EventType,
		Details:   event.Details,
		CreatedAt: time.Now(),
	}

	_, err := s.db.NewInsert().
		Model(entry).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to log session event: %w", err)
	}

	return nil
}

// ListSessionEvents retrieves session events with optional filters, newest first
func (s *Store) ListSessionEvents(ctx context.Context, filter SessionEventFilter) ([]SessionEvent, error) {
	var events []SessionEvent
	q := s.db.NewSelect().Model(&events)

	if filter.Profile != nil {
		q = q.Where("profile = ?", *filter.Profile)
	}

	if filter.EventType != nil {
		q = q.Where("event_type = ?", *filter.EventType)
	}

	if filter.StartTime != nil {
		q = q.Where("created_at >= ?", *filter.StartTime)
	}

	if filter.EndTime != nil {
		q = q.Where("created_at <= ?", *filter.EndTime)
	}

	q = q.Order("created_at DESC")

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}

	if events == nil {
		events = []SessionEvent{}
	}

	return events, nil
}
