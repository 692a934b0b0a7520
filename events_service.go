package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventService persists tracked-event batches delivered by the sink pipeline.
type EventService struct {
	redis *redis.Client
}

func NewEventService(redis *redis.Client) *EventService {
	return &EventService{redis: redis}
}

// StoreBatch appends a batch of events to their sessions' event logs.
// Events with an unknown type or no session are dropped, not rejected: the
// batch is analytics data and partial delivery beats none.
func (es *EventService) StoreBatch(ctx context.Context, events []TrackedEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := es.redis.TxPipeline()
	stored := 0
	for _, ev := range events {
		if ev.SessionID == 0 || !ev.EventType.Valid() {
			slog.Warn("Dropping malformed tracked event", "sessionID", ev.SessionID, "eventType", ev.EventType)
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		evJSON, _ := json.Marshal(ev)
		pipe.RPush(ctx, sessionEventsKey(ev.SessionID), evJSON)
		stored++
	}
	if stored == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store event batch: %w", err)
	}

	slog.Info("Event batch stored", "events", stored)
	return nil
}

// ListSessionEvents returns one session's events in enqueue order.
func (es *EventService) ListSessionEvents(ctx context.Context, sessionID int64) ([]TrackedEvent, error) {
	raws, err := es.redis.LRange(ctx, sessionEventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]TrackedEvent, 0, len(raws))
	for _, raw := range raws {
		var ev TrackedEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.Error("Failed to unmarshal tracked event", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ListAllEvents returns every stored event across sessions, by timestamp.
func (es *EventService) ListAllEvents(ctx context.Context) ([]TrackedEvent, error) {
	ids, err := es.redis.SMembers(ctx, "sessions").Result()
	if err != nil {
		return nil, err
	}

	var events []TrackedEvent
	for _, id := range ids {
		raws, err := es.redis.LRange(ctx, fmt.Sprintf("events:%s", id), 0, -1).Result()
		if err != nil {
			slog.Error("Failed to load session events", "sessionID", id, "error", err)
			continue
		}
		for _, raw := range raws {
			var ev TrackedEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			events = append(events, ev)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}
