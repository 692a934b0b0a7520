package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

var _ EventSink = (*asynqEventSink)(nil)

// asynqEventSink hands tracked event batches to the worker pool. Enqueue is
// fast and local, so tracker flushes never block on storage.
type asynqEventSink struct {
	client *asynq.Client
}

func (s *asynqEventSink) SendEventBatch(ctx context.Context, events []TrackedEvent) error {
	payload, err := json.Marshal(EventIngestPayload{BatchID: uuid.New().String(), Events: events})
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, asynq.NewTask(TypeEventIngest, payload)); err != nil {
		return err
	}
	return nil
}
