package app

import (
	"context"

	"herald/internal/notification"
	"herald/internal/notifier/orchestrator"
	"herald/internal/task/engine"
)

// control runs dispatches on the app's engine. The other operations come
// straight from the orchestrator.
type control struct {
	*orchestrator.Orchestrator
	eng *engine.Service
}

func (c control) Dispatch(ctx context.Context, id string) (notification.Record, error) {
	return c.Orchestrator.Dispatch(ctx, c.eng, id)
}
