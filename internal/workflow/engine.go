// Package workflow reacts to domain events: client lifecycle changes, plan
// completions, and period transitions. Events are fire-and-forget; handler
// failures are logged and never propagate to the publisher.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

const defaultBufferSize = 64

// HandlerFunc reacts to one workflow event. Handlers must be idempotent.
type HandlerFunc func(ctx context.Context, event model.WorkflowEvent) error

// EngineOptions configure an Engine.
type EngineOptions struct {
	// Handlers maps every event type to its single handler. NewEngine
	// rejects a map that does not cover exactly the known event types.
	Handlers map[model.EventType]HandlerFunc
	Logger   *slog.Logger
	// BufferSize of the event channel.
	BufferSize int
}

// Engine fans workflow events into their handlers through a buffered channel,
// one consumer goroutine, events handled in publish order.
type Engine struct {
	handlers map[model.EventType]HandlerFunc
	events   chan model.WorkflowEvent
	logger   *slog.Logger
}

// NewEngine creates an Engine. Every known event type must have exactly one
// handler.
func NewEngine(opts EngineOptions) (*Engine, error) {
	allTypes := []model.EventType{
		model.EventClientCreated,
		model.EventClientActivated,
		model.EventPlanCompleted,
		model.EventPlanOverdue,
		model.EventProgramCompleted,
		model.EventPeriodTransition,
		model.EventMilestoneReached,
	}

	for _, t := range allTypes {
		if opts.Handlers[t] == nil {
			return nil, fmt.Errorf("no handler for event type %q", t)
		}
	}
	if len(opts.Handlers) != len(allTypes) {
		return nil, errors.New("handlers registered for unknown event types")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	handlers := make(map[model.EventType]HandlerFunc, len(opts.Handlers))
	for t, h := range opts.Handlers {
		handlers[t] = h
	}

	return &Engine{
		handlers: handlers,
		events:   make(chan model.WorkflowEvent, bufferSize),
		logger:   logger.With("component", "workflow"),
	}, nil
}

// Publish submits an event for asynchronous handling. It returns once the
// event is buffered; handling outcomes are never reported back.
func (e *Engine) Publish(ctx context.Context, event model.WorkflowEvent) error {
	if !event.Type.Valid() {
		return fmt.Errorf("invalid event type: %q", event.Type)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case e.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes events until the context is canceled, then drains whatever is
// already buffered.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "workflow engine started")
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case event := <-e.events:
			e.handle(ctx, event)
		}
	}
}

// drain handles buffered events with a background context so accepted events
// are not lost at shutdown.
func (e *Engine) drain() {
	for {
		select {
		case event := <-e.events:
			e.handle(context.Background(), event)
		default:
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, event model.WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "workflow handler panicked",
				"event_type", event.Type,
				"client_id", event.ClientID,
				"panic", r,
			)
		}
	}()

	if err := e.handlers[event.Type](ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "workflow handler failed",
			"event_type", event.Type,
			"client_id", event.ClientID,
			"error", err,
		)
		return
	}

	e.logger.InfoContext(ctx, "workflow event handled",
		"event_type", event.Type,
		"client_id", event.ClientID,
	)
}
