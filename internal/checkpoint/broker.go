// Package checkpoint implements the CheckpointBroker (§4.12): human-in-the-
// loop suspension. An LLm cell's request_decision call persists a pending
// checkpoint, suspends the CellLoop on a response channel keyed by
// checkpoint id, and wakes it when an external process responds or cancels.
// Grounded on the teacher's internal/application/executor suspend/resume
// channel pattern for async node execution, generalized from a node-result
// future to a human-response future.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/cascade/internal/cascadeerr"
	"github.com/smilemakc/cascade/internal/domain"
)

// Store persists checkpoint records.
type Store interface {
	Create(ctx context.Context, cp domain.Checkpoint) error
	Get(ctx context.Context, id string) (domain.Checkpoint, error)
	MarkCompleted(ctx context.Context, id string, response any, reasoning string, confidence float64) error
	MarkCancelled(ctx context.Context, id string, reason string) error
	ListPending(ctx context.Context) ([]domain.Checkpoint, error)
}

// Notifier pushes a live update when a checkpoint is created or resolved,
// e.g. over a websocket connection to an operator dashboard. Optional: a nil
// Notifier on Broker disables live notification without otherwise changing
// behavior.
type Notifier interface {
	Notify(cp domain.Checkpoint)
}

type waiter struct {
	response chan Response
}

// Response is what an awaiting cell receives once its checkpoint resolves.
type Response struct {
	Value      any
	Reasoning  string
	Confidence float64
	Err        error
}

// Broker mediates between cells suspended on a checkpoint and the external
// responder.
type Broker struct {
	store    Store
	notifier Notifier

	mu      sync.Mutex
	waiters map[string]*waiter
}

func New(store Store, notifier Notifier) *Broker {
	return &Broker{store: store, notifier: notifier, waiters: make(map[string]*waiter)}
}

// RequestDecision persists a new pending checkpoint and suspends until a
// response/cancellation arrives, ctx is cancelled, or timeout elapses (0 = no
// timeout) (§4.12 steps 1-2, 6).
func (b *Broker) RequestDecision(ctx context.Context, sessionID, cellName string, phaseIndex int, expectedShape map[string]any, timeout time.Duration) Response {
	cp := domain.Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		CellName:      cellName,
		PhaseIndex:    phaseIndex,
		CreatedAt:     time.Now().UTC(),
		ExpectedShape: expectedShape,
		Status:        domain.CheckpointPending,
	}
	// Register the waiter before the checkpoint becomes visible, so a
	// Respond that arrives right after Create/Notify finds it.
	w := &waiter{response: make(chan Response, 1)}
	b.mu.Lock()
	b.waiters[cp.ID] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, cp.ID)
		b.mu.Unlock()
	}()

	if err := b.store.Create(ctx, cp); err != nil {
		return Response{Err: fmt.Errorf("checkpoint: persisting: %w", err)}
	}
	if b.notifier != nil {
		b.notifier.Notify(cp)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case resp := <-w.response:
		return resp
	case <-waitCtx.Done():
		err := cascadeerr.New(cascadeerr.KindTimeout, sessionID, "", cellName, "checkpoint timed out", waitCtx.Err(), false)
		return Response{Err: err}
	}
}

// Respond resolves a pending checkpoint and wakes the waiting cell (§4.12 steps 3-4).
func (b *Broker) Respond(ctx context.Context, id string, value any, reasoning string, confidence float64) error {
	if err := b.store.MarkCompleted(ctx, id, value, reasoning, confidence); err != nil {
		return err
	}
	b.deliver(id, Response{Value: value, Reasoning: reasoning, Confidence: confidence})
	if b.notifier != nil {
		if cp, err := b.store.Get(ctx, id); err == nil {
			b.notifier.Notify(cp)
		}
	}
	return nil
}

// Cancel resolves a pending checkpoint with a cancellation error (§4.12 step 5).
func (b *Broker) Cancel(ctx context.Context, id, reason string) error {
	if err := b.store.MarkCancelled(ctx, id, reason); err != nil {
		return err
	}
	cp, err := b.store.Get(ctx, id)
	if err != nil {
		return err
	}
	cancelErr := cascadeerr.New(cascadeerr.KindCheckpointCancelled, cp.SessionID, "", cp.CellName, fmt.Sprintf("checkpoint cancelled: %s", reason), nil, false)
	b.deliver(id, Response{Err: cancelErr})
	if b.notifier != nil {
		b.notifier.Notify(cp)
	}
	return nil
}

// ListPending returns all checkpoints awaiting a response.
func (b *Broker) ListPending(ctx context.Context) ([]domain.Checkpoint, error) {
	return b.store.ListPending(ctx)
}

func (b *Broker) deliver(id string, resp Response) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	b.mu.Unlock()
	if !ok {
		return // no cell currently waiting (e.g. process restarted); response is still persisted
	}
	select {
	case w.response <- resp:
	default:
	}
}
