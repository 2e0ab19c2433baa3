package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skyvault/pkg/portal"

	"github.com/google/uuid"
)

// State 是单个操作的状态机
type State int

const (
	Planning State = iota
	Attempting
	Verifying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Planning:
		return "planning"
	case Attempting:
		return "attempting"
	case Verifying:
		return "verifying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt 记录对某个 portal 的一次尝试，只在单次操作期间保留
type Attempt struct {
	Portal     string
	Target     string
	Number     int
	Outcome    portal.Outcome
	StatusCode int
	Elapsed    time.Duration
	Err        error
}

// operation 是一次 upload / download / metadata 调用
type operation struct {
	id    string
	kind  string
	log   *slog.Logger
	start time.Time

	mu       sync.Mutex
	state    State
	attempts []Attempt
}

func (c *Client) begin(kind string, attrs ...any) *operation {
	id := uuid.NewString()
	op := &operation{
		id:    id,
		kind:  kind,
		log:   c.log.With(slog.String("op", kind), slog.String("op_id", id)),
		start: time.Now(),
		state: Planning,
	}
	op.log.Debug("operation started", attrs...)
	return op
}

func (op *operation) transition(s State) {
	op.mu.Lock()
	prev := op.state
	op.state = s
	op.mu.Unlock()
	op.log.Debug("state transition", slog.String("from", prev.String()), slog.String("to", s.String()))
}

func (op *operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

func (op *operation) record(a Attempt) {
	op.mu.Lock()
	op.attempts = append(op.attempts, a)
	op.mu.Unlock()

	op.log.Debug("attempt",
		slog.String("portal", a.Portal),
		slog.String("target", a.Target),
		slog.Int("n", a.Number),
		slog.String("outcome", a.Outcome.String()),
		slog.Int("status", a.StatusCode),
		slog.Duration("elapsed", a.Elapsed),
		slog.Any("err", a.Err),
	)
}

func (op *operation) Attempts() []Attempt {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]Attempt(nil), op.attempts...)
}

func (op *operation) done(attrs ...any) {
	op.transition(Done)
	attrs = append(attrs, slog.Duration("dur", time.Since(op.start)))
	op.log.Info("operation finished", attrs...)
}

// fail 把错误映射为操作级的终止结果
// 上下文结束时优先报告 OperationTimeout / Cancelled。
func (op *operation) fail(ctx context.Context, err error) error {
	err = terminalError(ctx, err)
	op.transition(Failed)
	op.log.Error("operation failed", slog.Any("err", err), slog.Duration("dur", time.Since(op.start)))
	return err
}

func terminalError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrOperationTimeout):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrOperationTimeout, cause)
	default:
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
}
