package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

const defaultSideEffectTimeout = 5 * time.Second

// StageError is the terminal error of a failed job.
type StageError struct {
	Stage   domain.Stage
	Reasons []string
	// Output is the tail of the command output captured during the stage.
	Output string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// bestEffort runs a side effect with its own deadline, detached from the
// job's cancellation. Failures and panics are logged and returned but never
// fail the job.
func (p *Processor) bestEffort(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) (err error) {
	timeout := p.cfg.SideEffectTimeout
	if timeout <= 0 {
		timeout = defaultSideEffectTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
		if err != nil {
			log.Warn(name+" failed", "error", err)
		}
	}()
	return fn(ctx)
}
