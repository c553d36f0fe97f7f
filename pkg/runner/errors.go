package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/crmflow/pkg/crm"
)

var (
	// ErrTransientAction matches failures the runner retries.
	ErrTransientAction = errors.New("transient action failure")

	// ErrPermanentAction matches failures that terminate the step.
	ErrPermanentAction = errors.New("permanent action failure")

	// ErrEvaluation matches condition_branch predicates that could not be evaluated.
	ErrEvaluation = errors.New("predicate evaluation failed")
)

// TransientActionError is a collaborator failure eligible for retry, such as
// a timeout or a rate limit.
type TransientActionError struct {
	Err error
}

func (e *TransientActionError) Error() string {
	return fmt.Sprintf("transient action error: %v", e.Err)
}

func (e *TransientActionError) Unwrap() error {
	return e.Err
}

func (e *TransientActionError) Is(target error) bool {
	return target == ErrTransientAction
}

// PermanentActionError is a failure that will not succeed on retry: a bad
// runtime config, a rejected request, or an exhausted transient failure.
type PermanentActionError struct {
	Err      error
	Attempts int
}

func (e *PermanentActionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
	}

	return e.Err.Error()
}

func (e *PermanentActionError) Unwrap() error {
	return e.Err
}

func (e *PermanentActionError) Is(target error) bool {
	return target == ErrPermanentAction
}

// EvaluationError is a condition_branch predicate that could not be
// evaluated. It is handled as a permanent failure.
type EvaluationError struct {
	Field string
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("cannot evaluate predicate on field %q: %v", e.Field, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func (e *EvaluationError) Is(target error) bool {
	return target == ErrEvaluation || target == ErrPermanentAction
}

// classify maps a collaborator error onto the action error taxonomy.
func classify(err error) error {
	var (
		transient *TransientActionError
		permanent *PermanentActionError
		eval      *EvaluationError
	)

	switch {
	case err == nil:
		return nil
	case errors.As(err, &transient), errors.As(err, &permanent), errors.As(err, &eval):
		return err
	case crm.IsTransient(err):
		return &TransientActionError{Err: err}
	default:
		return &PermanentActionError{Err: err}
	}
}

// IsTransient reports whether err is retried by the runner.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientAction)
}

func permanent(format string, args ...any) error {
	return &PermanentActionError{Err: fmt.Errorf(format, args...)}
}

// interrupted reports whether err comes from the worker's own context being
// cancelled rather than from the action.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
