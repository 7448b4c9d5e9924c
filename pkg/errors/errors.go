// Package errors provides the sentinel and wrapped error types used
// across flowsched's scheduling core: submission errors, authorization
// refusals, refresh-thread failures, launch failures, and unknown-id
// conditions. Job and workflow wrapping attaches a stack trace via
// github.com/pkg/errors so a logged error points back at its origin.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/flowsched/flowsched/internal/domain"
)

// Sentinel errors, one per error kind the core recognizes.
var (
	// ErrInvalidCommand is returned by Submit when the JobTemplate's
	// command is empty. It is the same value as domain.ErrEmptyCommand,
	// which JobTemplate.Validate reports.
	ErrInvalidCommand = domain.ErrEmptyCommand

	// ErrUnknownParallelConfig is returned when a JobTemplate names a
	// parallel-job configuration the cluster scheduler doesn't know.
	ErrUnknownParallelConfig = errors.New("unknown parallel job configuration")

	// ErrMissingParallelConfig is returned when a JobTemplate requests
	// parallel attributes but the scheduler was never configured with
	// any parallel-job mapping at all.
	ErrMissingParallelConfig = errors.New("scheduler has no parallel job configuration")

	// ErrSubmissionFailed is returned when the DRMAA binding accepted
	// the template but returned an empty job id.
	ErrSubmissionFailed = errors.New("drmaa submission returned no job id")

	// ErrUnauthorized is the sentinel behind every facade ownership
	// refusal; it never causes a panic and never has side effects.
	ErrUnauthorized = errors.New("caller does not own this resource")

	// ErrRefreshStalled is returned by control operations that wait
	// for the refresh loop to observe an effect, once the wait has
	// exceeded the refresh-thread liveness threshold.
	ErrRefreshStalled = errors.New("refresh loop appears to have stopped")

	// ErrLaunchFailed is returned when the local scheduler could not
	// open a job's I/O files or start its process.
	ErrLaunchFailed = errors.New("failed to launch local process")

	// ErrUnknownJob is returned by a scheduler status lookup for an id
	// it never submitted.
	ErrUnknownJob = errors.New("unknown scheduler job id")

	// ErrNotRunning is returned when a control operation expects a job
	// in a state it is not currently in.
	ErrNotRunning = errors.New("job is not running")

	// ErrUnsupportedOperation is returned by a backend that has no
	// equivalent of the requested control operation (the local
	// scheduler has no DRMAA suspend/hold to back stop/restart).
	ErrUnsupportedOperation = errors.New("operation not supported by this scheduler backend")
)

// JobError associates a scheduler-internal error with the job it
// happened to.
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// WrapJob wraps err with job/operation context and a stack trace.
// Returns nil if err is nil.
func WrapJob(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{JobID: jobID, Operation: operation, Err: pkgerrors.WithStack(err)}
}

// WorkflowError associates a scheduler-internal error with the
// workflow it happened to.
type WorkflowError struct {
	WorkflowID int
	Operation  string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %d: %s: %v", e.WorkflowID, e.Operation, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// WrapWorkflow wraps err with workflow/operation context and a stack
// trace. Returns nil if err is nil.
func WrapWorkflow(workflowID int, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &WorkflowError{WorkflowID: workflowID, Operation: operation, Err: pkgerrors.WithStack(err)}
}

// IsUnauthorized reports whether err is (or wraps) ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsUnknownJob reports whether err is (or wraps) ErrUnknownJob.
func IsUnknownJob(err error) bool { return errors.Is(err, ErrUnknownJob) }
