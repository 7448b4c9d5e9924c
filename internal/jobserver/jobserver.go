// Package jobserver defines the Job Server capability contract
// (spec.md section 4.1): the persistent store of users, jobs,
// workflows, transfers, status, exit info, DRMAA ids, and file paths
// that the scheduling core consumes but does not implement.
package jobserver

import (
	"time"

	"github.com/flowsched/flowsched/internal/domain"
)

// Server is the capability contract the core requires. Every
// operation is atomic with respect to the caller. Ownership
// predicates (IsUserJob, IsUserTransfer, IsUserWorkflow) are the
// authorization boundary: the facade never bypasses them.
type Server interface {
	RegisterUser(login string) (userID string, err error)

	AddJob(job *domain.Job) (jobID string, err error)
	GetJob(jobID string) (*domain.Job, error)
	DeleteJob(jobID string) error
	GetJobs(userID string) ([]*domain.Job, error)

	// GenerateLocalFilePath allocates a unique local path in the
	// shared staging area for the given user. remote, when non-empty,
	// seeds the generated basename.
	GenerateLocalFilePath(userID, remote string) (string, error)

	AddTransfer(t *domain.Transfer) error
	RemoveTransfer(localPath string) error
	SetTransferStatus(localPath string, status domain.TransferStatus) error
	GetTransferStatus(localPath string) (domain.TransferStatus, error)
	// GetTransferInformation returns the transfer and the workflow id
	// it belongs to (domain.StandaloneWorkflowID if none).
	GetTransferInformation(localPath string) (*domain.Transfer, int, error)
	GetTransfers(userID string) ([]*domain.Transfer, error)

	AddWorkflow(wf *domain.Workflow) (workflowID int, err error)
	SetWorkflow(wf *domain.Workflow) error
	DeleteWorkflow(workflowID int) error
	GetWorkflow(workflowID int) (*domain.Workflow, error)
	GetWorkflows(userID string) ([]*domain.Workflow, error)

	RegisterInputs(jobID string, paths []string) error
	RegisterOutputs(jobID string, paths []string) error

	SetSubmissionInformation(jobID, drmaaID string, submittedAt time.Time) error

	// SetJobStatus also timestamps the job's last-status-update field.
	SetJobStatus(jobID string, status domain.JobStatus) error
	GetJobStatus(jobID string) (domain.JobStatus, time.Time, error)
	SetJobExitInfo(jobID string, info domain.ExitInfo) error
	GetDrmaaJobID(jobID string) (string, error)

	IsUserJob(userID, jobID string) bool
	IsUserTransfer(userID, localPath string) bool
	IsUserWorkflow(userID string, workflowID int) bool

	GetStdOutErrFilePath(jobID string) (stdout, stderr string, err error)

	// Prune removes jobs, transfers, and workflows whose expiration
	// date is at or before now. Supplemental to spec.md's data model,
	// which names the expiration date field but not the sweep that
	// acts on it.
	Prune(now time.Time) (removedJobs, removedTransfers, removedWorkflows int)
}
