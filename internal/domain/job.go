// Package domain holds the types shared by every scheduler: the
// client-supplied JobTemplate, the persisted Job record, Transfers,
// and Workflows, plus their status vocabularies.
package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyCommand is returned by JobTemplate.Validate, and so by
// Submit, when a JobTemplate carries no command tokens.
var ErrEmptyCommand = errors.New("job command cannot be empty")

// JobStatus is the status vocabulary of spec.md section 3, shared by
// both the DRMAA binding's normalized vocabulary and the local
// scheduler.
type JobStatus string

const (
	StatusNotSubmitted           JobStatus = "NOT_SUBMITTED"
	StatusQueuedActive           JobStatus = "QUEUED_ACTIVE"
	StatusRunning                JobStatus = "RUNNING"
	StatusUserSuspended          JobStatus = "USER_SUSPENDED"
	StatusUserOnHold             JobStatus = "USER_ON_HOLD"
	StatusUserSystemSuspended    JobStatus = "USER_SYSTEM_SUSPENDED"
	StatusUserSystemOnHold       JobStatus = "USER_SYSTEM_ON_HOLD"
	StatusDone                   JobStatus = "DONE"
	StatusFailed                 JobStatus = "FAILED"
)

// IsTerminal reports whether the status will never change again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ExitStatusKind is the exit-status vocabulary of spec.md section 3.
type ExitStatusKind string

const (
	ExitFinishedRegularly ExitStatusKind = "FINISHED_REGULARLY"
	ExitUserKilled        ExitStatusKind = "USER_KILLED"
	ExitAborted           ExitStatusKind = "EXIT_ABORTED"
)

// ExitInfo is the terminal exit information recorded for a job.
type ExitInfo struct {
	Kind          ExitStatusKind
	Value         int
	TerminatingSignal string
	ResourceUsage string
}

// ParallelDescriptor is a JobTemplate's optional parallel-job hint.
type ParallelDescriptor struct {
	ConfigurationName string
	MaxNodeCount      int
	// NodesNumber/CPUPerNode feed the local scheduler's CPU-need
	// computation (spec.md section 4.4); the cluster scheduler uses
	// ConfigurationName/MaxNodeCount for DRMAA attribute expansion.
	NodesNumber int
	CPUPerNode  int
}

// JobTemplate is the client-supplied description of a job, per
// spec.md section 3.
type JobTemplate struct {
	Command          []string
	StdinPath        string
	StdoutPath       string
	StderrPath       string
	JoinStderrToStdout bool
	WorkingDirectory string
	DisposalTimeoutHours int
	Name             string
	Description      string
	ReferencedInputs  []string
	ReferencedOutputs []string
	Parallel         *ParallelDescriptor
	Environment      map[string]string
	Priority         int
	Barrier          bool
}

// Validate enforces the JobTemplate invariants of spec.md section 3:
// command must be non-empty. Parallel configuration name validity is
// checked by the cluster scheduler, which knows the cluster config.
func (t *JobTemplate) Validate() error {
	if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Clone returns a deep copy so the scheduler never mutates a
// caller-owned JobTemplate (Design Note 9).
func (t *JobTemplate) Clone() *JobTemplate {
	clone := *t
	clone.Command = append([]string(nil), t.Command...)
	clone.ReferencedInputs = append([]string(nil), t.ReferencedInputs...)
	clone.ReferencedOutputs = append([]string(nil), t.ReferencedOutputs...)
	if t.Environment != nil {
		clone.Environment = make(map[string]string, len(t.Environment))
		for k, v := range t.Environment {
			clone.Environment[k] = v
		}
	}
	if t.Parallel != nil {
		p := *t.Parallel
		clone.Parallel = &p
	}
	return &clone
}

// Job is the persisted record generated when a JobTemplate is
// registered, per spec.md section 3.
type Job struct {
	ID                 string
	OwnerUserID        string
	CustomSubmission   bool
	ExpirationDate     time.Time
	CommandSummary     string
	Name               string
	WorkflowID         int // -1 when standalone
	StdoutPath         string
	StderrPath         string
	WorkingDirectory   string
	Parallel           *ParallelDescriptor
	SubmissionTime     *time.Time
	DrmaaID            string
	Status             JobStatus
	LastStatusUpdate   time.Time
	ExitInfo           *ExitInfo
	Priority           int
	Barrier            bool
}

// StandaloneWorkflowID is the sentinel workflow id for a job that is
// not part of a workflow.
const StandaloneWorkflowID = -1

// DefaultDisposalTimeoutHours is the fallback lifetime (one week)
// applied when a JobTemplate or a standalone transfer registration
// leaves DisposalTimeoutHours at its zero value.
const DefaultDisposalTimeoutHours = 168

// ExpirationFromDisposalTimeout computes the expiration date a newly
// registered Job should carry, applying DefaultDisposalTimeoutHours
// when hours is non-positive.
func ExpirationFromDisposalTimeout(hours int) time.Time {
	if hours <= 0 {
		hours = DefaultDisposalTimeoutHours
	}
	return time.Now().Add(time.Duration(hours) * time.Hour)
}

// TransferStatus is the transfer status vocabulary of spec.md section 3.
type TransferStatus string

const (
	TransferNotReady     TransferStatus = "TRANSFER_NOT_READY"
	TransferReady        TransferStatus = "READY_TO_TRANSFER"
	TransferTransfered   TransferStatus = "TRANSFERED"
)

// Transfer maps a client-supplied remote path to a generated local
// path in the scheduler's shared staging area.
type Transfer struct {
	RemotePath     string
	LocalPath      string
	OwnerUserID    string
	ExpirationDate time.Time
	Status         TransferStatus
	WorkflowID     int // -1 when standalone
}

// NodeKind tags a Workflow node's variant, per spec.md section 3.
type NodeKind int

const (
	NodeJob NodeKind = iota
	NodeFileSending
	NodeFileRetrieving
)

func (k NodeKind) String() string {
	switch k {
	case NodeJob:
		return "job"
	case NodeFileSending:
		return "file-sending"
	case NodeFileRetrieving:
		return "file-retrieving"
	default:
		return "unknown"
	}
}

// Node is one vertex of a Workflow's DAG. Exactly one of Job or
// Transfer fields is meaningful, selected by Kind; using index-based
// identity (see Dependency) rather than pointer links keeps the graph
// free of reference cycles and safe to deep-copy (Design Note 9).
type Node struct {
	Name     string
	Kind     NodeKind
	Template *JobTemplate // set iff Kind == NodeJob

	// RemotePath is the client-supplied remote path for transfer
	// nodes; LocalPath is filled in once the workflow is submitted.
	RemotePath string
	LocalPath  string

	// JobID is filled in once a job node has been registered with the
	// Job Server, so the dispatcher can look up live status without
	// re-walking the workflow. Transfer nodes are looked up by
	// LocalPath; neither scheduler sets TransferKey.
	JobID       string
	TransferKey string
}

// Dependency is an ordered (predecessor, successor) pair of node
// indices within the same Workflow.
type Dependency struct {
	Predecessor int
	Successor   int
}

// Workflow is a DAG of job and file-transfer nodes, per spec.md
// section 3. Nodes are addressed by their index in Nodes.
type Workflow struct {
	ID             int
	OwnerUserID    string
	ExpirationDate time.Time
	Nodes          []Node
	Dependencies   []Dependency
}

// Clone returns a deep copy so the scheduler never mutates a
// caller-owned Workflow (Design Note 9).
func (w *Workflow) Clone() *Workflow {
	clone := *w
	clone.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		clone.Nodes[i] = n
		if n.Template != nil {
			clone.Nodes[i].Template = n.Template.Clone()
		}
	}
	clone.Dependencies = append([]Dependency(nil), w.Dependencies...)
	return &clone
}

// Predecessors returns the indices of nodes that must complete before
// node i becomes ready.
func (w *Workflow) Predecessors(i int) []int {
	var preds []int
	for _, d := range w.Dependencies {
		if d.Successor == i {
			preds = append(preds, d.Predecessor)
		}
	}
	return preds
}

// SourceNodes returns the indices of nodes with no incoming
// dependency: nodes that appear nowhere as a Dependency.Successor.
func (w *Workflow) SourceNodes() []int {
	hasPredecessor := make(map[int]bool, len(w.Dependencies))
	for _, d := range w.Dependencies {
		hasPredecessor[d.Successor] = true
	}
	var sources []int
	for i := range w.Nodes {
		if !hasPredecessor[i] {
			sources = append(sources, i)
		}
	}
	return sources
}
