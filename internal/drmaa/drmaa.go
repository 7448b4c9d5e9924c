// Package drmaa defines the DRMAA binding capability contract
// (spec.md section 4.2): the opaque cluster resource manager library
// the cluster scheduler submits work through. This package ships no
// real binding — the DRMAA library itself is out of scope per
// spec.md's purpose and scope section — only the interface and the
// shared status/exit vocabulary the binding is assumed to speak.
package drmaa

import "github.com/flowsched/flowsched/internal/domain"

// Template is an opaque handle to a job template allocated by a
// Session. Its zero value is invalid; only values returned by
// Session.AllocateJobTemplate are meaningful.
type Template uint64

// WaitResult is the harvested terminal state of a submitted job, per
// spec.md section 4.2's `wait` operation.
type WaitResult struct {
	Kind          domain.ExitStatusKind
	Value         int
	TerminatingSignal string
	ResourceUsage string
}

// Session is the DRMAA binding capability contract. The core assumes
// Status already returns the shared domain.JobStatus vocabulary, or
// that the scheduler performs the translation at that seam (spec.md
// section 4.2).
type Session interface {
	AllocateJobTemplate() (Template, error)
	SetCommand(t Template, argv0 string, args []string) error
	SetAttribute(t Template, name, value string) error
	SetVectorAttribute(t Template, name string, values []string) error

	// RunJob submits the template and returns the DRMAA job id.
	// An empty id with a nil error means the binding rejected the
	// submission without an error it could report (spec.md section
	// 4.3: "a submission that returns an empty drmaa id").
	RunJob(t Template) (drmaaID string, err error)

	DeleteJobTemplate(t Template) error

	Status(drmaaID string) (domain.JobStatus, error)

	// Wait is non-blocking by contract (spec.md section 5: "wait(_, 0)").
	// It is only meaningful once Status has reported a terminal state.
	Wait(drmaaID string) (WaitResult, error)

	Suspend(drmaaID string) error
	Resume(drmaaID string) error
	Hold(drmaaID string) error
	Release(drmaaID string) error
	Terminate(drmaaID string) error
}
