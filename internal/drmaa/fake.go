package drmaa

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowsched/flowsched/internal/domain"
)

// FakeSession is an in-process Session double that runs no real
// processes; it exists so the cluster scheduler can be exercised
// without a live DRMAA cluster, mirroring how a site without a real
// binding would still need something to develop against.
type FakeSession struct {
	mu sync.Mutex

	templates map[Template]*fakeTemplate
	nextTmpl  Template

	jobs map[string]*fakeJob

	// AutoFinish, when true (the default), makes every submitted job
	// immediately DONE with exit value 0 so tests can drive a refresh
	// tick without simulating real execution. Set it to false and
	// call Finish explicitly to control timing.
	AutoFinish bool
}

type fakeTemplate struct {
	argv0 string
	args  []string
	attrs map[string]string
	vec   map[string][]string
}

type fakeJob struct {
	status domain.JobStatus
	result WaitResult
}

// NewFakeSession returns a ready-to-use FakeSession.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		templates:  make(map[Template]*fakeTemplate),
		jobs:       make(map[string]*fakeJob),
		AutoFinish: true,
	}
}

func (f *FakeSession) AllocateJobTemplate() (Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTmpl++
	f.templates[f.nextTmpl] = &fakeTemplate{attrs: map[string]string{}, vec: map[string][]string{}}
	return f.nextTmpl, nil
}

func (f *FakeSession) SetCommand(t Template, argv0 string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmpl, ok := f.templates[t]
	if !ok {
		return fmt.Errorf("unknown template %d", t)
	}
	tmpl.argv0 = argv0
	tmpl.args = args
	return nil
}

func (f *FakeSession) SetAttribute(t Template, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmpl, ok := f.templates[t]
	if !ok {
		return fmt.Errorf("unknown template %d", t)
	}
	tmpl.attrs[name] = value
	return nil
}

func (f *FakeSession) SetVectorAttribute(t Template, name string, values []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmpl, ok := f.templates[t]
	if !ok {
		return fmt.Errorf("unknown template %d", t)
	}
	tmpl.vec[name] = values
	return nil
}

func (f *FakeSession) RunJob(t Template) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.templates[t]; !ok {
		return "", fmt.Errorf("unknown template %d", t)
	}
	id := uuid.NewString()
	status := domain.StatusQueuedActive
	if f.AutoFinish {
		status = domain.StatusDone
	}
	f.jobs[id] = &fakeJob{
		status: status,
		result: WaitResult{Kind: domain.ExitFinishedRegularly, Value: 0},
	}
	return id, nil
}

func (f *FakeSession) DeleteJobTemplate(t Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.templates, t)
	return nil
}

func (f *FakeSession) Status(drmaaID string) (domain.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[drmaaID]
	if !ok {
		return "", fmt.Errorf("unknown job %s", drmaaID)
	}
	return j.status, nil
}

func (f *FakeSession) Wait(drmaaID string) (WaitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[drmaaID]
	if !ok {
		return WaitResult{}, fmt.Errorf("unknown job %s", drmaaID)
	}
	return j.result, nil
}

func (f *FakeSession) Suspend(drmaaID string) error { return f.setStatus(drmaaID, domain.StatusUserSuspended) }
func (f *FakeSession) Resume(drmaaID string) error  { return f.setStatus(drmaaID, domain.StatusRunning) }
func (f *FakeSession) Hold(drmaaID string) error    { return f.setStatus(drmaaID, domain.StatusUserOnHold) }
func (f *FakeSession) Release(drmaaID string) error { return f.setStatus(drmaaID, domain.StatusQueuedActive) }

func (f *FakeSession) Terminate(drmaaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[drmaaID]
	if !ok {
		return fmt.Errorf("unknown job %s", drmaaID)
	}
	j.status = domain.StatusFailed
	j.result = WaitResult{Kind: domain.ExitUserKilled}
	return nil
}

// Finish transitions a job to DONE with the given exit value, for
// tests that disabled AutoFinish to control timing explicitly.
func (f *FakeSession) Finish(drmaaID string, exitValue int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[drmaaID]
	if !ok {
		return fmt.Errorf("unknown job %s", drmaaID)
	}
	j.status = domain.StatusDone
	j.result = WaitResult{Kind: domain.ExitFinishedRegularly, Value: exitValue}
	return nil
}

func (f *FakeSession) setStatus(drmaaID string, status domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[drmaaID]
	if !ok {
		return fmt.Errorf("unknown job %s", drmaaID)
	}
	j.status = status
	return nil
}
