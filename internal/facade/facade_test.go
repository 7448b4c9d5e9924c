package facade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/internal/localscheduler"
	"github.com/flowsched/flowsched/pkg/errors"
)

func newTestFacade(t *testing.T) (*Facade, jobserver.Server, *localscheduler.Scheduler) {
	t.Helper()
	server := jobserver.NewInMemoryServer(t.TempDir())
	sched := localscheduler.New(server, localscheduler.Options{
		ProcNb:                 4,
		MaxProcNb:              4,
		TickInterval:           10 * time.Millisecond,
		SingleCPUIdleThreshold: 0.2,
		MultiCPUIdleThreshold:  0.8,
		SampleMinInterval:      time.Second,
	})
	f := New(server, sched, 10*time.Millisecond)
	return f, server, sched
}

// TestSubmitAndWait covers the facade's happy path: submit a job, let
// the backend's own tick run it to completion, then Wait observes it.
func TestSubmitAndWait(t *testing.T) {
	f, _, sched := newTestFacade(t)

	jobID, err := f.Submit("alice", &domain.JobTemplate{Command: []string{"true"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	require.NoError(t, f.Wait("alice", []string{jobID}, 2*time.Second))

	status, err := f.Status("alice", jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)
}

// TestOwnershipRefusal covers spec.md section 4.5's ownership gate: an
// operation against another user's job is refused with no side effect.
func TestOwnershipRefusal(t *testing.T) {
	f, _, _ := newTestFacade(t)

	jobID, err := f.Submit("alice", &domain.JobTemplate{Command: []string{"sleep", "1"}})
	require.NoError(t, err)

	_, err = f.Status("mallory", jobID)
	assert.True(t, errors.IsUnauthorized(err))

	err = f.Kill("mallory", jobID)
	assert.True(t, errors.IsUnauthorized(err))

	status, err := f.Status("alice", jobID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.StatusFailed, status)
}

// TestRegisterAndWriteReadTransfer covers the lazy open/cache/flush
// discipline of spec.md section 4.5 for standalone transfer files.
func TestRegisterAndWriteReadTransfer(t *testing.T) {
	f, _, _ := newTestFacade(t)

	localPath, err := f.RegisterTransfer("alice", "remote/input.csv", 0)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0755))

	require.NoError(t, f.WriteLine("alice", localPath, "row one"))
	require.NoError(t, f.WriteLine("alice", localPath, "row two"))
	require.NoError(t, f.EndTransfers("alice"))

	line, err := f.ReadLine("alice", localPath)
	require.NoError(t, err)
	assert.Equal(t, "row one", line)

	line, err = f.ReadLine("alice", localPath)
	require.NoError(t, err)
	assert.Equal(t, "row two", line)

	require.NoError(t, f.EndTransfers("alice"))

	info, err := os.Stat(localPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0777), info.Mode().Perm())
}

// TestDisposeWorkflow_RefusesNonOwner covers spec.md section 9's
// resolution of the disposeWorkflow open question.
func TestDisposeWorkflow_RefusesNonOwner(t *testing.T) {
	f, server, _ := newTestFacade(t)

	wf := &domain.Workflow{OwnerUserID: "alice"}
	workflowID, err := server.AddWorkflow(wf)
	require.NoError(t, err)

	err = f.DisposeWorkflow("mallory", workflowID)
	assert.True(t, errors.IsUnauthorized(err))

	require.NoError(t, f.DisposeWorkflow("alice", workflowID))
	_, err = server.GetWorkflow(workflowID)
	assert.Error(t, err)
}
