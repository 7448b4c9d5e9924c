package clusterscheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/drmaa"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/pkg/config"
)

func newTestScheduler(t *testing.T, interval time.Duration) (*Scheduler, jobserver.Server, *drmaa.FakeSession) {
	t.Helper()
	server := jobserver.NewInMemoryServer(t.TempDir())
	session := drmaa.NewFakeSession()
	s := New(server, session, config.ClusterConfig{}, interval)
	return s, server, session
}

// TestSubmit_AutoFinishReachesDone covers spec.md section 8's first
// invariant for the cluster backend: after the tick following
// submission the job has a non-empty drmaa id, and the refresh tick
// then observes its terminal status.
func TestSubmit_AutoFinishReachesDone(t *testing.T) {
	s, server, _ := newTestScheduler(t, 10*time.Millisecond)

	jobID, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"echo", "hi"}})
	require.NoError(t, err)

	drmaaID, err := server.GetDrmaaJobID(jobID)
	require.NoError(t, err)
	assert.NotEmpty(t, drmaaID)

	s.RefreshTick()

	status, _, err := server.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)

	job, err := server.GetJob(jobID)
	require.NoError(t, err)
	require.NotNil(t, job.ExitInfo)
	assert.Equal(t, domain.ExitFinishedRegularly, job.ExitInfo.Kind)
}

// TestSubmit_SetsExpirationDate guards the expiration-sweep supplemental
// feature (SPEC_FULL.md section 9): a submitted job must carry a
// non-zero ExpirationDate or the janitor's Prune sweep can never
// collect it.
func TestSubmit_SetsExpirationDate(t *testing.T) {
	s, server, _ := newTestScheduler(t, 10*time.Millisecond)
	before := time.Now()

	jobID, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"echo", "hi"}, DisposalTimeoutHours: 1})
	require.NoError(t, err)

	job, err := server.GetJob(jobID)
	require.NoError(t, err)
	assert.False(t, job.ExpirationDate.IsZero())
	assert.WithinDuration(t, before.Add(time.Hour), job.ExpirationDate, time.Minute)
}

// TestLinearChain covers spec.md section 8 scenario 1: A->B->C, each
// job auto-finishes; each refresh tick dispatches the next node.
func TestLinearChain(t *testing.T) {
	s, server, session := newTestScheduler(t, 10*time.Millisecond)

	aTmpl := &domain.JobTemplate{Command: []string{"sleep", "1"}}
	bTmpl := &domain.JobTemplate{Command: []string{"sleep", "1"}}
	cTmpl := &domain.JobTemplate{Command: []string{"sleep", "1"}}

	aJob := &domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted}
	bJob := &domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted}
	cJob := &domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted}
	aID, err := server.AddJob(aJob)
	require.NoError(t, err)
	bID, err := server.AddJob(bJob)
	require.NoError(t, err)
	cID, err := server.AddJob(cJob)
	require.NoError(t, err)

	wf := &domain.Workflow{
		OwnerUserID: "alice",
		Nodes: []domain.Node{
			{Name: "A", Kind: domain.NodeJob, JobID: aID, Template: aTmpl},
			{Name: "B", Kind: domain.NodeJob, JobID: bID, Template: bTmpl},
			{Name: "C", Kind: domain.NodeJob, JobID: cID, Template: cTmpl},
		},
		Dependencies: []domain.Dependency{
			{Predecessor: 0, Successor: 1},
			{Predecessor: 1, Successor: 2},
		},
	}
	workflowID, err := server.AddWorkflow(wf)
	require.NoError(t, err)
	wf.ID = workflowID

	s.mu.Lock()
	s.templates[aID] = aTmpl
	s.templates[bID] = bTmpl
	s.templates[cID] = cTmpl
	s.jobs[aID] = &inFlight{ownerUserID: "alice"}
	s.jobs[bID] = &inFlight{ownerUserID: "alice"}
	s.jobs[cID] = &inFlight{ownerUserID: "alice"}
	s.mu.Unlock()

	// A is a source node: submit it directly, as SubmitWorkflow would.
	require.NoError(t, s.submitToDRMAA(aID, "alice", aTmpl))
	session.AutoFinish = true

	// Tick 1: A finishes, dispatcher submits B.
	s.RefreshTick()
	status, _, err := server.GetJobStatus(bID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueuedActive, status)

	// Tick 2: B finishes, dispatcher submits C.
	s.RefreshTick()
	status, _, err = server.GetJobStatus(cID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueuedActive, status)

	// Tick 3: C finishes.
	s.RefreshTick()
	status, _, err = server.GetJobStatus(cID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)
}

// TestRefreshLivenessFailure covers spec.md section 8 scenario 6: if
// the refresh loop never advances last-status-update, a control
// operation fails with the refresh-stalled error.
func TestRefreshLivenessFailure(t *testing.T) {
	s, server, session := newTestScheduler(t, 5*time.Millisecond)
	session.AutoFinish = false

	jobID, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"sleep", "100"}})
	require.NoError(t, err)
	require.NoError(t, server.SetJobStatus(jobID, domain.StatusRunning))

	err = s.Stop(jobID)
	assert.Error(t, err)
}

// TestApplyParallelAttributes_UnknownConfigFails covers spec.md
// section 4.3 "unknown configuration is a fatal submission error".
func TestApplyParallelAttributes_UnknownConfigFails(t *testing.T) {
	s, _, _ := newTestScheduler(t, 10*time.Millisecond)
	s.cluster = config.ClusterConfig{
		ParallelConfigNames: map[string]string{"mpi": "cluster-mpi"},
	}

	_, err := s.Submit("alice", &domain.JobTemplate{
		Command:  []string{"mpirun", "job"},
		Parallel: &domain.ParallelDescriptor{ConfigurationName: "unknown-config"},
	})
	assert.Error(t, err)
}

// TestSubmitWorkflow_SubmitsSourceNodesOnly covers spec.md section 8's
// source-node invariant: only nodes with no incoming dependency are
// submitted before submitWorkflow returns.
func TestSubmitWorkflow_SubmitsSourceNodesOnly(t *testing.T) {
	s, server, _ := newTestScheduler(t, 10*time.Millisecond)

	wf := &domain.Workflow{
		Nodes: []domain.Node{
			{Name: "A", Kind: domain.NodeJob, Template: &domain.JobTemplate{Command: []string{"sleep", "1"}}},
			{Name: "B", Kind: domain.NodeJob, Template: &domain.JobTemplate{Command: []string{"sleep", "1"}}},
		},
		Dependencies: []domain.Dependency{{Predecessor: 0, Successor: 1}},
	}

	submitted, err := s.SubmitWorkflow("alice", wf)
	require.NoError(t, err)

	aStatus, _, err := server.GetJobStatus(submitted.Nodes[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueuedActive, aStatus)

	bStatus, _, err := server.GetJobStatus(submitted.Nodes[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotSubmitted, bStatus)
}

// TestKill_Idempotent covers spec.md section 8's kill idempotence invariant.
func TestKill_Idempotent(t *testing.T) {
	s, server, _ := newTestScheduler(t, 10*time.Millisecond)

	jobID, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"sleep", "1"}})
	require.NoError(t, err)
	require.NoError(t, s.Kill(jobID))

	status, _, err := server.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	// Killing an already-terminal job is a no-op.
	require.NoError(t, s.Kill(jobID))
	status, _, err = server.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)
}
