package localscheduler

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, jobserver.Server) {
	t.Helper()
	server := jobserver.NewInMemoryServer(t.TempDir())
	return New(server, opts), server
}

// TestKillWhileRunning covers spec.md section 8 scenario 3: with
// proc_nb=1, the second of two submitted jobs stays queued behind the
// first; killing the queued one aborts it without touching the queue
// order of anything else, and killing the running one terminates its
// child and records USER_KILLED.
func TestKillWhileRunning(t *testing.T) {
	s, server := newTestScheduler(t, Options{
		ProcNb:                 1,
		MaxProcNb:              1,
		TickInterval:           time.Second,
		SingleCPUIdleThreshold: 0.2,
		MultiCPUIdleThreshold:  0.8,
		SampleMinInterval:      100 * time.Millisecond,
	})

	first, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"sleep", "5"}})
	require.NoError(t, err)
	second, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"sleep", "5"}})
	require.NoError(t, err)

	s.tick()

	status, _, err := server.GetJobStatus(first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)

	status, _, err = server.GetJobStatus(second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueuedActive, status)

	require.NoError(t, s.Kill(second))
	status, _, err = server.GetJobStatus(second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)
	job, err := server.GetJob(second)
	require.NoError(t, err)
	require.NotNil(t, job.ExitInfo)
	assert.Equal(t, domain.ExitAborted, job.ExitInfo.Kind)

	s.mu.Lock()
	stillQueued := false
	for _, qj := range s.queue {
		if qj.jobID == second {
			stillQueued = true
		}
	}
	s.mu.Unlock()
	assert.False(t, stillQueued)

	require.NoError(t, s.Kill(first))
	status, _, err = server.GetJobStatus(first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)
	job, err = server.GetJob(first)
	require.NoError(t, err)
	require.NotNil(t, job.ExitInfo)
	assert.Equal(t, domain.ExitUserKilled, job.ExitInfo.Kind)

	// Killing an already-terminal job is a no-op (spec.md section 8's
	// kill idempotence invariant).
	require.NoError(t, s.Kill(first))
	status, _, err = server.GetJobStatus(first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)
}

// TestAdmissionWithParallelJob covers spec.md section 8 scenario 4: a
// 3-cpu job and a 2-cpu job under proc_nb=max_proc_nb=4; the second is
// postponed until the first completes and frees capacity.
func TestAdmissionWithParallelJob(t *testing.T) {
	s, server := newTestScheduler(t, Options{
		ProcNb:                 4,
		MaxProcNb:              4,
		TickInterval:           time.Second,
		SingleCPUIdleThreshold: 0.2,
		MultiCPUIdleThreshold:  0.8,
		SampleMinInterval:      100 * time.Millisecond,
	})

	big, err := s.Submit("alice", &domain.JobTemplate{
		Command:  []string{"true"},
		Parallel: &domain.ParallelDescriptor{NodesNumber: 1, CPUPerNode: 3},
	})
	require.NoError(t, err)
	small, err := s.Submit("alice", &domain.JobTemplate{
		Command:  []string{"true"},
		Parallel: &domain.ParallelDescriptor{NodesNumber: 1, CPUPerNode: 2},
	})
	require.NoError(t, err)

	s.tick()

	status, _, err := server.GetJobStatus(big)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)

	status, _, err = server.GetJobStatus(small)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueuedActive, status)

	// Let the first job's short-lived process exit, then let the next
	// tick reap it and admit the postponed job.
	time.Sleep(100 * time.Millisecond)
	s.tick()

	status, _, err = server.GetJobStatus(big)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)

	status, _, err = server.GetJobStatus(small)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)
}

// TestAdmitLocked_MaxProcNbZeroFallsBackToHostCPUCount covers the
// spec.md section 4.4 admission-control fallback: with no explicit
// max_proc_nb and no host telemetry, the ceiling must fall back to the
// host's own cpu count rather than collapsing to the currently-running
// load (which would deny every job beyond proc_nb forever).
func TestAdmitLocked_MaxProcNbZeroFallsBackToHostCPUCount(t *testing.T) {
	if runtime.NumCPU() < 2 {
		t.Skip("requires a host with more than one cpu")
	}

	s, _ := newTestScheduler(t, Options{
		ProcNb:                 1,
		MaxProcNb:              0,
		TickInterval:           time.Second,
		SingleCPUIdleThreshold: 0.2,
		MultiCPUIdleThreshold:  0.8,
		SampleMinInterval:      time.Millisecond,
	})
	s.sampler.percent = func() (float64, bool) { return 0, false }

	s.mu.Lock()
	s.running["occupying"] = &launchedProcess{cpuNeed: 1}
	admitted := s.admitLocked(time.Now(), 1)
	s.mu.Unlock()

	assert.True(t, admitted)
}

// TestSubmit_EmptyCommandFails verifies the submission-error path.
func TestSubmit_EmptyCommandFails(t *testing.T) {
	s, _ := newTestScheduler(t, Options{ProcNb: 1, TickInterval: time.Second})
	_, err := s.Submit("alice", &domain.JobTemplate{})
	assert.Error(t, err)
}

// TestSubmit_SetsExpirationDate guards the expiration-sweep supplemental
// feature (SPEC_FULL.md section 9): a submitted job must carry a
// non-zero ExpirationDate or the janitor's Prune sweep can never
// collect it.
func TestSubmit_SetsExpirationDate(t *testing.T) {
	s, server := newTestScheduler(t, Options{ProcNb: 1, TickInterval: time.Second})
	before := time.Now()
	id, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"true"}, DisposalTimeoutHours: 1})
	require.NoError(t, err)

	job, err := server.GetJob(id)
	require.NoError(t, err)
	assert.False(t, job.ExpirationDate.IsZero())
	assert.WithinDuration(t, before.Add(time.Hour), job.ExpirationDate, time.Minute)
}

// TestSubmit_BarrierJobCompletesImmediately verifies that a barrier
// job never runs a process and completes DONE/FINISHED_REGULARLY.
func TestSubmit_BarrierJobCompletesImmediately(t *testing.T) {
	s, server := newTestScheduler(t, Options{ProcNb: 1, TickInterval: time.Second})
	id, err := s.Submit("alice", &domain.JobTemplate{Command: []string{"noop"}, Barrier: true})
	require.NoError(t, err)

	s.tick()

	status, _, err := server.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, status)
	job, err := server.GetJob(id)
	require.NoError(t, err)
	require.NotNil(t, job.ExitInfo)
	assert.Equal(t, domain.ExitFinishedRegularly, job.ExitInfo.Kind)
}
