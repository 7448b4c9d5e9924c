package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
)

type recordingSubmitter struct{ submitted []string }

func (r *recordingSubmitter) SubmitReadyJobNode(jobID string) error {
	r.submitted = append(r.submitted, jobID)
	return nil
}

type recordingFlipper struct{ flipped []string }

func (r *recordingFlipper) MarkTransferReady(localPath string) error {
	r.flipped = append(r.flipped, localPath)
	return nil
}

// buildDiamond builds the FS -> {A, B} -> C diamond from spec.md
// section 8 scenario 2 and registers it against an InMemoryServer.
func buildDiamond(t *testing.T) (*jobserver.InMemoryServer, *domain.Workflow) {
	t.Helper()
	server := jobserver.NewInMemoryServer(t.TempDir())

	aID, err := server.AddJob(&domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted})
	require.NoError(t, err)
	bID, err := server.AddJob(&domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted})
	require.NoError(t, err)
	cID, err := server.AddJob(&domain.Job{OwnerUserID: "alice", WorkflowID: 1, Status: domain.StatusNotSubmitted})
	require.NoError(t, err)

	require.NoError(t, server.AddTransfer(&domain.Transfer{
		LocalPath:   "/staging/fs",
		OwnerUserID: "alice",
		WorkflowID:  1,
		Status:      domain.TransferNotReady,
	}))

	wf := &domain.Workflow{
		OwnerUserID:    "alice",
		ExpirationDate: time.Now().Add(time.Hour),
		Nodes: []domain.Node{
			{Name: "fs", Kind: domain.NodeFileSending, LocalPath: "/staging/fs"},
			{Name: "A", Kind: domain.NodeJob, JobID: aID},
			{Name: "B", Kind: domain.NodeJob, JobID: bID},
			{Name: "C", Kind: domain.NodeJob, JobID: cID},
		},
		Dependencies: []domain.Dependency{
			{Predecessor: 0, Successor: 1},
			{Predecessor: 0, Successor: 2},
			{Predecessor: 1, Successor: 3},
			{Predecessor: 2, Successor: 3},
		},
	}
	id, err := server.AddWorkflow(wf)
	require.NoError(t, err)
	wf.ID = id
	return server, wf
}

func TestDispatch_DiamondWithTransfer(t *testing.T) {
	server, wf := buildDiamond(t)
	d := New(server)
	submitter := &recordingSubmitter{}
	flipper := &recordingFlipper{}

	// The external transfer agent signals FS complete.
	require.NoError(t, server.SetTransferStatus("/staging/fs", domain.TransferTransfered))

	err := d.Dispatch(nil, []string{"/staging/fs"}, submitter, flipper)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{wf.Nodes[1].JobID, wf.Nodes[2].JobID}, submitter.submitted)
	assert.Empty(t, flipper.flipped)
}

func TestDispatch_CWaitsForBothABeforeReady(t *testing.T) {
	server, wf := buildDiamond(t)
	d := New(server)
	submitter := &recordingSubmitter{}
	flipper := &recordingFlipper{}

	// A finishes, B not yet finished: C must not be submitted yet.
	require.NoError(t, server.SetJobStatus(wf.Nodes[1].JobID, domain.StatusDone))

	err := d.Dispatch([]string{wf.Nodes[1].JobID}, nil, submitter, flipper)
	require.NoError(t, err)
	assert.NotContains(t, submitter.submitted, wf.Nodes[3].JobID)

	// B finishes too: C becomes ready.
	require.NoError(t, server.SetJobStatus(wf.Nodes[2].JobID, domain.StatusDone))
	submitter.submitted = nil
	err = d.Dispatch([]string{wf.Nodes[2].JobID}, nil, submitter, flipper)
	require.NoError(t, err)
	assert.Contains(t, submitter.submitted, wf.Nodes[3].JobID)
}

func TestDispatch_EachNodeEvaluatedOnce(t *testing.T) {
	server, wf := buildDiamond(t)
	d := New(server)
	submitter := &recordingSubmitter{}
	flipper := &recordingFlipper{}

	require.NoError(t, server.SetTransferStatus("/staging/fs", domain.TransferTransfered))
	require.NoError(t, d.Dispatch(nil, []string{"/staging/fs"}, submitter, flipper))
	require.Len(t, submitter.submitted, 2)

	// A second dispatch with no new events must not resubmit A/B: they
	// are no longer NOT_SUBMITTED (the scheduler would have flipped
	// their status on submission in a real run; simulate that here).
	require.NoError(t, server.SetJobStatus(wf.Nodes[1].JobID, domain.StatusQueuedActive))
	require.NoError(t, server.SetJobStatus(wf.Nodes[2].JobID, domain.StatusQueuedActive))
	submitter.submitted = nil
	require.NoError(t, d.Dispatch(nil, nil, submitter, flipper))
	assert.Empty(t, submitter.submitted)
}
