package jobserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsched/flowsched/internal/domain"
)

func TestGenerateLocalFilePath_DistinctPerCall(t *testing.T) {
	s := NewInMemoryServer("/staging")

	userID := "alice"
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		path, err := s.GenerateLocalFilePath(userID, "remote.dat")
		require.NoError(t, err)
		assert.False(t, seen[path], "path %s generated twice", path)
		seen[path] = true
	}
}

func TestAddJob_RoundTripsStatusAndOwnership(t *testing.T) {
	s := NewInMemoryServer("/staging")

	job := &domain.Job{
		OwnerUserID:    "alice",
		WorkflowID:     domain.StandaloneWorkflowID,
		ExpirationDate: time.Now().Add(24 * time.Hour),
	}
	id, err := s.AddJob(job)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotSubmitted, got.Status)

	assert.True(t, s.IsUserJob("alice", id))
	assert.False(t, s.IsUserJob("bob", id))
}

func TestSetJobStatus_UpdatesTimestamp(t *testing.T) {
	s := NewInMemoryServer("/staging")
	id, err := s.AddJob(&domain.Job{OwnerUserID: "alice"})
	require.NoError(t, err)

	_, before, err := s.GetJobStatus(id)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, s.SetJobStatus(id, domain.StatusRunning))

	status, after, err := s.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status)
	assert.True(t, after.After(before))
}

func TestPrune_RemovesExpiredEntriesOnly(t *testing.T) {
	s := NewInMemoryServer("/staging")
	now := time.Now()

	expiredID, _ := s.AddJob(&domain.Job{OwnerUserID: "alice", ExpirationDate: now.Add(-time.Hour)})
	liveID, _ := s.AddJob(&domain.Job{OwnerUserID: "alice", ExpirationDate: now.Add(time.Hour)})

	removedJobs, _, _ := s.Prune(now)
	assert.Equal(t, 1, removedJobs)

	_, err := s.GetJob(expiredID)
	assert.Error(t, err)
	_, err = s.GetJob(liveID)
	assert.NoError(t, err)
}

func TestGetTransferInformation_ReportsWorkflow(t *testing.T) {
	s := NewInMemoryServer("/staging")
	require.NoError(t, s.AddTransfer(&domain.Transfer{
		LocalPath:   "/staging/a",
		OwnerUserID: "alice",
		WorkflowID:  7,
		Status:      domain.TransferNotReady,
	}))

	_, wfID, err := s.GetTransferInformation("/staging/a")
	require.NoError(t, err)
	assert.Equal(t, 7, wfID)
}
