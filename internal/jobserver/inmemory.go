package jobserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/pkg/logger"
)

// InMemoryServer is a mutex-guarded, process-lifetime-only Server
// adapter. It is grounded on the teacher's SimpleJobStore/
// SimpleVolumeStore shape: one map per entity, one RWMutex, no
// external persistence. Production deployments would swap in a
// durable adapter behind the same Server interface; spec.md places
// strong durability out of scope for the core.
type InMemoryServer struct {
	mu sync.RWMutex

	usersByLogin map[string]string // login -> userID
	jobs         map[string]*domain.Job
	transfers    map[string]*domain.Transfer // localPath -> Transfer
	workflows    map[int]*domain.Workflow
	nextWorkflow int

	stagingDir string
	logger     *logger.Logger
}

// NewInMemoryServer creates an empty InMemoryServer. stagingDir seeds
// generated local file paths.
func NewInMemoryServer(stagingDir string) *InMemoryServer {
	return &InMemoryServer{
		usersByLogin: make(map[string]string),
		jobs:         make(map[string]*domain.Job),
		transfers:    make(map[string]*domain.Transfer),
		workflows:    make(map[int]*domain.Workflow),
		stagingDir:   stagingDir,
		logger:       logger.New().WithField("component", "jobserver"),
	}
}

func (s *InMemoryServer) RegisterUser(login string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usersByLogin[login]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.usersByLogin[login] = id
	return id, nil
}

func (s *InMemoryServer) AddJob(job *domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.StatusNotSubmitted
	}
	job.LastStatusUpdate = time.Now()
	s.jobs[job.ID] = job
	return job.ID, nil
}

func (s *InMemoryServer) GetJob(jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, errNotFound)
	}
	copy := *job
	return &copy, nil
}

func (s *InMemoryServer) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *InMemoryServer) GetJobs(userID string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.OwnerUserID == userID {
			copy := *j
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *InMemoryServer) GenerateLocalFilePath(userID, remote string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := remote
	if base == "" {
		base = "file"
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s/%s-%s-%s", s.stagingDir, userID, uuid.NewString(), base), nil
}

func (s *InMemoryServer) AddTransfer(t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transfers[t.LocalPath]; exists {
		return fmt.Errorf("transfer %s: %w", t.LocalPath, errAlreadyExists)
	}
	s.transfers[t.LocalPath] = t
	return nil
}

func (s *InMemoryServer) RemoveTransfer(localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transfers, localPath)
	return nil
}

func (s *InMemoryServer) SetTransferStatus(localPath string, status domain.TransferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[localPath]
	if !ok {
		return fmt.Errorf("transfer %s: %w", localPath, errNotFound)
	}
	t.Status = status
	return nil
}

func (s *InMemoryServer) GetTransferStatus(localPath string) (domain.TransferStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[localPath]
	if !ok {
		return "", fmt.Errorf("transfer %s: %w", localPath, errNotFound)
	}
	return t.Status, nil
}

func (s *InMemoryServer) GetTransferInformation(localPath string) (*domain.Transfer, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[localPath]
	if !ok {
		return nil, domain.StandaloneWorkflowID, fmt.Errorf("transfer %s: %w", localPath, errNotFound)
	}
	copy := *t
	return &copy, t.WorkflowID, nil
}

func (s *InMemoryServer) GetTransfers(userID string) ([]*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Transfer
	for _, t := range s.transfers {
		if t.OwnerUserID == userID {
			copy := *t
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *InMemoryServer) AddWorkflow(wf *domain.Workflow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWorkflow++
	wf.ID = s.nextWorkflow
	s.workflows[wf.ID] = wf
	return wf.ID, nil
}

func (s *InMemoryServer) SetWorkflow(wf *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return fmt.Errorf("workflow %d: %w", wf.ID, errNotFound)
	}
	s.workflows[wf.ID] = wf
	return nil
}

func (s *InMemoryServer) DeleteWorkflow(workflowID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, workflowID)
	return nil
}

func (s *InMemoryServer) GetWorkflow(workflowID int) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %d: %w", workflowID, errNotFound)
	}
	return wf.Clone(), nil
}

func (s *InMemoryServer) GetWorkflows(userID string) ([]*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Workflow
	for _, wf := range s.workflows {
		if wf.OwnerUserID == userID {
			out = append(out, wf.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryServer) RegisterInputs(jobID string, paths []string) error {
	return s.touchJob(jobID, func(j *domain.Job) {})
}

func (s *InMemoryServer) RegisterOutputs(jobID string, paths []string) error {
	return s.touchJob(jobID, func(j *domain.Job) {})
}

func (s *InMemoryServer) SetSubmissionInformation(jobID, drmaaID string, submittedAt time.Time) error {
	return s.touchJob(jobID, func(j *domain.Job) {
		j.DrmaaID = drmaaID
		t := submittedAt
		j.SubmissionTime = &t
	})
}

func (s *InMemoryServer) SetJobStatus(jobID string, status domain.JobStatus) error {
	return s.touchJob(jobID, func(j *domain.Job) {
		j.Status = status
		j.LastStatusUpdate = time.Now()
	})
}

func (s *InMemoryServer) GetJobStatus(jobID string) (domain.JobStatus, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("job %s: %w", jobID, errNotFound)
	}
	return j.Status, j.LastStatusUpdate, nil
}

func (s *InMemoryServer) SetJobExitInfo(jobID string, info domain.ExitInfo) error {
	return s.touchJob(jobID, func(j *domain.Job) {
		infoCopy := info
		j.ExitInfo = &infoCopy
	})
}

func (s *InMemoryServer) GetDrmaaJobID(jobID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("job %s: %w", jobID, errNotFound)
	}
	return j.DrmaaID, nil
}

func (s *InMemoryServer) IsUserJob(userID, jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return ok && j.OwnerUserID == userID
}

func (s *InMemoryServer) IsUserTransfer(userID, localPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[localPath]
	return ok && t.OwnerUserID == userID
}

func (s *InMemoryServer) IsUserWorkflow(userID string, workflowID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	return ok && wf.OwnerUserID == userID
}

func (s *InMemoryServer) GetStdOutErrFilePath(jobID string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", "", fmt.Errorf("job %s: %w", jobID, errNotFound)
	}
	return j.StdoutPath, j.StderrPath, nil
}

// Prune removes jobs, transfers, and workflows whose expiration date
// is at or before now.
func (s *InMemoryServer) Prune(now time.Time) (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedJobs := 0
	for id, j := range s.jobs {
		if !j.ExpirationDate.IsZero() && !j.ExpirationDate.After(now) {
			delete(s.jobs, id)
			removedJobs++
		}
	}
	removedTransfers := 0
	for path, t := range s.transfers {
		if !t.ExpirationDate.IsZero() && !t.ExpirationDate.After(now) {
			delete(s.transfers, path)
			removedTransfers++
		}
	}
	removedWorkflows := 0
	for id, wf := range s.workflows {
		if !wf.ExpirationDate.IsZero() && !wf.ExpirationDate.After(now) {
			delete(s.workflows, id)
			removedWorkflows++
		}
	}
	return removedJobs, removedTransfers, removedWorkflows
}

func (s *InMemoryServer) touchJob(jobID string, mutate func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, errNotFound)
	}
	mutate(j)
	return nil
}
