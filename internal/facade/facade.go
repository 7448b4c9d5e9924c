// Package facade implements the per-user client-facing entry point of
// spec.md section 4.5: ownership-gated delegation to whichever
// scheduler backend (local or cluster) is configured, plus lazy
// file-handle caching for stdout/stderr reads and transfer file
// writes/reads.
package facade

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/pkg/errors"
	"github.com/flowsched/flowsched/pkg/logger"
)

// Backend is the operation surface both internal/localscheduler and
// internal/clusterscheduler expose, letting the facade hold either
// one behind a single field.
type Backend interface {
	Submit(ownerUserID string, tmpl *domain.JobTemplate) (string, error)
	SubmitWorkflow(ownerUserID string, wf *domain.Workflow) (*domain.Workflow, error)
	Stop(jobID string) error
	Restart(jobID string) error
	Kill(jobID string) error
	Dispose(jobID string) error
}

// transferSignaler is implemented by both backends but kept as a
// separate, narrower interface: it is consulted only by
// SignalTransferEnded, which is otherwise unrelated to Backend's
// job-control surface.
type transferSignaler interface {
	SignalTransferEnded(localPath string)
}

// refreshLivenessMisses bounds how many refresh intervals wait will
// poll a non-terminal job before concluding the refresh loop has
// stalled, per spec.md section 4.5's "ten-interval threshold".
const refreshLivenessMisses = 10

// streamHandle is a single cached, lazily-opened file used for
// line-oriented stdout/stderr reads or transfer file writes/reads.
type streamHandle struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	writer *bufio.Writer
}

func (h *streamHandle) close() error {
	var err error
	if h.writer != nil {
		err = h.writer.Flush()
	}
	if cerr := h.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Facade is the per-deployment client entry point. One Facade serves
// every user; ownership checks gate each operation against the
// caller-supplied userID.
type Facade struct {
	server          jobserver.Server
	backend         Backend
	refreshInterval time.Duration
	logger          *logger.Logger

	streamMu sync.Mutex
	streams  map[string]*streamHandle // keyed by localPath
}

// New constructs a Facade delegating to the given backend and Job
// Server, polling at refreshInterval for wait().
func New(server jobserver.Server, backend Backend, refreshInterval time.Duration) *Facade {
	return &Facade{
		server:          server,
		backend:         backend,
		refreshInterval: refreshInterval,
		logger:          logger.New().WithField("component", "facade"),
		streams:         make(map[string]*streamHandle),
	}
}

// --- transfers -------------------------------------------------------

// RegisterTransfer allocates a local staging path for remotePath and
// records it as not-ready-to-transfer, per spec.md section 4.2's
// standalone transfer registration path.
func (f *Facade) RegisterTransfer(ownerUserID, remotePath string, disposalTimeoutHours int) (string, error) {
	localPath, err := f.server.GenerateLocalFilePath(ownerUserID, remotePath)
	if err != nil {
		return "", err
	}
	t := &domain.Transfer{
		RemotePath:     remotePath,
		LocalPath:      localPath,
		OwnerUserID:    ownerUserID,
		ExpirationDate: domain.ExpirationFromDisposalTimeout(disposalTimeoutHours),
		Status:         domain.TransferNotReady,
		WorkflowID:     domain.StandaloneWorkflowID,
	}
	if err := f.server.AddTransfer(t); err != nil {
		return "", err
	}
	return localPath, nil
}

// WriteLine appends line to localPath's cached write handle, flushing
// immediately. The handle is opened (mode 0777, per spec.md section
// 4.5) on first use and kept open until EndTransfers or a read/write
// against a different path evicts it.
func (f *Facade) WriteLine(ownerUserID, localPath, line string) error {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return errors.ErrUnauthorized
	}
	f.streamMu.Lock()
	defer f.streamMu.Unlock()

	h, err := f.openForWriteLocked(localPath)
	if err != nil {
		return err
	}
	if _, err := h.writer.WriteString(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := h.writer.WriteString("\n"); err != nil {
			return err
		}
	}
	return h.writer.Flush()
}

// ReadLine returns the next line from localPath's cached read handle,
// opening it lazily on first use.
func (f *Facade) ReadLine(ownerUserID, localPath string) (string, error) {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return "", errors.ErrUnauthorized
	}
	f.streamMu.Lock()
	defer f.streamMu.Unlock()

	h, err := f.openForReadLocked(localPath)
	if err != nil {
		return "", err
	}
	line, err := h.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return trimNewline(line), nil
}

// EndTransfers closes every cached stream handle. Per spec.md section
// 4.5, this is the explicit close trigger alongside "path change".
func (f *Facade) EndTransfers(ownerUserID string) error {
	f.streamMu.Lock()
	defer f.streamMu.Unlock()

	var firstErr error
	for path, h := range f.streams {
		if !f.server.IsUserTransfer(ownerUserID, path) {
			continue
		}
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.streams, path)
	}
	return firstErr
}

// SetTransferStatus sets localPath's status after an ownership check.
func (f *Facade) SetTransferStatus(ownerUserID, localPath string, status domain.TransferStatus) error {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return errors.ErrUnauthorized
	}
	return f.server.SetTransferStatus(localPath, status)
}

// CancelTransfer removes a transfer registration outright.
func (f *Facade) CancelTransfer(ownerUserID, localPath string) error {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return errors.ErrUnauthorized
	}
	f.streamMu.Lock()
	f.evictLocked(localPath)
	f.streamMu.Unlock()
	return f.server.RemoveTransfer(localPath)
}

// SignalTransferEnded tells the backend to consider localPath at the
// next tick. It does not itself change the stored transfer status;
// callers pair it with SetTransferStatus, per spec.md section 8
// scenario 2.
func (f *Facade) SignalTransferEnded(ownerUserID, localPath string) error {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return errors.ErrUnauthorized
	}
	if signaler, ok := f.backend.(transferSignaler); ok {
		signaler.SignalTransferEnded(localPath)
	}
	return nil
}

// TransferStatus reports localPath's current status.
func (f *Facade) TransferStatus(ownerUserID, localPath string) (domain.TransferStatus, error) {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return "", errors.ErrUnauthorized
	}
	return f.server.GetTransferStatus(localPath)
}

// TransferInformation returns the transfer record and the workflow it
// belongs to (domain.StandaloneWorkflowID if none).
func (f *Facade) TransferInformation(ownerUserID, localPath string) (*domain.Transfer, int, error) {
	if !f.server.IsUserTransfer(ownerUserID, localPath) {
		return nil, 0, errors.ErrUnauthorized
	}
	return f.server.GetTransferInformation(localPath)
}

// Transfers lists every transfer the caller owns.
func (f *Facade) Transfers(ownerUserID string) ([]*domain.Transfer, error) {
	return f.server.GetTransfers(ownerUserID)
}

func (f *Facade) openForWriteLocked(localPath string) (*streamHandle, error) {
	if h, ok := f.streams[localPath]; ok && h.writer != nil {
		return h, nil
	}
	f.evictLocked(localPath)

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	if err := file.Chmod(0777); err != nil {
		file.Close()
		return nil, err
	}
	h := &streamHandle{path: localPath, file: file, writer: bufio.NewWriter(file)}
	f.streams[localPath] = h
	return h, nil
}

func (f *Facade) openForReadLocked(localPath string) (*streamHandle, error) {
	if h, ok := f.streams[localPath]; ok && h.reader != nil {
		return h, nil
	}
	f.evictLocked(localPath)

	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	h := &streamHandle{path: localPath, file: file, reader: bufio.NewReader(file)}
	f.streams[localPath] = h
	return h, nil
}

// evictLocked closes and drops any cached handle for path, so a
// change of direction (read after write, or a fresh open) never
// leaves a stale descriptor behind.
func (f *Facade) evictLocked(path string) {
	if h, ok := f.streams[path]; ok {
		h.close()
		delete(f.streams, path)
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

// --- jobs --------------------------------------------------------------

// Submit delegates to the configured backend; ownership has no
// meaning before the job exists, so there is nothing to gate here.
func (f *Facade) Submit(ownerUserID string, tmpl *domain.JobTemplate) (string, error) {
	return f.backend.Submit(ownerUserID, tmpl)
}

// Dispose deletes a job's record after confirming ownership, killing
// it first if still active.
func (f *Facade) Dispose(ownerUserID, jobID string) error {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return errors.ErrUnauthorized
	}
	return f.backend.Dispose(jobID)
}

// Jobs lists every job the caller owns.
func (f *Facade) Jobs(ownerUserID string) ([]*domain.Job, error) {
	return f.server.GetJobs(ownerUserID)
}

// Status reports a job's current status.
func (f *Facade) Status(ownerUserID, jobID string) (domain.JobStatus, error) {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return "", errors.ErrUnauthorized
	}
	status, _, err := f.server.GetJobStatus(jobID)
	return status, err
}

// ExitInformation returns the terminal exit record for jobID. It
// errors with ErrNotRunning if the job has not reached a terminal
// status yet.
func (f *Facade) ExitInformation(ownerUserID, jobID string) (domain.ExitInfo, error) {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return domain.ExitInfo{}, errors.ErrUnauthorized
	}
	job, err := f.server.GetJob(jobID)
	if err != nil {
		return domain.ExitInfo{}, err
	}
	if job.ExitInfo == nil {
		return domain.ExitInfo{}, errors.WrapJob(jobID, "exit-information", errors.ErrNotRunning)
	}
	return *job.ExitInfo, nil
}

// JobInformation returns the job's name, its command summary, and its
// submission time.
func (f *Facade) JobInformation(ownerUserID, jobID string) (name, command string, submittedAt time.Time, err error) {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return "", "", time.Time{}, errors.ErrUnauthorized
	}
	job, err := f.server.GetJob(jobID)
	if err != nil {
		return "", "", time.Time{}, err
	}
	var submission time.Time
	if job.SubmissionTime != nil {
		submission = *job.SubmissionTime
	}
	return job.Name, job.CommandSummary, submission, nil
}

// StdoutReadLine returns the next buffered line of jobID's stdout.
func (f *Facade) StdoutReadLine(ownerUserID, jobID string) (string, error) {
	return f.readJobStreamLine(ownerUserID, jobID, true)
}

// StderrReadLine returns the next buffered line of jobID's stderr.
func (f *Facade) StderrReadLine(ownerUserID, jobID string) (string, error) {
	return f.readJobStreamLine(ownerUserID, jobID, false)
}

func (f *Facade) readJobStreamLine(ownerUserID, jobID string, stdout bool) (string, error) {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return "", errors.ErrUnauthorized
	}
	stdoutPath, stderrPath, err := f.server.GetStdOutErrFilePath(jobID)
	if err != nil {
		return "", err
	}
	path := stderrPath
	if stdout {
		path = stdoutPath
	}
	if path == "" {
		return "", fmt.Errorf("job %s has no %s path recorded", jobID, streamName(stdout))
	}

	f.streamMu.Lock()
	defer f.streamMu.Unlock()
	h, err := f.openForReadLocked(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", io.EOF
		}
		return "", err
	}
	line, err := h.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return trimNewline(line), nil
}

func streamName(stdout bool) string {
	if stdout {
		return "stdout"
	}
	return "stderr"
}

// Wait polls getJobStatus at the refresh interval for every id in ids
// until each reaches a terminal status, or timeout elapses (timeout <
// 0 waits indefinitely). It fails with ErrRefreshStalled if a single
// id's status never advances across refreshLivenessMisses polls,
// mirroring the control-operation liveness guard of spec.md section
// 4.3.
func (f *Facade) Wait(ownerUserID string, ids []string, timeout time.Duration) error {
	for _, jobID := range ids {
		if !f.server.IsUserJob(ownerUserID, jobID) {
			return errors.ErrUnauthorized
		}
	}

	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	remaining := append([]string(nil), ids...)
	var lastObserved map[string]time.Time
	misses := map[string]int{}

	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for len(remaining) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("wait timed out with %d job(s) still pending", len(remaining))
		}

		next := remaining[:0]
		for _, jobID := range remaining {
			status, lastUpdate, err := f.server.GetJobStatus(jobID)
			if err != nil {
				return err
			}
			if status.IsTerminal() {
				continue
			}
			if lastObserved == nil {
				lastObserved = make(map[string]time.Time)
			}
			if prev, ok := lastObserved[jobID]; ok && !lastUpdate.After(prev) {
				misses[jobID]++
				if misses[jobID] >= refreshLivenessMisses {
					return errors.WrapJob(jobID, "wait", errors.ErrRefreshStalled)
				}
			} else {
				misses[jobID] = 0
			}
			lastObserved[jobID] = lastUpdate
			next = append(next, jobID)
		}
		remaining = next
		if len(remaining) == 0 {
			break
		}
		<-ticker.C
	}
	return nil
}

// Stop, Restart, and Kill delegate to the backend after an ownership
// check.
func (f *Facade) Stop(ownerUserID, jobID string) error {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return errors.ErrUnauthorized
	}
	return f.backend.Stop(jobID)
}

func (f *Facade) Restart(ownerUserID, jobID string) error {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return errors.ErrUnauthorized
	}
	return f.backend.Restart(jobID)
}

func (f *Facade) Kill(ownerUserID, jobID string) error {
	if !f.server.IsUserJob(ownerUserID, jobID) {
		return errors.ErrUnauthorized
	}
	return f.backend.Kill(jobID)
}

// --- workflows -----------------------------------------------------------

// SubmitWorkflow stamps wf's expiration date from disposalTimeoutHours
// and delegates to the backend.
func (f *Facade) SubmitWorkflow(ownerUserID string, wf *domain.Workflow, disposalTimeoutHours int) (*domain.Workflow, error) {
	wf.ExpirationDate = domain.ExpirationFromDisposalTimeout(disposalTimeoutHours)
	return f.backend.SubmitWorkflow(ownerUserID, wf)
}

// DisposeWorkflow implements spec.md section 9's resolution of the
// disposeWorkflow open question: refuse if not owner, else delete the
// workflow by id.
func (f *Facade) DisposeWorkflow(ownerUserID string, workflowID int) error {
	if !f.server.IsUserWorkflow(ownerUserID, workflowID) {
		return errors.ErrUnauthorized
	}
	return f.server.DeleteWorkflow(workflowID)
}

// Workflows lists every workflow the caller owns.
func (f *Facade) Workflows(ownerUserID string) ([]*domain.Workflow, error) {
	return f.server.GetWorkflows(ownerUserID)
}

// SubmittedWorkflow returns the current state of a submitted workflow.
func (f *Facade) SubmittedWorkflow(ownerUserID string, workflowID int) (*domain.Workflow, error) {
	if !f.server.IsUserWorkflow(ownerUserID, workflowID) {
		return nil, errors.ErrUnauthorized
	}
	return f.server.GetWorkflow(workflowID)
}
