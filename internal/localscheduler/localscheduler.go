// Package localscheduler implements the local process-pool backend of
// spec.md section 4.4: a FIFO queue with priority ordering, CPU-aware
// admission control, and direct process launch/kill, for sites with no
// DRMAA-capable cluster resource manager.
package localscheduler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/internal/workflow"
	"github.com/flowsched/flowsched/pkg/errors"
	"github.com/flowsched/flowsched/pkg/logger"
)

// queuedJob is the in-memory FIFO/priority-queue entry.
type queuedJob struct {
	jobID    string
	template *domain.JobTemplate
	priority int
	barrier  bool
}

// Scheduler is the local process-pool backend. One instance owns one
// queue and one table of live processes, guarded by a single mutex,
// matching the concurrency model of the cluster scheduler's
// Session-guarded table (spec.md section 5).
type Scheduler struct {
	mu sync.Mutex

	server jobserver.Server
	disp   *workflow.Dispatcher
	logger *logger.Logger

	queue   []*queuedJob
	running map[string]*launchedProcess

	// templates caches the full JobTemplate for every job this
	// scheduler owns, keyed by job id. The Job Server only persists a
	// command-string summary (spec.md section 3), so re-submission
	// triggered by the workflow dispatcher needs this in-memory copy
	// rather than reconstructing argv from the summary.
	templates map[string]*domain.JobTemplate

	// signalledTransfers holds paths reported via SignalTransferEnded
	// since the last tick, batched into the next dispatch the same way
	// clusterscheduler batches them into its next refresh tick.
	signalledTransfers map[string]struct{}

	procNb       int
	maxProcNb    int
	tickInterval time.Duration

	singleCPUIdleThreshold float64
	multiCPUIdleThreshold  float64
	sampler                *headroomSampler

	lastTick time.Time

	cancel context.CancelFunc
}

// Options configures a new Scheduler, mirroring config.LocalConfig.
type Options struct {
	ProcNb                 int
	MaxProcNb              int
	TickInterval           time.Duration
	SingleCPUIdleThreshold float64
	MultiCPUIdleThreshold  float64
	SampleMinInterval      time.Duration
}

// New constructs a Scheduler against the given Job Server.
func New(server jobserver.Server, opts Options) *Scheduler {
	return &Scheduler{
		server:                 server,
		disp:                   workflow.New(server),
		logger:                 logger.New().WithField("component", "local-scheduler"),
		running:                make(map[string]*launchedProcess),
		templates:              make(map[string]*domain.JobTemplate),
		signalledTransfers:     make(map[string]struct{}),
		procNb:                 opts.ProcNb,
		maxProcNb:              opts.MaxProcNb,
		tickInterval:           opts.TickInterval,
		singleCPUIdleThreshold: opts.SingleCPUIdleThreshold,
		multiCPUIdleThreshold:  opts.MultiCPUIdleThreshold,
		sampler:                newHeadroomSampler(opts.SampleMinInterval),
	}
}

// Start launches the background execution loop; it stops when ctx is
// cancelled or StopLoop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// StopLoop cancels the background execution loop.
func (s *Scheduler) StopLoop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	current := s.interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
			if d := s.interval(); d > 0 && d != current {
				ticker.Reset(d)
				current = d
			}
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickInterval
}

// SubmitReadyJobNode implements workflow.JobSubmitter so the shared
// dispatcher can hand this scheduler newly-ready workflow job nodes.
func (s *Scheduler) SubmitReadyJobNode(jobID string) error {
	s.mu.Lock()
	tmpl, ok := s.templates[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("local scheduler: no cached template for job %s", jobID)
	}
	return s.enqueue(jobID, tmpl)
}

// MarkTransferReady implements workflow.TransferFlipper.
func (s *Scheduler) MarkTransferReady(localPath string) error {
	return s.server.SetTransferStatus(localPath, domain.TransferReady)
}

// SignalTransferEnded records that an external agent finished writing
// localPath, so the next tick's dispatch considers any job nodes
// waiting on it. It does not itself change the transfer's status; the
// caller is still expected to call setTransferStatus separately.
func (s *Scheduler) SignalTransferEnded(localPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalledTransfers[localPath] = struct{}{}
}

// Submit ingests a new standalone job template, per spec.md section
// 4.4 "Submission": enqueue FIFO, stamp QUEUED_ACTIVE, stable-sort by
// descending priority. Barrier jobs are queued like any other job and
// moved to DONE by the next tick without running a process.
func (s *Scheduler) Submit(ownerUserID string, tmpl *domain.JobTemplate) (string, error) {
	if err := tmpl.Validate(); err != nil {
		return "", errors.WrapJob("", "submit", err)
	}
	clone := tmpl.Clone()

	job := &domain.Job{
		OwnerUserID:      ownerUserID,
		WorkflowID:       domain.StandaloneWorkflowID,
		CommandSummary:   joinSummary(clone.Command),
		Name:             clone.Name,
		ExpirationDate:   domain.ExpirationFromDisposalTimeout(clone.DisposalTimeoutHours),
		StdoutPath:       clone.StdoutPath,
		StderrPath:       clone.StderrPath,
		WorkingDirectory: clone.WorkingDirectory,
		Parallel:         clone.Parallel,
		Priority:         clone.Priority,
		Barrier:          clone.Barrier,
		CustomSubmission: clone.StdoutPath != "" || clone.StderrPath != "",
	}
	jobID, err := s.server.AddJob(job)
	if err != nil {
		return "", err
	}
	s.cacheTemplate(jobID, clone)
	if err := s.enqueue(jobID, clone); err != nil {
		return "", err
	}
	return jobID, nil
}

// SubmitWorkflow ingests a new workflow, per spec.md section 4.3's
// "Workflow submission" generalized to this backend: rewrite every job
// node's command/input/output/stdin tokens that reference a
// file-transfer node to that node's allocated local path, register
// each job node, and immediately enqueue every source job node while
// leaving source transfer nodes at their allocated readiness status.
func (s *Scheduler) SubmitWorkflow(ownerUserID string, wf *domain.Workflow) (*domain.Workflow, error) {
	clone := wf.Clone()
	clone.OwnerUserID = ownerUserID

	localPaths := make(map[string]string, len(clone.Nodes))
	for i, n := range clone.Nodes {
		switch n.Kind {
		case domain.NodeFileSending:
			path, err := s.server.GenerateLocalFilePath(ownerUserID, n.RemotePath)
			if err != nil {
				return nil, err
			}
			clone.Nodes[i].LocalPath = path
			localPaths[n.Name] = path
		case domain.NodeFileRetrieving:
			path, err := s.server.GenerateLocalFilePath(ownerUserID, n.RemotePath)
			if err != nil {
				return nil, err
			}
			clone.Nodes[i].LocalPath = path
			localPaths[n.Name] = path
		}
	}

	for _, n := range clone.Nodes {
		if n.Kind != domain.NodeJob || n.Template == nil {
			continue
		}
		rewriteTransferReferences(n.Template, localPaths)
	}

	workflowID, err := s.server.AddWorkflow(clone)
	if err != nil {
		return nil, err
	}
	clone.ID = workflowID

	for i, n := range clone.Nodes {
		switch n.Kind {
		case domain.NodeFileSending:
			if err := s.server.AddTransfer(&domain.Transfer{
				LocalPath:   n.LocalPath,
				OwnerUserID: ownerUserID,
				WorkflowID:  workflowID,
				Status:      domain.TransferReady,
			}); err != nil {
				return nil, err
			}
		case domain.NodeFileRetrieving:
			if err := s.server.AddTransfer(&domain.Transfer{
				LocalPath:   n.LocalPath,
				OwnerUserID: ownerUserID,
				WorkflowID:  workflowID,
				Status:      domain.TransferNotReady,
			}); err != nil {
				return nil, err
			}
		case domain.NodeJob:
			job := &domain.Job{
				OwnerUserID:      ownerUserID,
				WorkflowID:       workflowID,
				CommandSummary:   joinSummary(n.Template.Command),
				Name:             n.Template.Name,
				ExpirationDate:   domain.ExpirationFromDisposalTimeout(n.Template.DisposalTimeoutHours),
				StdoutPath:       n.Template.StdoutPath,
				StderrPath:       n.Template.StderrPath,
				WorkingDirectory: n.Template.WorkingDirectory,
				Parallel:         n.Template.Parallel,
				Priority:         n.Template.Priority,
				Barrier:          n.Template.Barrier,
			}
			jobID, err := s.server.AddJob(job)
			if err != nil {
				return nil, err
			}
			clone.Nodes[i].JobID = jobID
			s.cacheTemplate(jobID, n.Template)
		}
	}

	for _, src := range clone.SourceNodes() {
		n := clone.Nodes[src]
		if n.Kind == domain.NodeJob {
			if err := s.enqueue(n.JobID, s.templateFor(n.JobID)); err != nil {
				s.logger.Error("failed to enqueue source node", "node", n.Name, "error", err)
			}
		}
	}

	return clone, nil
}

func (s *Scheduler) cacheTemplate(jobID string, tmpl *domain.JobTemplate) {
	s.mu.Lock()
	s.templates[jobID] = tmpl
	s.mu.Unlock()
}

func (s *Scheduler) templateFor(jobID string) *domain.JobTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[jobID]
}

// rewriteTransferReferences replaces any command/input/output/stdin
// token matching a transfer node's logical name with that node's
// allocated local path, per spec.md section 4.3's token-rewrite rule.
func rewriteTransferReferences(tmpl *domain.JobTemplate, localPaths map[string]string) {
	rewrite := func(tokens []string) []string {
		for i, tok := range tokens {
			if path, ok := localPaths[tok]; ok {
				tokens[i] = path
			}
		}
		return tokens
	}
	tmpl.Command = rewrite(tmpl.Command)
	tmpl.ReferencedInputs = rewrite(tmpl.ReferencedInputs)
	tmpl.ReferencedOutputs = rewrite(tmpl.ReferencedOutputs)
	if path, ok := localPaths[tmpl.StdinPath]; ok {
		tmpl.StdinPath = path
	}
}

func (s *Scheduler) enqueue(jobID string, tmpl *domain.JobTemplate) error {
	if err := s.server.SetJobStatus(jobID, domain.StatusQueuedActive); err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = append(s.queue, &queuedJob{
		jobID:    jobID,
		template: tmpl,
		priority: tmpl.Priority,
		barrier:  tmpl.Barrier,
	})
	s.stableSortQueueLocked()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) stableSortQueueLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].priority > s.queue[j].priority
	})
}

// tick runs one iteration of the execution loop: reap, then schedule.
func (s *Scheduler) tick() {
	s.mu.Lock()
	endedJobIDs := s.reapLocked()
	endedJobIDs = append(endedJobIDs, s.scheduleLocked()...)
	s.lastTick = time.Now()

	var signalled []string
	for path := range s.signalledTransfers {
		signalled = append(signalled, path)
		delete(s.signalledTransfers, path)
	}
	s.mu.Unlock()

	if len(endedJobIDs) > 0 || len(signalled) > 0 {
		if err := s.disp.Dispatch(endedJobIDs, signalled, s, s); err != nil {
			s.logger.Error("dispatch failed", "error", err)
		}
	}
}

// reapLocked polls every live process; those that have exited move to
// DONE with their return code, and their handles are dropped.
func (s *Scheduler) reapLocked() []string {
	var ended []string
	for jobID, lp := range s.running {
		exited, code := lp.tryWait()
		if !exited {
			continue
		}
		delete(s.running, jobID)
		if err := s.server.SetJobExitInfo(jobID, domain.ExitInfo{
			Kind:  domain.ExitFinishedRegularly,
			Value: code,
		}); err != nil {
			s.logger.Error("failed to record exit info", "jobID", jobID, "error", err)
		}
		if err := s.server.SetJobStatus(jobID, domain.StatusDone); err != nil {
			s.logger.Error("failed to set terminal status", "jobID", jobID, "error", err)
		}
		ended = append(ended, jobID)
	}
	return ended
}

// scheduleLocked pops from the queue, admits what it can, and
// reinserts skipped jobs at the head preserving relative order, per
// spec.md section 4.4 "schedule". It returns the ids of jobs it moved
// straight to a terminal status (barrier jobs and failed launches).
func (s *Scheduler) scheduleLocked() []string {
	var skipped []*queuedJob
	var ended []string
	now := time.Now()

	for len(s.queue) > 0 {
		qj := s.queue[0]
		s.queue = s.queue[1:]

		if qj.barrier {
			s.completeBarrierLocked(qj.jobID)
			ended = append(ended, qj.jobID)
			continue
		}

		ncpu := cpuNeed(qj.template.Parallel)
		if !s.admitLocked(now, ncpu) {
			skipped = append(skipped, qj)
			if ncpu <= 1 {
				break
			}
			continue
		}

		if err := s.launchLocked(qj); err != nil {
			s.logger.Error("launch failed", "jobID", qj.jobID, "error", err)
			_ = s.server.SetJobExitInfo(qj.jobID, domain.ExitInfo{Kind: domain.ExitAborted})
			_ = s.server.SetJobStatus(qj.jobID, domain.StatusFailed)
			ended = append(ended, qj.jobID)
		}
	}

	if len(skipped) > 0 {
		s.queue = append(skipped, s.queue...)
	}
	return ended
}

func (s *Scheduler) completeBarrierLocked(jobID string) {
	_ = s.server.SetJobExitInfo(jobID, domain.ExitInfo{Kind: domain.ExitFinishedRegularly, Value: 0})
	_ = s.server.SetJobStatus(jobID, domain.StatusDone)
}

// admitLocked implements spec.md section 4.4 "Admission control".
func (s *Scheduler) admitLocked(now time.Time, ncpu int) bool {
	n := 0
	for _, lp := range s.running {
		n += lp.cpuNeed
	}
	if n+ncpu <= s.procNb {
		return true
	}

	ceiling := s.maxProcNb
	if ceiling == 0 {
		if _, cpuCount, ok := s.sampler.sample(now); ok {
			ceiling = cpuCount
		} else {
			ceiling = runtime.NumCPU() // no telemetry: fall back to the host's own cpu count.
		}
	}
	if n+ncpu > ceiling {
		return false
	}

	return s.sampler.admit(now, ncpu, s.singleCPUIdleThreshold, s.multiCPUIdleThreshold)
}

func (s *Scheduler) launchLocked(qj *queuedJob) error {
	lp, err := launchProcess(qj.jobID, qj.template)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrLaunchFailed, err)
	}
	lp.cpuNeed = cpuNeed(qj.template.Parallel)
	s.running[qj.jobID] = lp

	if err := s.server.SetSubmissionInformation(qj.jobID, "", time.Now()); err != nil {
		s.logger.Error("failed to record submission information", "jobID", qj.jobID, "error", err)
	}
	return s.server.SetJobStatus(qj.jobID, domain.StatusRunning)
}

// Kill implements spec.md section 4.4 "Kill". It is idempotent:
// calling it on a job that is neither running nor queued is a no-op.
func (s *Scheduler) Kill(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lp, ok := s.running[jobID]; ok {
		delete(s.running, jobID)
		if err := lp.kill(); err != nil {
			return err
		}
		_ = s.server.SetJobExitInfo(jobID, domain.ExitInfo{Kind: domain.ExitUserKilled})
		return s.server.SetJobStatus(jobID, domain.StatusFailed)
	}

	for i, qj := range s.queue {
		if qj.jobID == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			_ = s.server.SetJobExitInfo(jobID, domain.ExitInfo{Kind: domain.ExitAborted})
			return s.server.SetJobStatus(jobID, domain.StatusFailed)
		}
	}

	return nil
}

// Dispose implements spec.md section 4.3's `dispose`, generalized to
// this backend: kill then delete the Job Server record.
func (s *Scheduler) Dispose(jobID string) error {
	if err := s.Kill(jobID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.templates, jobID)
	s.mu.Unlock()
	return s.server.DeleteJob(jobID)
}

// Stop and Restart have no equivalent on the local backend: there is
// no DRMAA suspend/hold to back them, so the facade's stop/restart are
// cluster-only operations against this backend.
func (s *Scheduler) Stop(jobID string) error {
	return errors.WrapJob(jobID, "stop", errors.ErrUnsupportedOperation)
}

func (s *Scheduler) Restart(jobID string) error {
	return errors.WrapJob(jobID, "restart", errors.ErrUnsupportedOperation)
}

// SetProcNb, SetMaxProcNb, and SetInterval implement spec.md section
// 4.4 "Reconfiguration": proc_nb, max_proc_nb, and tick interval are
// runtime-mutable under the lock.
func (s *Scheduler) SetProcNb(n int) {
	s.mu.Lock()
	s.procNb = n
	s.mu.Unlock()
}

func (s *Scheduler) SetMaxProcNb(n int) {
	s.mu.Lock()
	s.maxProcNb = n
	s.mu.Unlock()
}

func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	s.tickInterval = d
	s.mu.Unlock()
}

func cpuNeed(p *domain.ParallelDescriptor) int {
	if p == nil {
		return 1
	}
	n := p.NodesNumber * p.CPUPerNode
	if n <= 0 {
		return 1
	}
	return n
}

func joinSummary(command []string) string {
	out := ""
	for i, c := range command {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out
}
