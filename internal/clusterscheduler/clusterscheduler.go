// Package clusterscheduler implements the DRMAA-backed cluster
// scheduler of spec.md section 4.3: job and workflow submission,
// parallel-job attribute expansion, the status-refresh loop, and the
// stop/restart/kill/dispose control operations.
package clusterscheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/drmaa"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/internal/workflow"
	"github.com/flowsched/flowsched/pkg/config"
	"github.com/flowsched/flowsched/pkg/errors"
	"github.com/flowsched/flowsched/pkg/logger"
)

const refreshLivenessMisses = 5

// inFlight is the scheduler's in-memory record of a submitted job,
// dropped once the job reaches a terminal status and the refresh loop
// has harvested its exit info.
type inFlight struct {
	ownerUserID string
	drmaaID     string
}

// Scheduler is the cluster backend. One instance owns one in-memory
// table of in-flight jobs, guarded by a single lock, matching the
// concurrency model of spec.md section 5.
type Scheduler struct {
	mu sync.Mutex

	server  jobserver.Server
	session drmaa.Session
	disp    *workflow.Dispatcher
	logger  *logger.Logger

	cluster config.ClusterConfig

	refreshInterval time.Duration

	jobs map[string]*inFlight

	// templates caches the full JobTemplate for every workflow job
	// node this scheduler owns, so the dispatcher-triggered
	// SubmitReadyJobNode can resubmit it to DRMAA without
	// reconstructing argv from the Job Server's lossy command summary
	// (spec.md section 3 persists only a command-string summary).
	templates map[string]*domain.JobTemplate

	signalledTransfers map[string]struct{}

	cancel context.CancelFunc
}

// New constructs a Scheduler against the given Job Server and DRMAA session.
func New(server jobserver.Server, session drmaa.Session, cluster config.ClusterConfig, refreshInterval time.Duration) *Scheduler {
	return &Scheduler{
		server:             server,
		session:            session,
		disp:               workflow.New(server),
		logger:             logger.New().WithField("component", "cluster-scheduler"),
		cluster:            cluster,
		refreshInterval:    refreshInterval,
		jobs:               make(map[string]*inFlight),
		templates:          make(map[string]*domain.JobTemplate),
		signalledTransfers: make(map[string]struct{}),
	}
}

// Start launches the background status-refresh loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// StopLoop cancels the background status-refresh loop.
func (s *Scheduler) StopLoop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshTick()
		}
	}
}

// Submit implements spec.md section 4.3 "Submit (standalone job)".
func (s *Scheduler) Submit(ownerUserID string, tmpl *domain.JobTemplate) (string, error) {
	if err := tmpl.Validate(); err != nil {
		return "", errors.WrapJob("", "submit", err)
	}
	clone := tmpl.Clone()

	nonCustom := clone.StdoutPath == "" && clone.StderrPath == ""
	if nonCustom {
		var err error
		if clone.StdoutPath, err = s.server.GenerateLocalFilePath(ownerUserID, ""); err != nil {
			return "", err
		}
		if clone.StderrPath, err = s.server.GenerateLocalFilePath(ownerUserID, ""); err != nil {
			return "", err
		}
	}

	job := &domain.Job{
		OwnerUserID:      ownerUserID,
		WorkflowID:       domain.StandaloneWorkflowID,
		CustomSubmission: !nonCustom,
		CommandSummary:   strings.Join(clone.Command, " "),
		Name:             clone.Name,
		ExpirationDate:   domain.ExpirationFromDisposalTimeout(clone.DisposalTimeoutHours),
		StdoutPath:       clone.StdoutPath,
		StderrPath:       clone.StderrPath,
		WorkingDirectory: clone.WorkingDirectory,
		Parallel:         clone.Parallel,
		Priority:         clone.Priority,
		Barrier:          clone.Barrier,
	}
	jobID, err := s.server.AddJob(job)
	if err != nil {
		return "", err
	}
	if err := s.server.RegisterInputs(jobID, clone.ReferencedInputs); err != nil {
		return "", err
	}
	if err := s.server.RegisterOutputs(jobID, clone.ReferencedOutputs); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.jobs[jobID] = &inFlight{ownerUserID: ownerUserID}
	s.mu.Unlock()

	if err := s.submitToDRMAA(jobID, ownerUserID, clone); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// submitToDRMAA performs the actual DRMAA submission for a
// persisted job, per spec.md section 4.3's template assembly and
// "Parallel-job attribute expansion".
func (s *Scheduler) submitToDRMAA(jobID, ownerUserID string, tmpl *domain.JobTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.session.AllocateJobTemplate()
	if err != nil {
		return errors.WrapJob(jobID, "allocate-template", err)
	}
	defer s.session.DeleteJobTemplate(t)

	argv0 := ""
	var args []string
	if len(tmpl.Command) > 0 {
		argv0 = tmpl.Command[0]
		args = tmpl.Command[1:]
	}
	if err := s.session.SetCommand(t, argv0, args); err != nil {
		return errors.WrapJob(jobID, "set-command", err)
	}

	if tmpl.StdoutPath != "" {
		if err := s.session.SetAttribute(t, "drmaa_output_path", "[void]:"+tmpl.StdoutPath); err != nil {
			return errors.WrapJob(jobID, "set-stdout", err)
		}
	}
	if tmpl.JoinStderrToStdout {
		if err := s.session.SetAttribute(t, "drmaa_join_files", "y"); err != nil {
			return errors.WrapJob(jobID, "set-join-files", err)
		}
	} else if tmpl.StderrPath != "" {
		if err := s.session.SetAttribute(t, "drmaa_output_path_err", "[void]:"+tmpl.StderrPath); err != nil {
			return errors.WrapJob(jobID, "set-stderr", err)
		}
	}
	if tmpl.StdinPath != "" {
		if err := s.session.SetAttribute(t, "drmaa_input_path", tmpl.StdinPath); err != nil {
			return errors.WrapJob(jobID, "set-stdin", err)
		}
	}
	if tmpl.WorkingDirectory != "" {
		if err := s.session.SetAttribute(t, "drmaa_wd", tmpl.WorkingDirectory); err != nil {
			return errors.WrapJob(jobID, "set-wd", err)
		}
	}

	if tmpl.Parallel != nil {
		if err := s.applyParallelAttributesLocked(t, tmpl.Parallel); err != nil {
			return errors.WrapJob(jobID, "parallel-attributes", err)
		}
	}

	drmaaID, err := s.session.RunJob(t)
	if err != nil {
		return errors.WrapJob(jobID, "run-job", err)
	}
	if drmaaID == "" {
		s.logger.Error("DRMAA submission returned empty id", "jobID", jobID)
		return errors.WrapJob(jobID, "run-job", errors.ErrSubmissionFailed)
	}

	if err := s.server.SetSubmissionInformation(jobID, drmaaID, time.Now()); err != nil {
		return err
	}
	if err := s.server.SetJobStatus(jobID, domain.StatusQueuedActive); err != nil {
		return err
	}
	s.jobs[jobID] = &inFlight{ownerUserID: ownerUserID, drmaaID: drmaaID}
	return nil
}

// applyParallelAttributesLocked implements spec.md section 4.3
// "Parallel-job attribute expansion". Caller holds the lock.
func (s *Scheduler) applyParallelAttributesLocked(t drmaa.Template, p *domain.ParallelDescriptor) error {
	if len(s.cluster.ParallelConfigNames) == 0 {
		return errors.ErrMissingParallelConfig
	}
	clusterName, ok := s.cluster.ParallelConfigNames[p.ConfigurationName]
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownParallelConfig, p.ConfigurationName)
	}
	if len(s.cluster.ParallelAttributeTemplates) == 0 {
		return errors.ErrMissingParallelConfig
	}

	maxNode := fmt.Sprintf("%d", p.MaxNodeCount)
	for attr, tmplStr := range s.cluster.ParallelAttributeTemplates {
		value := strings.NewReplacer(
			"{config_name}", clusterName,
			"{max_node}", maxNode,
		).Replace(tmplStr)
		if err := s.session.SetAttribute(t, attr, value); err != nil {
			return err
		}
	}

	if len(s.cluster.ParallelJobEnv) > 0 {
		env := make([]string, 0, len(s.cluster.ParallelJobEnv))
		for _, key := range s.cluster.ParallelJobEnv {
			if v, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+strings.TrimRight(v, " \t"))
			}
		}
		if err := s.session.SetVectorAttribute(t, "drmaa_v_env", env); err != nil {
			return err
		}
	}
	return nil
}

// SubmitWorkflow implements spec.md section 4.3 "Workflow submission".
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
				CommandSummary:   strings.Join(n.Template.Command, " "),
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
			s.mu.Lock()
			s.templates[jobID] = n.Template
			s.jobs[jobID] = &inFlight{ownerUserID: ownerUserID}
			s.mu.Unlock()
		}
	}

	for _, src := range clone.SourceNodes() {
		n := clone.Nodes[src]
		if n.Kind == domain.NodeJob {
			if err := s.submitToDRMAA(n.JobID, ownerUserID, n.Template); err != nil {
				s.logger.Error("failed to submit source node", "node", n.Name, "error", err)
			}
		}
	}

	return clone, nil
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

// SubmitReadyJobNode implements workflow.JobSubmitter.
func (s *Scheduler) SubmitReadyJobNode(jobID string) error {
	s.mu.Lock()
	tmpl, ok := s.templates[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cluster scheduler: no cached template for job %s", jobID)
	}
	s.mu.Lock()
	ownerUserID := ""
	if inf, ok := s.jobs[jobID]; ok {
		ownerUserID = inf.ownerUserID
	}
	s.mu.Unlock()
	return s.submitToDRMAA(jobID, ownerUserID, tmpl)
}

// MarkTransferReady implements workflow.TransferFlipper.
func (s *Scheduler) MarkTransferReady(localPath string) error {
	return s.server.SetTransferStatus(localPath, domain.TransferReady)
}

// SignalTransferEnded records that a local transfer path has
// completed so the next refresh tick includes it in the dispatcher
// batch, per spec.md section 4.5's `signalTransferEnded`.
func (s *Scheduler) SignalTransferEnded(localPath string) {
	s.mu.Lock()
	s.signalledTransfers[localPath] = struct{}{}
	s.mu.Unlock()
}

// RefreshTick runs one iteration of the status-refresh loop, per
// spec.md section 4.3 "Status-refresh loop".
func (s *Scheduler) RefreshTick() {
	s.mu.Lock()

	var ended []string
	for jobID, inf := range s.jobs {
		if inf.drmaaID == "" {
			continue
		}
		status, err := s.session.Status(inf.drmaaID)
		if err != nil {
			s.logger.Error("failed to query DRMAA status", "jobID", jobID, "error", err)
			continue
		}
		if err := s.server.SetJobStatus(jobID, status); err != nil {
			s.logger.Error("failed to write status", "jobID", jobID, "error", err)
			continue
		}
		if status.IsTerminal() {
			result, err := s.session.Wait(inf.drmaaID)
			if err != nil {
				s.logger.Error("failed to harvest exit info", "jobID", jobID, "error", err)
			} else if err := s.server.SetJobExitInfo(jobID, domain.ExitInfo{
				Kind:              result.Kind,
				Value:             result.Value,
				TerminatingSignal: result.TerminatingSignal,
				ResourceUsage:     result.ResourceUsage,
			}); err != nil {
				s.logger.Error("failed to record exit info", "jobID", jobID, "error", err)
			}
			ended = append(ended, jobID)
		}
	}
	for _, jobID := range ended {
		delete(s.jobs, jobID)
	}

	var signalled []string
	for path := range s.signalledTransfers {
		signalled = append(signalled, path)
	}
	s.signalledTransfers = make(map[string]struct{})

	s.mu.Unlock()

	if len(ended) > 0 || len(signalled) > 0 {
		if err := s.disp.Dispatch(ended, signalled, s, s); err != nil {
			s.logger.Error("dispatch failed", "error", err)
		}
	}
}

// Stop implements spec.md section 4.3 "Control operations" `stop`.
func (s *Scheduler) Stop(jobID string) error {
	status, lastUpdate, err := s.server.GetJobStatus(jobID)
	if err != nil {
		return errors.WrapJob(jobID, "stop", errors.ErrUnknownJob)
	}
	drmaaID, err := s.server.GetDrmaaJobID(jobID)
	if err != nil {
		return err
	}

	switch status {
	case domain.StatusRunning:
		if err := s.session.Suspend(drmaaID); err != nil {
			return errors.WrapJob(jobID, "stop", err)
		}
	case domain.StatusQueuedActive:
		if err := s.session.Hold(drmaaID); err != nil {
			return errors.WrapJob(jobID, "stop", err)
		}
	default:
		return errors.WrapJob(jobID, "stop", errors.ErrNotRunning)
	}
	return s.waitForStatusUpdate(jobID, lastUpdate)
}

// Restart implements spec.md section 4.3 "Control operations" `restart`.
func (s *Scheduler) Restart(jobID string) error {
	status, lastUpdate, err := s.server.GetJobStatus(jobID)
	if err != nil {
		return errors.WrapJob(jobID, "restart", errors.ErrUnknownJob)
	}
	drmaaID, err := s.server.GetDrmaaJobID(jobID)
	if err != nil {
		return err
	}

	switch status {
	case domain.StatusUserSuspended, domain.StatusUserSystemSuspended:
		if err := s.session.Resume(drmaaID); err != nil {
			return errors.WrapJob(jobID, "restart", err)
		}
	case domain.StatusUserOnHold, domain.StatusUserSystemOnHold:
		if err := s.session.Release(drmaaID); err != nil {
			return errors.WrapJob(jobID, "restart", err)
		}
	default:
		return errors.WrapJob(jobID, "restart", errors.ErrNotRunning)
	}
	return s.waitForStatusUpdate(jobID, lastUpdate)
}

// Kill implements spec.md section 4.3 "Control operations" `kill`:
// idempotent on an already-terminal job.
func (s *Scheduler) Kill(jobID string) error {
	status, _, err := s.server.GetJobStatus(jobID)
	if err != nil {
		return errors.WrapJob(jobID, "kill", errors.ErrUnknownJob)
	}
	if status.IsTerminal() {
		return nil
	}

	drmaaID, err := s.server.GetDrmaaJobID(jobID)
	if err != nil {
		return err
	}
	if err := s.session.Terminate(drmaaID); err != nil {
		return errors.WrapJob(jobID, "kill", err)
	}
	if err := s.server.SetJobExitInfo(jobID, domain.ExitInfo{Kind: domain.ExitUserKilled}); err != nil {
		return err
	}
	if err := s.server.SetJobStatus(jobID, domain.StatusFailed); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return nil
}

// Dispose implements spec.md section 4.3 "Control operations" `dispose`.
func (s *Scheduler) Dispose(jobID string) error {
	if err := s.Kill(jobID); err != nil {
		return err
	}
	return s.server.DeleteJob(jobID)
}

// waitForStatusUpdate implements spec.md section 4.3
// "Wait-for-status-update": poll until the status is terminal or the
// last-status-update timestamp has advanced past issuedAt; fail after
// refreshLivenessMisses missed advances.
func (s *Scheduler) waitForStatusUpdate(jobID string, issuedAt time.Time) error {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for i := 0; i < refreshLivenessMisses; i++ {
		<-ticker.C
		status, lastUpdate, err := s.server.GetJobStatus(jobID)
		if err != nil {
			return err
		}
		if status.IsTerminal() || lastUpdate.After(issuedAt) {
			return nil
		}
	}
	return errors.WrapJob(jobID, "wait-for-status-update", errors.ErrRefreshStalled)
}
