// Package workflow implements the dependency-driven readiness logic
// shared by both schedulers (spec.md section 4.3 "Workflow dispatcher
// (shared logic)"). It knows nothing about DRMAA or local processes;
// it is handed a JobSubmitter to invoke for ready job nodes and a
// TransferFlipper to invoke for ready transfer nodes, so the cluster
// and local schedulers can reuse the exact same readiness evaluation.
package workflow

import (
	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/jobserver"
	"github.com/flowsched/flowsched/pkg/logger"
)

// JobSubmitter submits a job node that the dispatcher has determined
// is ready. Implemented by each scheduler's own submission path.
type JobSubmitter interface {
	SubmitReadyJobNode(jobID string) error
}

// TransferFlipper flips a ready file-transfer node's status to
// READY_TO_TRANSFER, handing it off to the external transfer agent.
type TransferFlipper interface {
	MarkTransferReady(localPath string) error
}

// Dispatcher evaluates workflow readiness per spec.md section 4.3 and
// dispatches newly-ready nodes. It holds no workflow state itself —
// everything it needs comes from the Job Server — so a single
// Dispatcher can serve both schedulers.
type Dispatcher struct {
	server jobserver.Server
	logger *logger.Logger
}

// New creates a Dispatcher backed by the given Job Server.
func New(server jobserver.Server) *Dispatcher {
	return &Dispatcher{
		server: server,
		logger: logger.New().WithField("component", "dispatcher"),
	}
}

// Dispatch is invoked once per refresh tick with the batch of newly
// terminal job ids and the batch of local transfer paths that just
// completed. It implements spec.md section 4.3 steps (i)-(iii):
// collect affected workflows, evaluate readiness for every
// to-inspect node exactly once, then submit/flip every ready node.
func (d *Dispatcher) Dispatch(endedJobIDs []string, endedTransferPaths []string, submitter JobSubmitter, flipper TransferFlipper) error {
	affected := make(map[int]struct{})

	for _, jobID := range endedJobIDs {
		job, err := d.server.GetJob(jobID)
		if err != nil {
			continue
		}
		if job.WorkflowID != domain.StandaloneWorkflowID {
			affected[job.WorkflowID] = struct{}{}
		}
	}
	for _, path := range endedTransferPaths {
		_, workflowID, err := d.server.GetTransferInformation(path)
		if err != nil {
			continue
		}
		if workflowID != domain.StandaloneWorkflowID {
			affected[workflowID] = struct{}{}
		}
	}

	for workflowID := range affected {
		if err := d.dispatchWorkflow(workflowID, submitter, flipper); err != nil {
			d.logger.Error("failed to dispatch workflow", "workflowID", workflowID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchWorkflow(workflowID int, submitter JobSubmitter, flipper TransferFlipper) error {
	wf, err := d.server.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	// Snapshot completion state for every node once, so readiness for
	// this dispatch is computed from a single consistent view (spec.md
	// section 5: "readiness is computed from a consistent snapshot of
	// statuses taken during that tick").
	completed := make([]bool, len(wf.Nodes))
	for i, n := range wf.Nodes {
		completed[i] = d.isComplete(n)
	}

	var ready []int
	for i, n := range wf.Nodes {
		if !d.toInspect(n) {
			continue
		}
		if d.allPredecessorsComplete(wf, i, completed) {
			ready = append(ready, i)
		}
	}

	for _, i := range ready {
		n := wf.Nodes[i]
		switch n.Kind {
		case domain.NodeJob:
			if err := submitter.SubmitReadyJobNode(n.JobID); err != nil {
				d.logger.Error("failed to submit ready workflow job node", "workflowID", workflowID, "node", n.Name, "error", err)
			}
		case domain.NodeFileSending, domain.NodeFileRetrieving:
			if err := flipper.MarkTransferReady(n.LocalPath); err != nil {
				d.logger.Error("failed to mark transfer ready", "workflowID", workflowID, "node", n.Name, "error", err)
			}
		}
	}
	return nil
}

// toInspect reports whether a node is still awaiting its readiness
// check: a job node in NOT_SUBMITTED, or a transfer node in
// TRANSFER_NOT_READY.
func (d *Dispatcher) toInspect(n domain.Node) bool {
	switch n.Kind {
	case domain.NodeJob:
		status, _, err := d.server.GetJobStatus(n.JobID)
		return err == nil && status == domain.StatusNotSubmitted
	case domain.NodeFileSending, domain.NodeFileRetrieving:
		status, err := d.server.GetTransferStatus(n.LocalPath)
		return err == nil && status == domain.TransferNotReady
	default:
		return false
	}
}

// isComplete implements spec.md section 4.3's completion rule: a job
// node is complete once DONE or FAILED; a file-sending node once
// TRANSFERED; a file-retrieving node once READY_TO_TRANSFER (handed
// off, not necessarily delivered).
func (d *Dispatcher) isComplete(n domain.Node) bool {
	switch n.Kind {
	case domain.NodeJob:
		status, _, err := d.server.GetJobStatus(n.JobID)
		return err == nil && status.IsTerminal()
	case domain.NodeFileSending:
		status, err := d.server.GetTransferStatus(n.LocalPath)
		return err == nil && status == domain.TransferTransfered
	case domain.NodeFileRetrieving:
		status, err := d.server.GetTransferStatus(n.LocalPath)
		return err == nil && status == domain.TransferReady
	default:
		return false
	}
}

func (d *Dispatcher) allPredecessorsComplete(wf *domain.Workflow, nodeIdx int, completed []bool) bool {
	for _, pred := range wf.Predecessors(nodeIdx) {
		if !completed[pred] {
			return false
		}
	}
	return true
}
