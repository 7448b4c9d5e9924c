package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/facade"
	"github.com/flowsched/flowsched/internal/jobserver"
)

// nodeFile/dependencyFile/workflowFile mirror domain.Node/Dependency/
// Workflow's client-supplied fields, the same way jobTemplateFile
// mirrors domain.JobTemplate for the single-job submit command.
type nodeFile struct {
	Name       string           `yaml:"name"`
	Kind       string           `yaml:"kind"` // "job", "file-sending", or "file-retrieving"
	Template   *jobTemplateFile `yaml:"template,omitempty"`
	RemotePath string           `yaml:"remote_path,omitempty"`
}

type dependencyFile struct {
	Predecessor int `yaml:"predecessor"`
	Successor   int `yaml:"successor"`
}

type workflowFile struct {
	Nodes        []nodeFile       `yaml:"nodes"`
	Dependencies []dependencyFile `yaml:"dependencies"`
}

func (w workflowFile) toDomain() (*domain.Workflow, error) {
	wf := &domain.Workflow{
		Nodes:        make([]domain.Node, len(w.Nodes)),
		Dependencies: make([]domain.Dependency, len(w.Dependencies)),
	}
	for i, n := range w.Nodes {
		node := domain.Node{Name: n.Name, RemotePath: n.RemotePath}
		switch n.Kind {
		case "job":
			if n.Template == nil {
				return nil, fmt.Errorf("node %q: kind job requires a template", n.Name)
			}
			node.Kind = domain.NodeJob
			node.Template = n.Template.toDomain()
		case "file-sending":
			node.Kind = domain.NodeFileSending
		case "file-retrieving":
			node.Kind = domain.NodeFileRetrieving
		default:
			return nil, fmt.Errorf("node %q: unknown kind %q", n.Name, n.Kind)
		}
		wf.Nodes[i] = node
	}
	for i, d := range w.Dependencies {
		wf.Dependencies[i] = domain.Dependency{Predecessor: d.Predecessor, Successor: d.Successor}
	}
	return wf, nil
}

var (
	submitWorkflowUser    string
	submitWorkflowTimeout time.Duration
)

func newSubmitWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit-workflow <workflow.yaml>",
		Short: "Submit a workflow DAG, run it to completion, and report final node statuses",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitWorkflow,
	}
	cmd.Flags().StringVar(&submitWorkflowUser, "user", "cli", "owner user id recorded on the submitted workflow")
	cmd.Flags().DurationVar(&submitWorkflowTimeout, "timeout", -1, "how long to wait for every job node to finish (negative waits indefinitely)")
	return cmd
}

func runSubmitWorkflow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read workflow: %w", err)
	}
	var wfFile workflowFile
	if err := yaml.Unmarshal(data, &wfFile); err != nil {
		return fmt.Errorf("failed to parse workflow: %w", err)
	}
	wf, err := wfFile.toDomain()
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Staging.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory %s: %w", cfg.Staging.Directory, err)
	}

	server := jobserver.NewInMemoryServer(cfg.Staging.Directory)
	log := newServeLogger(*cfg)
	backend, stopBackend, err := buildBackend(*cfg, server, log)
	if err != nil {
		return err
	}
	defer stopBackend()

	f := facade.New(server, backend, cfg.Scheduler.RefreshInterval)

	submitted, err := f.SubmitWorkflow(submitWorkflowUser, wf, 0)
	if err != nil {
		return fmt.Errorf("submit-workflow failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted workflow %d with %d node(s)\n", submitted.ID, len(submitted.Nodes))

	var jobIDs []string
	for _, n := range submitted.Nodes {
		if n.Kind == domain.NodeJob {
			jobIDs = append(jobIDs, n.JobID)
		}
	}
	if len(jobIDs) == 0 {
		return nil
	}

	if err := f.Wait(submitWorkflowUser, jobIDs, submitWorkflowTimeout); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}

	for _, n := range submitted.Nodes {
		if n.Kind != domain.NodeJob {
			continue
		}
		status, err := f.Status(submitWorkflowUser, n.JobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", n.Name, n.JobID, status)
	}
	return nil
}
