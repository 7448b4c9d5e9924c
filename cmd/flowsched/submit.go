package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowsched/flowsched/internal/domain"
	"github.com/flowsched/flowsched/internal/facade"
	"github.com/flowsched/flowsched/internal/jobserver"
)

// jobTemplateFile is the on-disk YAML shape accepted by `submit`,
// mirroring domain.JobTemplate's client-supplied fields.
type jobTemplateFile struct {
	Command            []string          `yaml:"command"`
	StdinPath          string            `yaml:"stdin_path"`
	StdoutPath         string            `yaml:"stdout_path"`
	StderrPath         string            `yaml:"stderr_path"`
	JoinStderrToStdout bool              `yaml:"join_stderr_to_stdout"`
	WorkingDirectory   string            `yaml:"working_directory"`
	Name               string            `yaml:"name"`
	Description        string            `yaml:"description"`
	Environment        map[string]string `yaml:"environment"`
	Priority           int               `yaml:"priority"`
	Barrier            bool              `yaml:"barrier"`
}

func (f jobTemplateFile) toDomain() *domain.JobTemplate {
	return &domain.JobTemplate{
		Command:            f.Command,
		StdinPath:          f.StdinPath,
		StdoutPath:         f.StdoutPath,
		StderrPath:         f.StderrPath,
		JoinStderrToStdout: f.JoinStderrToStdout,
		WorkingDirectory:   f.WorkingDirectory,
		Name:               f.Name,
		Description:        f.Description,
		Environment:        f.Environment,
		Priority:           f.Priority,
		Barrier:            f.Barrier,
	}
}

var (
	submitUser    string
	submitTimeout time.Duration
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <job-template.yaml>",
		Short: "Submit a single job, run it to completion, and report its outcome",
		Long: `Loads a JobTemplate from a YAML file, starts a scheduler backend
in this process, submits the job through the facade, waits for it to
reach a terminal state, and prints its exit information as JSON.

Since flowsched has no client/RPC transport, this command is a
self-contained run: it owns the Job Server and backend for the
lifetime of the process rather than talking to one started by
'flowsched serve'.`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}
	cmd.Flags().StringVar(&submitUser, "user", "cli", "owner user id recorded on the submitted job")
	cmd.Flags().DurationVar(&submitTimeout, "timeout", -1, "how long to wait for completion (negative waits indefinitely)")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read job template: %w", err)
	}
	var tf jobTemplateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("failed to parse job template: %w", err)
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

	jobID, err := f.Submit(submitUser, tf.toDomain())
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted job %s\n", jobID)

	if err := f.Wait(submitUser, []string{jobID}, submitTimeout); err != nil {
		return fmt.Errorf("wait failed: %w", err)
	}

	exitInfo, err := f.ExitInformation(submitUser, jobID)
	if err != nil {
		return fmt.Errorf("exit information unavailable: %w", err)
	}
	out, err := json.MarshalIndent(exitInfo, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
