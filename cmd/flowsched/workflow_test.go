package main

import (
	"testing"

	"github.com/flowsched/flowsched/internal/domain"
)

func TestWorkflowFile_ToDomain(t *testing.T) {
	wf := workflowFile{
		Nodes: []nodeFile{
			{Name: "FS", Kind: "file-sending", RemotePath: "remote/in.csv"},
			{Name: "A", Kind: "job", Template: &jobTemplateFile{Command: []string{"echo", "a"}}},
		},
		Dependencies: []dependencyFile{{Predecessor: 0, Successor: 1}},
	}

	out, err := wf.toDomain()
	if err != nil {
		t.Fatalf("toDomain() error = %v", err)
	}
	if len(out.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(out.Nodes))
	}
	if out.Nodes[0].Kind != domain.NodeFileSending {
		t.Errorf("expected node 0 to be file-sending, got %v", out.Nodes[0].Kind)
	}
	if out.Nodes[1].Kind != domain.NodeJob || out.Nodes[1].Template == nil {
		t.Fatalf("expected node 1 to be a job with a template, got %+v", out.Nodes[1])
	}
	if len(out.Nodes[1].Template.Command) != 2 {
		t.Errorf("expected template command to round-trip, got %v", out.Nodes[1].Template.Command)
	}
	if len(out.Dependencies) != 1 || out.Dependencies[0].Predecessor != 0 || out.Dependencies[0].Successor != 1 {
		t.Errorf("unexpected dependencies: %+v", out.Dependencies)
	}
}

func TestWorkflowFile_ToDomain_UnknownKind(t *testing.T) {
	wf := workflowFile{Nodes: []nodeFile{{Name: "X", Kind: "bogus"}}}
	if _, err := wf.toDomain(); err == nil {
		t.Fatal("expected an error for an unknown node kind")
	}
}

func TestWorkflowFile_ToDomain_JobWithoutTemplate(t *testing.T) {
	wf := workflowFile{Nodes: []nodeFile{{Name: "A", Kind: "job"}}}
	if _, err := wf.toDomain(); err == nil {
		t.Fatal("expected an error for a job node without a template")
	}
}
