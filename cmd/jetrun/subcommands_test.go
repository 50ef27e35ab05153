package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

const sampleWorkflow = `
- name: fetch
  cmd: echo fetch
- name: build
  cmd: echo build
  after: [fetch]
`

func writeSavedRun(t *testing.T) string {
	t.Helper()
	g, err := workflow.New([]workflow.Task{
		{ID: "a", Directive: workflow.Directive{Cmd: "true"}},
		{ID: "b", Dependencies: []string{"a"}, Directive: workflow.Directive{Cmd: "false"}},
		{ID: "c", Dependencies: []string{"b"}, Directive: workflow.Directive{Cmd: "true"}},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if err := g.Dispatch("a", workflow.JobHandle{Backend: "local", ExternalID: "1"}); err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	if err := g.Complete("a", workflow.Result{}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := g.Dispatch("b", workflow.JobHandle{Backend: "local", ExternalID: "2"}); err != nil {
		t.Fatalf("dispatch b: %v", err)
	}
	if _, err := g.MarkFailed("b", workflow.Result{ExitCode: 1}); err != nil {
		t.Fatalf("fail b: %v", err)
	}
	path := filepath.Join(t.TempDir(), "state.json")
	if err := workflow.NewFileStore(path).Save("run-1", g); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func TestLoadGraphFromWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte(sampleWorkflow), 0o644); err != nil {
		t.Fatal(err)
	}
	lg, err := loadGraph(path, "", "")
	if err != nil {
		t.Fatalf("loadGraph: %v", err)
	}
	if lg.graph.Len() != 2 || lg.runID == "" || lg.snapshot != "" {
		t.Fatalf("unexpected load: len=%d id=%q snapshot=%q", lg.graph.Len(), lg.runID, lg.snapshot)
	}
}

func TestLoadGraphRequiresOneSource(t *testing.T) {
	if _, err := loadGraph("", "", ""); err == nil {
		t.Fatalf("expected error without a source")
	}
	if _, err := loadGraph("wf.yaml", "state.json", ""); err == nil {
		t.Fatalf("expected error with both sources")
	}
}

func TestLoadGraphRetryAndResume(t *testing.T) {
	path := writeSavedRun(t)

	lg, err := loadGraph("", path, "resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if lg.runID != "run-1" {
		t.Fatalf("resume should keep the run id, got %q", lg.runID)
	}
	if b, _ := lg.graph.Get("b"); b.Status != workflow.StatusFailed {
		t.Fatalf("resume must keep failed tasks, got %s", b.Status)
	}

	lg, err = loadGraph("", path, "retry")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	for id, want := range map[string]workflow.Status{"a": workflow.StatusComplete, "b": workflow.StatusPending, "c": workflow.StatusPending} {
		if task, _ := lg.graph.Get(id); task.Status != want {
			t.Fatalf("task %s: want %s, got %s", id, want, task.Status)
		}
	}

	lg, err = loadGraph("", path, "")
	if err != nil {
		t.Fatalf("default method: %v", err)
	}
	if b, _ := lg.graph.Get("b"); b.Status != workflow.StatusPending {
		t.Fatalf("default method should retry failed tasks, got %s", b.Status)
	}

	if _, err := loadGraph("", path, "redo"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	table(&buf, []string{"ID", "STATUS"}, [][]string{{"a-long-task", "complete"}, {"b", "failed"}})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", buf.String())
	}
	if !strings.Contains(lines[2], "b           ") {
		t.Fatalf("row not padded to widest cell: %q", lines[2])
	}
}
