package workflow

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g := mustGraph(t,
		Task{ID: "a", Directive: Directive{Cmd: "echo a", Env: map[string]string{"X": "1"}}},
		Task{ID: "b", Dependencies: []string{"a"}, Directive: Directive{Cmd: "echo b", CPUs: 2, Mem: "4G"}},
		Task{ID: "c", Dependencies: []string{"a"}, Directive: Directive{Cmd: "echo c", Options: []string{"-p", "short"}}},
	)
	finish(t, g, "a")
	_ = g.Dispatch("b", JobHandle{Backend: "slurm", ExternalID: "12345", Cluster: "c1"})
	_, _ = g.MarkFailed("b", Result{ExitCode: 3, Message: "boom"})
	return g
}

func edges(g *Graph) map[string][]string {
	out := map[string][]string{}
	for _, tk := range g.Tasks() {
		out[tk.ID] = tk.Dependencies
	}
	return out
}

func statuses(g *Graph) map[string]Status {
	out := map[string]Status{}
	for _, tk := range g.Tasks() {
		out[tk.ID] = tk.Status
	}
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, name := range []string{"workflow.json", "workflow.yaml"} {
		t.Run(name, func(t *testing.T) {
			g := sampleGraph(t)
			store := NewFileStore(filepath.Join(t.TempDir(), "nested", name))
			if err := store.Save("run-1", g); err != nil {
				t.Fatalf("save: %v", err)
			}
			snap, err := store.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if snap.RunID != "run-1" {
				t.Fatalf("run id %q", snap.RunID)
			}
			back, err := snap.Graph()
			if err != nil {
				t.Fatalf("rebuild: %v", err)
			}
			if !reflect.DeepEqual(statuses(g), statuses(back)) {
				t.Fatalf("statuses differ: %v vs %v", statuses(g), statuses(back))
			}
			if !reflect.DeepEqual(edges(g), edges(back)) {
				t.Fatalf("edges differ: %v vs %v", edges(g), edges(back))
			}
			b, _ := back.Get("b")
			if b.Job == nil || b.Job.Cluster != "c1" || b.Result == nil || b.Result.ExitCode != 3 {
				t.Fatalf("job/result not restored: %+v", b)
			}
			cTask, _ := back.Get("c")
			if !reflect.DeepEqual(cTask.Directive.Options, []string{"-p", "short"}) {
				t.Fatalf("directive not restored: %+v", cTask.Directive)
			}
		})
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "wf.json"))
	g := sampleGraph(t)
	for i := 0; i < 3; i++ {
		if err := store.Save("r", g); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "wf.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestSnapshotVersionChecked(t *testing.T) {
	if _, err := (Snapshot{Version: 99}).Graph(); err == nil {
		t.Fatalf("expected version error")
	}
}
