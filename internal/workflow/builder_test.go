package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/3cpo-dev/jetrun/pkg/api"
)

func TestBuildFoldsBeforeEdges(t *testing.T) {
	g, err := Build([]api.TaskSpec{
		{Name: "align", Cmd: "bwa mem", Before: []string{"sort"}},
		{Name: "sort", Cmd: "samtools sort"},
		{Name: "report", Cmd: "multiqc", After: []string{"sort"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s, _ := g.Get("sort")
	if len(s.Dependencies) != 1 || s.Dependencies[0] != "align" {
		t.Fatalf("expected sort to depend on align, got %v", s.Dependencies)
	}
	if deps := g.Dependents("sort"); len(deps) != 1 || deps[0] != "report" {
		t.Fatalf("unexpected dependents %v", deps)
	}
}

func TestBuildValidation(t *testing.T) {
	cases := map[string][]api.TaskSpec{
		"empty name":     {{Cmd: "true"}},
		"empty cmd":      {{Name: "a"}},
		"duplicate":      {{Name: "a", Cmd: "true"}, {Name: "a", Cmd: "true"}},
		"missing before": {{Name: "a", Cmd: "true", Before: []string{"zz"}}},
		"negative cpus":  {{Name: "a", Cmd: "true", CPUs: -1}},
	}
	for name, specs := range cases {
		if _, err := Build(specs); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	_, err := Build([]api.TaskSpec{
		{Name: "a", Cmd: "true", After: []string{"b"}},
		{Name: "b", Cmd: "true", After: []string{"a"}},
	})
	var cyc *GraphCycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	content := `- name: fetch
  cmd: curl -O https://example.com/data.tar
- name: unpack
  cmd: tar xf data.tar
  after: [fetch]
  cpus: 2
  env:
    LC_ALL: C
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	g, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	u, _ := g.Get("unpack")
	if u.Directive.CPUs != 2 || u.Directive.Env["LC_ALL"] != "C" || u.Dependencies[0] != "fetch" {
		t.Fatalf("unexpected task %+v", u)
	}
}
