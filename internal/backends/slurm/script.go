package slurm

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// jobName is unique per submission so log files of retried tasks never collide.
func jobName(taskID, unique string) string {
	name := unsafeName.ReplaceAllString(taskID, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return fmt.Sprintf("jetrun-%s-%s", name, unique)
}

// heredocMarker ends the stdin heredoc of one script. It carries the job
// name's unique suffix and is extended until no stdin line equals it.
func heredocMarker(name, stdin string) string {
	suffix := name
	if i := strings.LastIndex(name, "-"); i >= 0 {
		suffix = name[i+1:]
	}
	marker := "JETRUN_STDIN_" + strings.ToUpper(unsafeName.ReplaceAllString(suffix, "_"))
	lines := strings.Split(stdin, "\n")
	for {
		clash := false
		for _, l := range lines {
			if l == marker {
				clash = true
				break
			}
		}
		if !clash {
			return marker
		}
		marker += "_"
	}
}

// outputPattern is the sbatch -o value; %x expands to the job name and %A
// to the job id.
func outputPattern(logDir string) string {
	return path.Join(logDir, "%x_slurm-%A.out")
}

func outputPath(logDir, name, jobID string) string {
	return path.Join(logDir, name+"_slurm-"+jobID+".out")
}

// renderScript builds the batch script submitted for one directive.
func renderScript(name, taskID string, d workflow.Directive, cfg Config) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH -J %s\n", name)
	fmt.Fprintf(&b, "#SBATCH -o %s\n", outputPattern(cfg.LogDir))
	if d.CPUs > 0 {
		fmt.Fprintf(&b, "#SBATCH -c %d\n", d.CPUs)
	}
	if d.Mem != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", d.Mem)
	}
	if d.Walltime != "" {
		fmt.Fprintf(&b, "#SBATCH -t %s\n", d.Walltime)
	}
	for _, opt := range cfg.SbatchArgs {
		fmt.Fprintf(&b, "#SBATCH %s\n", opt)
	}
	for _, opt := range d.Options {
		fmt.Fprintf(&b, "#SBATCH %s\n", opt)
	}
	fmt.Fprintf(&b, "# jetrun task: %s\n", taskID)

	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(d.Env[k]))
	}

	if d.Stdin == "" {
		b.WriteString(d.Cmd)
		b.WriteString("\n")
		return b.String()
	}
	marker := heredocMarker(name, d.Stdin)
	b.WriteString("{\n")
	b.WriteString(d.Cmd)
	fmt.Fprintf(&b, "\n} <<'%s'\n", marker)
	b.WriteString(d.Stdin)
	if !strings.HasSuffix(d.Stdin, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(marker + "\n")
	return b.String()
}
