package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/3cpo-dev/jetrun/internal/backends/slurm"
	"github.com/3cpo-dev/jetrun/internal/core"
	"github.com/3cpo-dev/jetrun/internal/workflow"
	"github.com/3cpo-dev/jetrun/pkg/api"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	statusStyle = map[string]lipgloss.Style{
		string(workflow.StatusPending):    lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")),
		string(workflow.StatusDispatched): lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		string(workflow.StatusRunning):    lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		string(workflow.StatusComplete):   lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		string(workflow.StatusFailed):     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
		string(workflow.StatusCanceled):   lipgloss.NewStyle().Foreground(lipgloss.Color("#C678DD")),
		string(api.RunSucceeded):         lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		string(api.RunAborted):           lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
	}
)

func styled(status string) string {
	if st, ok := statusStyle[status]; ok {
		return st.Render(status)
	}
	return status
}

// table writes rows with columns padded to their widest cell. Width is
// measured with lipgloss so styled cells line up.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if style != nil {
				c = style.Render(c)
			}
			pad := widths[i] - lipgloss.Width(c)
			if pad < 0 {
				pad = 0
			}
			parts[i] = c + strings.Repeat(" ", pad)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printTasks(w io.Writer, tasks []workflow.Task) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		jobID, state, checked := "-", "-", "-"
		if t.Job != nil {
			jobID = orDash(t.Job.ExternalID)
			state = orDash(t.Job.State)
			checked = ago(t.Job.LastChecked)
		}
		msg := "-"
		if t.Result != nil && t.Result.Message != "" {
			msg = t.Result.Message
		}
		rows = append(rows, []string{t.ID, styled(string(t.Status)), jobID, state, checked, msg})
	}
	table(w, []string{"TASK", "STATUS", "JOB", "STATE", "CHECKED", "MESSAGE"}, rows)
}

func countsLine(counts map[workflow.Status]int) string {
	order := []workflow.Status{
		workflow.StatusPending, workflow.StatusDispatched, workflow.StatusRunning,
		workflow.StatusComplete, workflow.StatusFailed, workflow.StatusCanceled,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(n)), styled(string(s))))
		}
	}
	if len(parts) == 0 {
		return "no tasks"
	}
	return strings.Join(parts, dimStyle.Render(" · "))
}

func printOutcome(w io.Writer, out core.Outcome, snapshot string) {
	status := api.RunSucceeded
	switch {
	case out.Aborted:
		status = api.RunAborted
	case !out.Success:
		status = api.RunFailed
	}
	fmt.Fprintf(w, "%s %s in %s\n", headerStyle.Render("run "+out.RunID), styled(string(status)), out.Duration.Round(time.Millisecond))
	if len(out.Failed) > 0 {
		fmt.Fprintf(w, "  failed:   %s\n", strings.Join(out.Failed, ", "))
	}
	if len(out.Canceled) > 0 {
		fmt.Fprintf(w, "  canceled: %s\n", strings.Join(out.Canceled, ", "))
	}
	if len(out.Pending) > 0 {
		fmt.Fprintf(w, "  pending:  %s\n", strings.Join(out.Pending, ", "))
	}
	if snapshot != "" {
		fmt.Fprintf(w, "  state:    %s\n", dimStyle.Render(snapshot))
	}
}

func printRuns(w io.Writer, runs []core.RunRecord) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.ID, styled(string(r.Status)), r.Backend, r.Workflow,
			fmt.Sprintf("%d/%d", r.Complete, r.Total), ago(r.StartedAt), took,
		})
	}
	table(w, []string{"RUN", "STATUS", "BACKEND", "WORKFLOW", "DONE", "STARTED", "TOOK"}, rows)
}

var jobColumns = []string{"JobID", "JobName", "Partition", "State", "ExitCode", "Elapsed"}

func printJobs(w io.Writer, records []slurm.Record) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := make([]string, len(jobColumns))
		for i, c := range jobColumns {
			row[i] = orDash(r[c])
		}
		rows = append(rows, row)
	}
	header := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		header[i] = strings.ToUpper(c)
	}
	table(w, header, rows)
}
