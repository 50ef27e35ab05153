package slurm

import (
	"strconv"
	"strings"
)

// Record is one row of `sacct -P` output keyed by column header. Fields
// other than JobID, State and ExitCode are kept opaque.
type Record map[string]string

func (r Record) JobID() string { return r["JobID"] }

func (r Record) State() string { return NormalizeState(r["State"]) }

// ExitCode returns the exit status half of sacct's "status:signal" pair, or
// -1 when the field is missing or malformed.
func (r Record) ExitCode() int {
	v, ok := r["ExitCode"]
	if !ok {
		return -1
	}
	status, _, _ := strings.Cut(v, ":")
	n, err := strconv.Atoi(strings.TrimSpace(status))
	if err != nil {
		return -1
	}
	return n
}

// ParseSacct converts pipe-delimited sacct output with a header row into
// records. Blank lines are skipped and short rows leave trailing columns unset.
func ParseSacct(out string) []Record {
	var (
		header  []string
		records []Record
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cols := strings.Split(line, "|")
		if header == nil {
			header = cols
			continue
		}
		rec := make(Record, len(header))
		for i, name := range header {
			if i < len(cols) {
				rec[name] = cols[i]
			}
		}
		records = append(records, rec)
	}
	return records
}

func sacctArgs(cluster string, ids []string) []string {
	argv := []string{"sacct", "-XP", "--format", "all"}
	if cluster != "" {
		argv = append(argv, "-M", cluster)
	}
	for _, id := range ids {
		if id != "" {
			argv = append(argv, "-j", id)
		}
	}
	return argv
}
