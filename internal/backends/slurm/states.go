package slurm

import "strings"

// Class groups native Slurm job states by what they mean to the engine.
type Class int

const (
	ClassUnknown Class = iota
	ClassActive
	ClassCompleted
	ClassFailed
)

func (c Class) String() string {
	switch c {
	case ClassActive:
		return "active"
	case ClassCompleted:
		return "completed"
	case ClassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActiveStates are states of jobs that may still produce a result.
var ActiveStates = []string{
	"CONFIGURING", "COMPLETING", "PENDING", "RUNNING", "SPECIAL_EXIT",
	"REQUEUED", "REQUEUE_FED", "REQUEUE_HOLD", "RESIZING", "RESV_DEL_HOLD",
	"SIGNALING", "STAGE_OUT",
}

// CompletedStates are states of jobs that exited zero on every node.
var CompletedStates = []string{"COMPLETED"}

// FailedStates are every other terminal state. Preempted, stopped and timed
// out jobs never become complete on their own, so they count as failed.
var FailedStates = []string{
	"BOOT_FAIL", "CANCELLED", "DEADLINE", "FAILED", "NODE_FAIL",
	"OUT_OF_MEMORY", "PREEMPTED", "REVOKED", "STOPPED", "SUSPENDED", "TIMEOUT",
}

var classes = func() map[string]Class {
	m := make(map[string]Class)
	for _, s := range ActiveStates {
		m[s] = ClassActive
	}
	for _, s := range CompletedStates {
		m[s] = ClassCompleted
	}
	for _, s := range FailedStates {
		m[s] = ClassFailed
	}
	return m
}()

// NormalizeState reduces a raw sacct State value to its bare state name:
// "CANCELLED by 1000" becomes "CANCELLED" and "RUNNING+" becomes "RUNNING".
func NormalizeState(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimRight(fields[0], "+"))
}

// Classify maps a raw state onto exactly one Class.
func Classify(raw string) Class {
	return classes[NormalizeState(raw)]
}
