package cistatus

import (
	"strconv"
	"strings"
)

// StatusType is a bit flag so several outcomes can be OR-combined.
type StatusType int

const (
	StatusSuccess    StatusType = 1
	StatusFail       StatusType = 2
	StatusSkip       StatusType = 4
	StatusAborted    StatusType = 8
	StatusInProgress StatusType = 16
	StatusError      StatusType = 32
)

func (s StatusType) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFail:
		return "Failed"
	case StatusSkip:
		return "Skipped"
	case StatusAborted:
		return "Aborted"
	case StatusInProgress:
		return "In Progress"
	case StatusError:
		return "Error"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s StatusType) Valid() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusSkip, StatusAborted, StatusInProgress, StatusError:
		return true
	default:
		return false
	}
}

// StatusFromResult maps a build server result string to a status code.
// Unknown or empty results mean the build has not settled yet.
func StatusFromResult(result string) StatusType {
	switch strings.ToUpper(strings.TrimSpace(result)) {
	case "SUCCESS":
		return StatusSuccess
	case "FAILURE":
		return StatusFail
	case "SKIPPED":
		return StatusSkip
	case "ABORTED":
		return StatusAborted
	case "ERROR":
		return StatusError
	default:
		return StatusInProgress
	}
}

// ParseStatusType accepts display names ("Failed"), result strings ("FAILURE") and short names ("fail").
func ParseStatusType(v string) (StatusType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "success":
		return StatusSuccess, true
	case "fail", "failed", "failure":
		return StatusFail, true
	case "skip", "skipped":
		return StatusSkip, true
	case "aborted", "abort":
		return StatusAborted, true
	case "in progress", "in_progress", "inprogress":
		return StatusInProgress, true
	case "error":
		return StatusError, true
	default:
		return 0, false
	}
}

type RuleType int

const (
	RuleJob  RuleType = 1
	RuleView RuleType = 2
)

func (r RuleType) String() string {
	switch r {
	case RuleJob:
		return "Job"
	case RuleView:
		return "View"
	default:
		return "Unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

// ParseRuleType defaults to Job for empty input.
func ParseRuleType(v string) (RuleType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "job":
		return RuleJob, true
	case "view":
		return RuleView, true
	default:
		return 0, false
	}
}

type TriggerType int

const (
	TriggerTimer  TriggerType = 1
	TriggerGerrit TriggerType = 2
	TriggerManual TriggerType = 4
	TriggerAny    TriggerType = 7
)

func (t TriggerType) String() string {
	switch t {
	case TriggerTimer:
		return "Timer"
	case TriggerGerrit:
		return "Gerrit trigger"
	case TriggerManual:
		return "Manual"
	case TriggerAny:
		return "Any"
	default:
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// CausePattern is the prefix a build cause must carry to satisfy the trigger.
// Any matches every cause.
func (t TriggerType) CausePattern() string {
	switch t {
	case TriggerTimer:
		return "Started by timer"
	case TriggerGerrit:
		return "Triggered by Gerrit"
	case TriggerManual:
		return "Started by user"
	default:
		return ""
	}
}

// ParseTriggerType defaults to Gerrit trigger for empty input.
func ParseTriggerType(v string) (TriggerType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "gerrit trigger", "gerrit":
		return TriggerGerrit, true
	case "timer":
		return TriggerTimer, true
	case "manual":
		return TriggerManual, true
	case "any":
		return TriggerAny, true
	default:
		return 0, false
	}
}
