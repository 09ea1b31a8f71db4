package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state or verdict of a submission.
// Values are shared with judge nodes on the wire and must not be renumbered.
type Status int

const (
	StatusSubmitted             Status = -4
	StatusWaiting               Status = -3
	StatusJudging               Status = -2
	StatusWrongAnswer           Status = -1
	StatusAccepted              Status = 0
	StatusTimeLimitExceeded     Status = 1
	StatusIdlenessLimitExceeded Status = 2
	StatusMemoryLimitExceeded   Status = 3
	StatusRuntimeError          Status = 4
	StatusSystemError           Status = 5
	StatusCompileError          Status = 6
	StatusScored                Status = 7
	StatusRejected              Status = 10
	StatusJudgeError            Status = 11
	StatusPretestPassed         Status = 12
)

var statusNames = map[Status]string{
	StatusSubmitted:             "SUBMITTED",
	StatusWaiting:               "WAITING",
	StatusJudging:               "JUDGING",
	StatusWrongAnswer:           "WRONG_ANSWER",
	StatusAccepted:              "ACCEPTED",
	StatusTimeLimitExceeded:     "TIME_LIMIT_EXCEEDED",
	StatusIdlenessLimitExceeded: "IDLENESS_LIMIT_EXCEEDED",
	StatusMemoryLimitExceeded:   "MEMORY_LIMIT_EXCEEDED",
	StatusRuntimeError:          "RUNTIME_ERROR",
	StatusSystemError:           "SYSTEM_ERROR",
	StatusCompileError:          "COMPILE_ERROR",
	StatusScored:                "SCORED",
	StatusRejected:              "REJECTED",
	StatusJudgeError:            "JUDGE_ERROR",
	StatusPretestPassed:         "PRETEST_PASSED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Valid reports whether s is one of the known codes.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsJudged reports whether s is terminal for an attempt sequence, SYSTEM_ERROR included.
func (s Status) IsJudged() bool {
	return s.Valid() && s >= StatusWrongAnswer
}

// IsAccepted reports whether s counts towards accept counters.
func (s Status) IsAccepted() bool {
	return s == StatusAccepted || s == StatusPretestPassed
}

// IsPending reports whether s is a state the dispatcher still has to advance.
func (s Status) IsPending() bool {
	return s == StatusWaiting || s == StatusJudging
}

// ParseStatus accepts either the symbolic name or the numeric code.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	for status, name := range statusNames {
		if strings.EqualFold(name, raw) {
			return status, nil
		}
	}
	var code int
	if _, err := fmt.Sscanf(raw, "%d", &code); err == nil && Status(code).Valid() {
		return Status(code), nil
	}
	return 0, fmt.Errorf("unknown status %q", raw)
}

// AcceptDelta is the change an accept counter needs when a submission moves from prev to next.
func AcceptDelta(prev, next Status) int {
	switch {
	case !prev.IsAccepted() && next.IsAccepted():
		return 1
	case prev.IsAccepted() && !next.IsAccepted():
		return -1
	default:
		return 0
	}
}
