package judgeclient

import (
	"encoding/json"
	"math"
	"time"

	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

// ReplyStatus is the acknowledgement a node attaches to every reply.
type ReplyStatus string

const (
	ReplyReceived ReplyStatus = "received"
	ReplyReject   ReplyStatus = "reject"
)

// CaseReply is one entry of a reply's detail list.
type CaseReply struct {
	Verdict model.Status `json:"verdict"`
	Time    float64      `json:"time,omitempty"`
	Memory  float64      `json:"memory,omitempty"`
	Point   *float64     `json:"point,omitempty"`
}

// Reply is a decoded node reply. Verdict is only meaningful when Status is received.
type Reply struct {
	Status     ReplyStatus
	Verdict    model.Status
	Details    []CaseReply
	Score      float64
	Time       float64
	Memory     float64
	Message    string
	ReceivedAt time.Time
}

// Judged reports whether the reply carries a terminal verdict.
func (r *Reply) Judged() bool {
	return r != nil && r.Status == ReplyReceived && r.Verdict.IsJudged()
}

type rawReply struct {
	Status  string      `json:"status"`
	Verdict *int        `json:"verdict"`
	Detail  []CaseReply `json:"detail"`
	Score   float64     `json:"score"`
	Time    float64     `json:"time"`
	Memory  float64     `json:"memory"`
	Message string      `json:"message"`
}

// DecodeReply parses a node reply body. A reject comes back with a RemoteReject error next to
// the decoded reply; any shape violation is MalformedResponse.
func DecodeReply(body []byte) (*Reply, error) {
	var raw rawReply
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, appErr.Wrapf(err, appErr.MalformedResponse, "decode judge reply failed")
	}
	reply := &Reply{
		Status:     ReplyStatus(raw.Status),
		Details:    raw.Detail,
		Score:      raw.Score,
		Time:       raw.Time,
		Memory:     raw.Memory,
		Message:    raw.Message,
		ReceivedAt: time.Now(),
	}
	switch reply.Status {
	case ReplyReject:
		return reply, appErr.Newf(appErr.RemoteReject, "judge node rejected request: %s", raw.Message)
	case ReplyReceived:
	case "":
		return nil, appErr.New(appErr.MalformedResponse).WithMessage("judge reply has no status")
	default:
		return nil, appErr.Newf(appErr.MalformedResponse, "unknown judge reply status %q", raw.Status)
	}
	if raw.Verdict == nil {
		return nil, appErr.New(appErr.MalformedResponse).WithMessage("judge reply has no verdict")
	}
	reply.Verdict = model.Status(*raw.Verdict)
	if !reply.Verdict.Valid() {
		return nil, appErr.Newf(appErr.MalformedResponse, "unknown verdict %d", *raw.Verdict)
	}
	for _, c := range reply.Details {
		if !c.Verdict.Valid() {
			return nil, appErr.Newf(appErr.MalformedResponse, "unknown case verdict %d", int(c.Verdict))
		}
	}
	return reply, nil
}

// ackOnly decodes acknowledgements of upload and config calls, which carry no verdict.
func ackOnly(body []byte) error {
	var raw rawReply
	if err := json.Unmarshal(body, &raw); err != nil {
		return appErr.Wrapf(err, appErr.MalformedResponse, "decode judge ack failed")
	}
	switch ReplyStatus(raw.Status) {
	case ReplyReceived:
		return nil
	case ReplyReject:
		return appErr.Newf(appErr.RemoteReject, "judge node rejected request: %s", raw.Message)
	default:
		return appErr.Newf(appErr.MalformedResponse, "unexpected judge ack status %q", raw.Status)
	}
}

// scaleTimes converts node-reported times back to reference machine time.
func (r *Reply) scaleTimes(multiplier float64) {
	if multiplier <= 0 || multiplier == 1 {
		return
	}
	for i := range r.Details {
		r.Details[i].Time = math.Round(r.Details[i].Time/multiplier*1000) / 1000
	}
	r.Time = math.Round(r.Time/multiplier*1000) / 1000
}

// PollDecision tells Watch whether to keep polling.
type PollDecision int

const (
	Partial PollDecision = iota
	Final
)

// Handler receives every reply observed while a judge is in progress.
type Handler func(reply *Reply) PollDecision

// DefaultHandler treats a reply as final once it carries a judged verdict.
func DefaultHandler(reply *Reply) PollDecision {
	if reply.Judged() {
		return Final
	}
	return Partial
}
