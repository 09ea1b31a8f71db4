package judgeclient

import (
	"crypto/rand"
	"math/big"

	"judgedispatch/internal/dispatcher/model"
)

const fingerprintAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Settings are the resource limits of a judge request.
type Settings struct {
	MaxTime    float64 `json:"max_time"`     // seconds, scaled by the node multiplier
	MaxSumTime int     `json:"max_sum_time"` // ms
	MaxMemory  int     `json:"max_memory"`   // MB
	ProblemID  int64   `json:"problem_id"`
}

// Request is the body of POST /judge.
type Request struct {
	ID               int64    `json:"id"`
	Language         string   `json:"language"`
	Code             string   `json:"code"`
	Settings         Settings `json:"settings"`
	Judge            string   `json:"judge,omitempty"`
	Fingerprint      string   `json:"fingerprint"`
	Cases            []string `json:"cases"`
	Checker          string   `json:"checker,omitempty"`
	Interactor       string   `json:"interactor,omitempty"`
	RunUntilComplete bool     `json:"run_until_complete"`
	Hold             bool     `json:"hold"`
}

// NewRequest builds the judge request for one attempt on node.
func NewRequest(s *model.Submission, p *model.Problem, node *model.Node, cases []string, runUntilComplete bool) *Request {
	return &Request{
		ID:       s.ID,
		Language: s.Language,
		Code:     s.Code,
		Settings: Settings{
			MaxTime:    float64(p.TimeLimit) / 1000 * node.Multiplier(),
			MaxSumTime: p.SumTimeLimit,
			MaxMemory:  p.MemoryLimit,
			ProblemID:  p.ID,
		},
		Judge:            p.Checker,
		Fingerprint:      NewFingerprint(),
		Cases:            cases,
		Checker:          p.Checker,
		Interactor:       p.Interactor,
		RunUntilComplete: runUntilComplete,
	}
}

// NewFingerprint returns a random 32-character job identifier.
func NewFingerprint() string {
	buf := make([]byte, 32)
	max := big.NewInt(int64(len(fingerprintAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = fingerprintAlphabet[n.Int64()]
	}
	return string(buf)
}
