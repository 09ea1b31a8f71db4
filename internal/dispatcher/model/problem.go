package model

// DefaultCasePoint is used when a problem assigns no explicit point to a case.
const DefaultCasePoint = 10

// Problem carries the fields dispatch needs to build a judge request.
type Problem struct {
	ID           int64    `json:"id"`
	TimeLimit    int      `json:"time_limit"`     // ms
	SumTimeLimit int      `json:"sum_time_limit"` // ms
	MemoryLimit  int      `json:"memory_limit"`   // MB
	Checker      string   `json:"checker,omitempty"`
	Validator    string   `json:"validator,omitempty"`
	Interactor   string   `json:"interactor,omitempty"`
	CaseList     []string `json:"case_list"`
	PretestList  []string `json:"pretest_list,omitempty"`
	SampleList   []string `json:"sample_list,omitempty"`
	PointList    []int    `json:"point_list,omitempty"`
	TestDataHash string   `json:"testdata_hash"`
}

// CasePoints maps each case fingerprint to its point value.
func (p *Problem) CasePoints() map[string]int {
	points := make(map[string]int, len(p.CaseList))
	for i, c := range p.CaseList {
		if i < len(p.PointList) {
			points[c] = p.PointList[i]
		}
	}
	return points
}

// ProgramKind identifies a special program uploaded alongside test data.
type ProgramKind string

const (
	ProgramChecker    ProgramKind = "checker"
	ProgramValidator  ProgramKind = "validator"
	ProgramInteractor ProgramKind = "interactor"
)

// SpecialProgram is a checker, validator or interactor.
type SpecialProgram struct {
	Fingerprint string      `json:"fingerprint"`
	Kind        ProgramKind `json:"kind"`
	Language    string      `json:"language"`
	Code        string      `json:"code"`
}

// Programs lists the special programs the problem references, by kind.
func (p *Problem) Programs() map[ProgramKind]string {
	out := make(map[ProgramKind]string, 3)
	if p.Checker != "" {
		out[ProgramChecker] = p.Checker
	}
	if p.Validator != "" {
		out[ProgramValidator] = p.Validator
	}
	if p.Interactor != "" {
		out[ProgramInteractor] = p.Interactor
	}
	return out
}
