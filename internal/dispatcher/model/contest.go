package model

import (
	"fmt"
	"strings"
)

// CaseSubset selects which cases of a problem run during a contest.
type CaseSubset string

const (
	CaseSubsetNone    CaseSubset = "none"
	CaseSubsetSample  CaseSubset = "sample"
	CaseSubsetPretest CaseSubset = "pretest"
	CaseSubsetAll     CaseSubset = "all"
)

// ParseCaseSubset normalizes a stored policy; empty means all.
func ParseCaseSubset(raw string) (CaseSubset, error) {
	switch CaseSubset(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CaseSubsetAll:
		return CaseSubsetAll, nil
	case CaseSubsetNone:
		return CaseSubsetNone, nil
	case CaseSubsetSample:
		return CaseSubsetSample, nil
	case CaseSubsetPretest:
		return CaseSubsetPretest, nil
	}
	return "", fmt.Errorf("unknown case subset %q", raw)
}

// Contest carries the contest settings dispatch depends on.
type Contest struct {
	ID           int64      `json:"id"`
	CaseSubset   CaseSubset `json:"case_subset"`
	HideVerdicts bool       `json:"hide_verdicts"`
	AllowedLangs []string   `json:"allowed_langs,omitempty"`
}

// ResolveCases picks the case list to run for p under the given subset.
// An empty pretest or sample list falls back to all cases.
func ResolveCases(p *Problem, subset CaseSubset) []string {
	var cases []string
	switch subset {
	case CaseSubsetNone:
		return nil
	case CaseSubsetPretest:
		cases = p.PretestList
	case CaseSubsetSample:
		cases = p.SampleList
	}
	if len(cases) == 0 {
		cases = p.CaseList
	}
	return cases
}

// AllowsLanguage reports whether lang may be used in the contest; an empty list allows all.
func (c *Contest) AllowsLanguage(lang string) bool {
	if len(c.AllowedLangs) == 0 {
		return true
	}
	for _, l := range c.AllowedLangs {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}
