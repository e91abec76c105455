package review

import (
	"sort"
	"time"
)

// Category classifies a finding by the analysis task that produced it.
// The producing task force-sets this field, so a mislabeled model response
// cannot leak a foreign category into the finding set.
type Category string

const (
	CategoryDependency Category = "dependency"
	CategoryAuth       Category = "auth"
	CategoryInjection  Category = "injection"
	CategorySecrets    Category = "secrets"
)

// Severity is the reported impact level of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// Rank returns the sort rank for a severity: critical=1 .. unknown=5.
// Unrecognized values rank with unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	default:
		return 5
	}
}

// Normalize maps arbitrary model-reported severity strings onto the closed
// severity set, defaulting to unknown.
func (s Severity) Normalize() Severity {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return s
	default:
		return SeverityUnknown
	}
}

// Location points at the code a finding refers to.
type Location struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet,omitempty"`
}

// RawFinding is an unfiltered candidate vulnerability emitted by one
// analysis task, before any reachability verdict.
type RawFinding struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	Severity      Severity `json:"severity"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Location      Location `json:"location"`
	CWEID         string   `json:"cwe_id,omitempty"`
	OWASPCategory string   `json:"owasp_category,omitempty"`
}

// PathNode is one hop on a data-flow path from a user-controlled source
// to a vulnerable sink.
type PathNode struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Sanitizer describes a sanitizing operation observed on a data-flow path.
type Sanitizer struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Finding is a RawFinding annotated with a reachability verdict.
//
// Invariants:
//   - FalsePositiveReason is non-empty iff IsReachable is false.
//   - DataFlowPath is non-empty iff IsReachable is true.
type Finding struct {
	RawFinding

	IsReachable         bool        `json:"is_reachable"`
	HasUserInputPath    bool        `json:"has_user_input_path"`
	DataFlowPath        []PathNode  `json:"data_flow_path,omitempty"`
	SanitizersInPath    []Sanitizer `json:"sanitizers_in_path,omitempty"`
	FalsePositiveReason string      `json:"false_positive_reason,omitempty"`
	Approved            bool        `json:"approved"`
	ApprovedAt          *time.Time  `json:"approved_at,omitempty"`
}

// ValidateVerdict checks the reachability invariants on a Finding.
func (f Finding) ValidateVerdict() bool {
	if f.IsReachable {
		return f.FalsePositiveReason == "" && len(f.DataFlowPath) > 0
	}
	return f.FalsePositiveReason != "" && len(f.DataFlowPath) == 0
}

// SortBySeverity orders findings by severity rank in place. Ties keep
// their relative order.
func SortBySeverity(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Rank() < findings[j].Severity.Rank()
	})
}

// ReachableCount returns the number of reachable findings.
func ReachableCount(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.IsReachable {
			n++
		}
	}
	return n
}
