// Package review defines the domain model for security review runs:
// reviews, findings, remediations, and the synthesis statistics computed
// over them.
package review

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a review. Status and CurrentStage
// jointly describe a point on the pipeline state machine.
type Status string

const (
	StatusPending          Status = "pending"
	StatusTriaging         Status = "triaging"
	StatusAnalyzing        Status = "analyzing"
	StatusFiltering        Status = "filtering"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRemediating      Status = "remediating"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTriaging, StatusAnalyzing, StatusFiltering,
		StatusAwaitingApproval, StatusRemediating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Review is one end-to-end pipeline run over one code submission.
//
// Counts and the noise reduction percentage are always recomputed from the
// full finding set at store time, never incrementally updated.
type Review struct {
	ID                    string    `db:"id" json:"id"`
	UserID                string    `db:"user_id" json:"user_id"`
	Code                  string    `db:"code" json:"-"`
	Language              string    `db:"language" json:"language"`
	Status                Status    `db:"status" json:"status"`
	CurrentStage          string    `db:"current_stage" json:"current_stage,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
	RunHandle             string    `db:"run_handle" json:"run_handle,omitempty"`
	TotalFindingsRaw      int       `db:"total_findings_raw" json:"total_findings_raw"`
	TotalFindingsFiltered int       `db:"total_findings_filtered" json:"total_findings_filtered"`
	NoiseReductionPercent float64   `db:"noise_reduction_percent" json:"noise_reduction_percent"`
	Error                 string    `db:"error" json:"error,omitempty"`
}

// ApprovalDecision is the payload delivered to a suspended review when a
// human decides which findings to remediate. An absent decision (timeout)
// is treated identically to {Approved: false}.
type ApprovalDecision struct {
	Approved   bool     `json:"approved"`
	FindingIDs []string `json:"finding_ids"`
}

// Validate rejects structurally impossible decisions.
func (d ApprovalDecision) Validate() error {
	if !d.Approved && len(d.FindingIDs) > 0 {
		return fmt.Errorf("rejection must not name finding ids")
	}
	return nil
}
