package review

import "time"

// DiffHunk is one contiguous region of a generated fix.
type DiffHunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Content  string `json:"content"`
}

// Remediation is a generated fix for one approved, reachable finding.
// Remediations are immutable once persisted.
type Remediation struct {
	ID           string     `json:"id"`
	FindingID    string     `json:"finding_id"`
	ReviewID     string     `json:"review_id"`
	OriginalCode string     `json:"original_code"`
	FixedCode    string     `json:"fixed_code"`
	Explanation  string     `json:"explanation"`
	DiffHunks    []DiffHunk `json:"diff_hunks,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
