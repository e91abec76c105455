package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// stripFence removes a surrounding markdown code fence from a model
// response, if present. Models frequently wrap JSON output in ```json
// fences despite instructions; the payload inside is what we want.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line (``` or ```json).
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}
	// Drop the closing fence.
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// rawFindingPayload is the untrusted wire shape for one finding in a model
// response. Every field is optional; defaults are applied after decode.
type rawFindingPayload struct {
	ID            string `json:"id"`
	Severity      string `json:"severity"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Snippet       string `json:"snippet"`
	CWEID         string `json:"cwe_id"`
	OWASPCategory string `json:"owasp_category"`
}

// decodeFindings parses a model response into raw findings for one task.
// The category is force-set to the task's category regardless of what the
// response claims, and findings without an id get a task-scoped one.
// Returns an error when the response is not a JSON array; the caller
// decides whether that is soft or fatal.
func decodeFindings(response string, category review.Category) ([]review.RawFinding, error) {
	var payloads []rawFindingPayload
	if err := json.Unmarshal([]byte(stripFence(response)), &payloads); err != nil {
		return nil, fmt.Errorf("response is not a finding array: %w", err)
	}

	findings := make([]review.RawFinding, 0, len(payloads))
	for _, p := range payloads {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("%s-%s", category, uuid.NewString()[:8])
		}
		findings = append(findings, review.RawFinding{
			ID:            id,
			Category:      category,
			Severity:      review.Severity(strings.ToLower(p.Severity)).Normalize(),
			Title:         p.Title,
			Description:   p.Description,
			Location:      review.Location{StartLine: p.StartLine, EndLine: p.EndLine, Snippet: p.Snippet},
			CWEID:         p.CWEID,
			OWASPCategory: p.OWASPCategory,
		})
	}
	return findings, nil
}

// verdictPayload is the untrusted wire shape for one reachability verdict.
type verdictPayload struct {
	ID                  string             `json:"id"`
	IsReachable         bool               `json:"is_reachable"`
	HasUserInputPath    bool               `json:"has_user_input_path"`
	DataFlowPath        []review.PathNode  `json:"data_flow_path"`
	SanitizersInPath    []review.Sanitizer `json:"sanitizers_in_path"`
	FalsePositiveReason string             `json:"false_positive_reason"`
}

// decodeVerdicts parses the reachability filter response into a verdict
// map keyed by finding id.
func decodeVerdicts(response string) (map[string]verdictPayload, error) {
	var payloads []verdictPayload
	if err := json.Unmarshal([]byte(stripFence(response)), &payloads); err != nil {
		return nil, fmt.Errorf("response is not a verdict array: %w", err)
	}
	verdicts := make(map[string]verdictPayload, len(payloads))
	for _, v := range payloads {
		verdicts[v.ID] = v
	}
	return verdicts, nil
}

// remediationPayload is the untrusted wire shape for one generated fix.
type remediationPayload struct {
	FindingID   string            `json:"finding_id"`
	FixedCode   string            `json:"fixed_code"`
	Explanation string            `json:"explanation"`
	DiffHunks   []review.DiffHunk `json:"diff_hunks"`
}

func decodeRemediations(response string) ([]remediationPayload, error) {
	var payloads []remediationPayload
	if err := json.Unmarshal([]byte(stripFence(response)), &payloads); err != nil {
		return nil, fmt.Errorf("response is not a remediation array: %w", err)
	}
	return payloads, nil
}

// decodeTriage parses the triage response into a data-flow map.
func decodeTriage(response string) (*review.TriageReport, error) {
	var report review.TriageReport
	if err := json.Unmarshal([]byte(stripFence(response)), &report); err != nil {
		return nil, fmt.Errorf("response is not a triage report: %w", err)
	}
	return &report, nil
}
