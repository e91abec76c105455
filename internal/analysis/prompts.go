package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reviewd/internal/review"
)

const findingSchema = `Respond with ONLY a JSON array (no prose). Each element:
{
  "id": "short stable identifier",
  "severity": "critical|high|medium|low",
  "title": "one-line summary",
  "description": "what is wrong and why it matters",
  "start_line": 1,
  "end_line": 1,
  "snippet": "the offending code",
  "cwe_id": "CWE-89",
  "owasp_category": "A03:2021"
}
Return [] if nothing is found.`

// truncate caps s at max bytes, cutting at the last newline inside the cap
// so prompts never end mid-line.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "\n... [truncated]"
}

// triageContext renders a pruned slice of the triage report for inclusion
// in an analyzer prompt. Only the sections relevant to the task are kept
// to bound prompt size.
func triageContext(t *review.TriageReport, sections ...string) string {
	if t == nil {
		return ""
	}
	pruned := map[string]any{}
	for _, s := range sections {
		switch s {
		case "entry_points":
			pruned["entry_points"] = t.EntryPoints
		case "sinks":
			pruned["sinks"] = t.Sinks
		case "flows":
			pruned["flows"] = t.Flows
		case "dependencies":
			pruned["dependencies"] = t.Dependencies
		}
	}
	data, err := json.Marshal(pruned)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("\nTriage context:\n%s\n", truncate(string(data), 8*1024))
}

func triagePrompt(code, language string, maxBytes int) string {
	return fmt.Sprintf(`You are a security triage analyst. Map the attack surface of the following %s code.
Identify user-controlled entry points, dangerous sinks, coarse source-to-sink flows, third-party dependencies, and whether the code performs authentication or handles secrets.

Respond with ONLY a JSON object (no prose):
{
  "entry_points": [{"name": "", "kind": "http_param|form|header|file|env", "line": 1, "description": ""}],
  "sinks": [{"name": "", "kind": "sql|exec|template|filesystem|network", "line": 1, "description": ""}],
  "flows": [{"source": "", "sink": "", "via": ""}],
  "uses_auth": false,
  "handles_secrets": false,
  "dependencies": [],
  "notes": ""
}

Code:
%s`, language, codeBlock(code, language, maxBytes))
}

func dependencyPrompt(code, language string, t *review.TriageReport, maxBytes int) string {
	return fmt.Sprintf(`You are a dependency security analyst. Examine the following %s code for vulnerable, outdated, or typosquatted third-party dependencies and unsafe usage of dependency APIs.
%s
%s

Code:
%s`, language, triageContext(t, "dependencies"), findingSchema, codeBlock(code, language, maxBytes))
}

func authPrompt(code, language string, t *review.TriageReport, maxBytes int) string {
	return fmt.Sprintf(`You are an authentication and authorization security analyst. Examine the following %s code for broken authentication, missing authorization checks, insecure session handling, and privilege escalation paths.
%s
%s

Code:
%s`, language, triageContext(t, "entry_points"), findingSchema, codeBlock(code, language, maxBytes))
}

func injectionPrompt(code, language string, t *review.TriageReport, maxBytes int) string {
	return fmt.Sprintf(`You are an injection security analyst. Examine the following %s code for SQL injection, command injection, template injection, path traversal, and XSS.
%s
%s

Code:
%s`, language, triageContext(t, "entry_points", "sinks", "flows"), findingSchema, codeBlock(code, language, maxBytes))
}

func secretsPrompt(code, language string, t *review.TriageReport, maxBytes int) string {
	return fmt.Sprintf(`You are a secrets security analyst. Examine the following %s code for hardcoded credentials, API keys, tokens, weak cryptographic material, and secrets leaking into logs or errors.
%s
%s

Code:
%s`, language, triageContext(t), findingSchema, codeBlock(code, language, maxBytes))
}

func reachabilityPrompt(code, language string, findings []review.RawFinding, t *review.TriageReport, maxBytes int) string {
	findingsJSON, _ := json.Marshal(findings)
	return fmt.Sprintf(`You are a reachability analyst. For EACH candidate finding below, determine:
1. whether a complete path exists from a user-controlled source to the finding's sink,
2. whether any sanitizer on that path neutralizes the threat,
3. whether the sink is reachable under normal execution (not dead code).

Consider the findings together; shared paths and sanitizers matter across findings.

Respond with ONLY a JSON array with EXACTLY one element per input finding:
{
  "id": "the finding id, unchanged",
  "is_reachable": true,
  "has_user_input_path": true,
  "data_flow_path": [{"name": "", "type": "source|propagator|sanitizer|sink", "description": ""}],
  "sanitizers_in_path": [{"name": "", "description": ""}],
  "false_positive_reason": "required iff is_reachable is false"
}

Candidate findings:
%s
%s
Code:
%s`, truncate(string(findingsJSON), 24*1024), triageContext(t, "entry_points", "sinks", "flows"), codeBlock(code, language, maxBytes))
}

func summaryPrompt(syn review.Synthesis, findings []review.Finding) string {
	type brief struct {
		Title    string          `json:"title"`
		Severity review.Severity `json:"severity"`
	}
	briefs := make([]brief, 0, len(findings))
	for _, f := range findings {
		if f.IsReachable {
			briefs = append(briefs, brief{Title: f.Title, Severity: f.Severity})
		}
	}
	briefsJSON, _ := json.Marshal(briefs)
	return fmt.Sprintf(`Write a 2-3 sentence plain-text summary of this security review for a developer: %d raw candidates, %d confirmed reachable, %.1f%% filtered as noise. Confirmed findings:
%s
Respond with ONLY the summary text.`, syn.TotalRaw, syn.TotalReachable, syn.NoiseReductionPercent, string(briefsJSON))
}

func remediationPrompt(code, language string, findings []review.Finding, maxBytes int) string {
	findingsJSON, _ := json.Marshal(findings)
	return fmt.Sprintf(`You are a remediation engineer. Generate a minimal, safe fix for EACH approved finding below.

Respond with ONLY a JSON array, one element per finding:
{
  "finding_id": "the finding id, unchanged",
  "fixed_code": "the corrected code for the affected region",
  "explanation": "why this fix is correct and safe",
  "diff_hunks": [{"old_start": 1, "old_lines": 1, "new_start": 1, "new_lines": 1, "content": "unified diff hunk body"}]
}

Approved findings:
%s

Code:
%s`, truncate(string(findingsJSON), 24*1024), codeBlock(code, language, maxBytes))
}

func codeBlock(code, language string, maxBytes int) string {
	return fmt.Sprintf("```%s\n%s\n```", language, truncate(code, maxBytes))
}
