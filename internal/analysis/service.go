package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// TaskRequest is the uniform input to every analysis task: the submitted
// code plus the triage-produced context from the prior stage.
type TaskRequest struct {
	ReviewID string
	Code     string
	Language string
	Triage   *review.TriageReport
}

// Service runs the inference-backed analysis tasks. The pipeline only ever
// talks to this type, so tests swap the Client for a deterministic stub.
type Service struct {
	client         Client
	log            *logging.Logger
	maxPromptBytes int
}

// NewService creates an analysis service backed by the given client.
func NewService(client Client, log *logging.Logger, maxPromptBytes int) *Service {
	if maxPromptBytes <= 0 {
		maxPromptBytes = 96 * 1024
	}
	return &Service{
		client:         client,
		log:            log.Named("analysis"),
		maxPromptBytes: maxPromptBytes,
	}
}

// Triage maps the attack surface of the submitted code. A malformed
// response degrades to a nil report: downstream analyzers only skip when
// triage affirmatively found no relevant risk surface, so with no report
// every analyzer runs.
func (s *Service) Triage(ctx context.Context, req TaskRequest) (*review.TriageReport, error) {
	ctx = logging.WithReviewID(ctx, req.ReviewID)

	response, err := s.client.Complete(ctx, triagePrompt(req.Code, req.Language, s.maxPromptBytes))
	if err != nil {
		return nil, fmt.Errorf("triage call failed: %w", err)
	}

	report, err := decodeTriage(response)
	if err != nil {
		s.log.Warn(ctx, "triage response unparsable, analyzers will run unscoped", zap.Error(err))
		return nil, nil
	}

	s.log.Info(ctx, "triage complete",
		zap.Int("entry_points", len(report.EntryPoints)),
		zap.Int("sinks", len(report.Sinks)),
		zap.Int("flows", len(report.Flows)),
	)
	return report, nil
}

// taskSpec binds one analyzer category to its skip rule and prompt.
type taskSpec struct {
	category   review.Category
	skipReason string
	skip       func(*review.TriageReport) bool
	prompt     func(code, language string, t *review.TriageReport, maxBytes int) string
}

var taskSpecs = map[review.Category]taskSpec{
	review.CategoryDependency: {
		category:   review.CategoryDependency,
		skipReason: "triage found no third-party dependencies",
		skip:       func(t *review.TriageReport) bool { return t != nil && !t.HasDependencies() },
		prompt:     dependencyPrompt,
	},
	review.CategoryAuth: {
		category:   review.CategoryAuth,
		skipReason: "triage found no authentication surface",
		skip:       func(t *review.TriageReport) bool { return t != nil && !t.UsesAuth },
		prompt:     authPrompt,
	},
	review.CategoryInjection: {
		category:   review.CategoryInjection,
		skipReason: "triage found no sinks or entry points",
		skip: func(t *review.TriageReport) bool {
			return t != nil && !t.HasSinks() && !t.HasEntryPoints()
		},
		prompt: injectionPrompt,
	},
	review.CategorySecrets: {
		category:   review.CategorySecrets,
		skipReason: "triage found no secret handling",
		skip:       func(t *review.TriageReport) bool { return t != nil && !t.HandlesSecrets },
		prompt:     secretsPrompt,
	},
}

// Analyze runs the analyzer for one category over the submitted code.
// When triage indicates no relevant risk surface the task short-circuits
// to an empty result without an inference call. A malformed response is a
// soft failure: logged, empty result, no error.
func (s *Service) Analyze(ctx context.Context, category review.Category, req TaskRequest) ([]review.RawFinding, error) {
	spec, ok := taskSpecs[category]
	if !ok {
		return nil, fmt.Errorf("unknown analysis category %q", category)
	}
	ctx = logging.WithReviewID(ctx, req.ReviewID)

	if spec.skip(req.Triage) {
		s.log.Info(ctx, "skipping analyzer, no relevant risk surface",
			zap.String("category", string(category)),
			zap.String("reason", spec.skipReason),
		)
		return []review.RawFinding{}, nil
	}

	response, err := s.client.Complete(ctx, spec.prompt(req.Code, req.Language, req.Triage, s.maxPromptBytes))
	if err != nil {
		return nil, fmt.Errorf("%s analysis call failed: %w", category, err)
	}

	findings, err := decodeFindings(response, category)
	if err != nil {
		s.log.Warn(ctx, "analyzer response unparsable, degrading to no findings",
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return []review.RawFinding{}, nil
	}

	s.log.Info(ctx, "analyzer complete",
		zap.String("category", string(category)),
		zap.Int("findings", len(findings)),
	)
	return findings, nil
}

// FilterReachability classifies every raw finding as reachable or filtered.
// One inference call covers the whole finding set so the model can reason
// about cross-finding context. The structural contract holds regardless of
// model behavior: exactly one Finding per input RawFinding, reachable
// findings carry a non-empty data-flow path, unreachable findings carry a
// non-empty reason.
func (s *Service) FilterReachability(ctx context.Context, req TaskRequest, raw []review.RawFinding) ([]review.Finding, error) {
	ctx = logging.WithReviewID(ctx, req.ReviewID)

	if len(raw) == 0 {
		return []review.Finding{}, nil
	}

	response, err := s.client.Complete(ctx, reachabilityPrompt(req.Code, req.Language, raw, req.Triage, s.maxPromptBytes))
	if err != nil {
		return nil, fmt.Errorf("reachability call failed: %w", err)
	}

	verdicts, err := decodeVerdicts(response)
	if err != nil {
		// Unlike a single analyzer, an unparsable filter response cannot be
		// degraded: every downstream consumer depends on the verdicts. The
		// caller treats this as terminal rather than retrying on content.
		return nil, fmt.Errorf("%w: %s", ErrMalformedVerdicts, err)
	}

	findings := make([]review.Finding, 0, len(raw))
	for _, rf := range raw {
		findings = append(findings, normalizeVerdict(rf, verdicts))
	}

	s.log.Info(ctx, "reachability filter complete",
		zap.Int("raw", len(raw)),
		zap.Int("reachable", review.ReachableCount(findings)),
	)
	return findings, nil
}

// ErrMalformedVerdicts marks an unparsable reachability response. It is
// terminal for the stage: the engine never retries on response content.
var ErrMalformedVerdicts = fmt.Errorf("malformed reachability verdicts")

// normalizeVerdict merges one raw finding with its verdict, enforcing the
// structural contract. Filtering never drops a finding.
func normalizeVerdict(rf review.RawFinding, verdicts map[string]verdictPayload) review.Finding {
	f := review.Finding{RawFinding: rf}

	v, ok := verdicts[rf.ID]
	if !ok {
		f.FalsePositiveReason = "no reachability verdict returned for this finding"
		return f
	}

	f.HasUserInputPath = v.HasUserInputPath
	f.SanitizersInPath = v.SanitizersInPath

	switch {
	case v.IsReachable && len(v.DataFlowPath) > 0:
		f.IsReachable = true
		f.DataFlowPath = v.DataFlowPath
	case v.IsReachable:
		// Reachable without a path violates the contract; demote.
		f.FalsePositiveReason = "verdict claimed reachable but provided no data-flow path"
	case strings.TrimSpace(v.FalsePositiveReason) != "":
		f.FalsePositiveReason = v.FalsePositiveReason
	default:
		f.FalsePositiveReason = "classified unreachable without a stated reason"
	}
	return f
}

// SynthesizeSummary generates the optional natural-language summary for a
// synthesis. The numeric fields are never model-generated; a failed call
// degrades to an empty summary.
func (s *Service) SynthesizeSummary(ctx context.Context, reviewID string, syn review.Synthesis, findings []review.Finding) (string, error) {
	ctx = logging.WithReviewID(ctx, reviewID)

	response, err := s.client.Complete(ctx, summaryPrompt(syn, findings))
	if err != nil {
		s.log.Warn(ctx, "summary generation failed, continuing without one", zap.Error(err))
		return "", nil
	}
	return strings.TrimSpace(stripFence(response)), nil
}

// GenerateRemediations produces one remediation per approved finding. The
// input set must already be filtered to approved, reachable findings;
// findings the model returns no fix for are skipped and logged rather
// than failing the batch.
func (s *Service) GenerateRemediations(ctx context.Context, req TaskRequest, approved []review.Finding) ([]review.Remediation, error) {
	ctx = logging.WithReviewID(ctx, req.ReviewID)

	if len(approved) == 0 {
		return []review.Remediation{}, nil
	}

	response, err := s.client.Complete(ctx, remediationPrompt(req.Code, req.Language, approved, s.maxPromptBytes))
	if err != nil {
		return nil, fmt.Errorf("remediation call failed: %w", err)
	}

	payloads, err := decodeRemediations(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedRemediations, err)
	}

	byFinding := make(map[string]remediationPayload, len(payloads))
	for _, p := range payloads {
		byFinding[p.FindingID] = p
	}

	now := time.Now().UTC()
	rems := make([]review.Remediation, 0, len(approved))
	for _, f := range approved {
		p, ok := byFinding[f.ID]
		if !ok {
			s.log.Warn(ctx, "no remediation returned for approved finding",
				zap.String("finding_id", f.ID),
			)
			continue
		}
		rems = append(rems, review.Remediation{
			ID:           uuid.NewString(),
			FindingID:    f.ID,
			ReviewID:     req.ReviewID,
			OriginalCode: f.Location.Snippet,
			FixedCode:    p.FixedCode,
			Explanation:  p.Explanation,
			DiffHunks:    p.DiffHunks,
			CreatedAt:    now,
		})
	}

	s.log.Info(ctx, "remediation generation complete",
		zap.Int("approved", len(approved)),
		zap.Int("generated", len(rems)),
	)
	return rems, nil
}

// ErrMalformedRemediations marks an unparsable remediation response.
var ErrMalformedRemediations = fmt.Errorf("malformed remediation output")
