package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/analysis"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/notify"
	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// Store is the slice of the state store the activities write through.
type Store interface {
	UpdateStatus(ctx context.Context, reviewID string, status review.Status, stage, errText string) error
	StoreFindings(ctx context.Context, reviewID string, findings []review.Finding, syn review.Synthesis) error
	StoreRemediations(ctx context.Context, reviewID string, rems []review.Remediation) error
}

// Analyzer runs the model-backed analysis stages.
type Analyzer interface {
	Triage(ctx context.Context, req analysis.TaskRequest) (*review.TriageReport, error)
	Analyze(ctx context.Context, category review.Category, req analysis.TaskRequest) ([]review.RawFinding, error)
	FilterReachability(ctx context.Context, req analysis.TaskRequest, raw []review.RawFinding) ([]review.Finding, error)
	SynthesizeSummary(ctx context.Context, reviewID string, syn review.Synthesis, findings []review.Finding) (string, error)
	GenerateRemediations(ctx context.Context, req analysis.TaskRequest, approved []review.Finding) ([]review.Remediation, error)
}

// Activities bundles the pipeline's activity implementations with their
// dependencies. Every activity is idempotent so Temporal can re-deliver it
// after a crash without corrupting state.
type Activities struct {
	store    Store
	analyzer Analyzer
	notifier notify.Notifier
	log      *logging.Logger
}

// NewActivities wires the activity set.
func NewActivities(store Store, analyzer Analyzer, notifier notify.Notifier, log *logging.Logger) *Activities {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Activities{
		store:    store,
		analyzer: analyzer,
		notifier: notifier,
		log:      log.Named("activities"),
	}
}

// AnalysisInput carries the submission into the model-backed activities.
type AnalysisInput struct {
	ReviewID string
	Code     string
	Language string
	Triage   *review.TriageReport
}

func (in AnalysisInput) taskRequest() analysis.TaskRequest {
	return analysis.TaskRequest{
		ReviewID: in.ReviewID,
		Code:     in.Code,
		Language: in.Language,
		Triage:   in.Triage,
	}
}

// TransitionInput moves a review to a new status.
type TransitionInput struct {
	ReviewID string
	UserID   string
	Status   review.Status
	Stage    string
	Error    string
}

// Transition persists a status change and publishes the matching event.
// The store write and the notification are coupled in one activity so a
// persisted transition is always announced at least once.
func (a *Activities) Transition(ctx context.Context, input TransitionInput) error {
	ctx = logging.WithReviewID(ctx, input.ReviewID)

	if err := a.store.UpdateStatus(ctx, input.ReviewID, input.Status, input.Stage, input.Error); err != nil {
		return fmt.Errorf("failed to transition review: %w", err)
	}

	a.notifier.ReviewTransitioned(ctx, notify.Event{
		ReviewID:  input.ReviewID,
		UserID:    input.UserID,
		Status:    input.Status,
		Stage:     input.Stage,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Triage scopes the submission for the analysis fan-out.
func (a *Activities) Triage(ctx context.Context, input AnalysisInput) (*review.TriageReport, error) {
	return a.analyzer.Triage(ctx, input.taskRequest())
}

// AnalyzeInput selects one analysis task.
type AnalyzeInput struct {
	AnalysisInput
	Category review.Category
}

// Analyze runs one of the four analysis tasks.
func (a *Activities) Analyze(ctx context.Context, input AnalyzeInput) ([]review.RawFinding, error) {
	return a.analyzer.Analyze(ctx, input.Category, input.taskRequest())
}

// FilterInput carries the merged raw findings into reachability filtering.
type FilterInput struct {
	AnalysisInput
	Raw []review.RawFinding
}

// FilterReachability annotates every raw finding with a reachability
// verdict. Malformed model output is terminal: retrying the same content
// would burn attempts without changing the answer.
func (a *Activities) FilterReachability(ctx context.Context, input FilterInput) ([]review.Finding, error) {
	findings, err := a.analyzer.FilterReachability(ctx, input.taskRequest(), input.Raw)
	if err != nil {
		if errors.Is(err, analysis.ErrMalformedVerdicts) {
			return nil, temporal.NewNonRetryableApplicationError(
				"reachability filter returned malformed verdicts", "MalformedVerdicts", err)
		}
		return nil, err
	}
	return findings, nil
}

// SynthesizeInput carries the filtered findings into synthesis.
type SynthesizeInput struct {
	ReviewID string
	TotalRaw int
	Findings []review.Finding
}

// Synthesize computes the aggregate statistics and attaches a generated
// summary. Summary generation is best-effort; the statistics never are.
func (a *Activities) Synthesize(ctx context.Context, input SynthesizeInput) (review.Synthesis, error) {
	syn := review.Synthesize(input.TotalRaw, input.Findings)

	summary, err := a.analyzer.SynthesizeSummary(ctx, input.ReviewID, syn, input.Findings)
	if err != nil {
		return review.Synthesis{}, err
	}
	syn.Summary = summary
	return syn, nil
}

// StoreFindingsInput persists a finding set with its synthesis.
type StoreFindingsInput struct {
	ReviewID  string
	Findings  []review.Finding
	Synthesis review.Synthesis
}

// StoreFindings writes the findings and aggregate statistics.
func (a *Activities) StoreFindings(ctx context.Context, input StoreFindingsInput) error {
	return a.store.StoreFindings(ctx, input.ReviewID, input.Findings, input.Synthesis)
}

// RemediateInput carries the approved findings into fix generation.
type RemediateInput struct {
	AnalysisInput
	Approved []review.Finding
}

// Remediate generates fixes for the approved findings. Like the
// reachability filter, malformed output is terminal rather than retried.
func (a *Activities) Remediate(ctx context.Context, input RemediateInput) ([]review.Remediation, error) {
	rems, err := a.analyzer.GenerateRemediations(ctx, input.taskRequest(), input.Approved)
	if err != nil {
		if errors.Is(err, analysis.ErrMalformedRemediations) {
			return nil, temporal.NewNonRetryableApplicationError(
				"remediation generation returned malformed output", "MalformedRemediations", err)
		}
		return nil, err
	}

	a.log.Info(logging.WithReviewID(ctx, input.ReviewID), "remediations generated",
		zap.Int("approved", len(input.Approved)),
		zap.Int("generated", len(rems)),
	)
	return rems, nil
}

// StoreRemediationsInput persists generated remediations.
type StoreRemediationsInput struct {
	ReviewID     string
	Remediations []review.Remediation
}

// StoreRemediations appends the generated fixes.
func (a *Activities) StoreRemediations(ctx context.Context, input StoreRemediationsInput) error {
	return a.store.StoreRemediations(ctx, input.ReviewID, input.Remediations)
}
