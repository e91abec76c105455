// Package workflows provides the Temporal workflow definitions that drive a
// security review end to end: triage, parallel analysis, reachability
// filtering, synthesis, human approval, and remediation. All pipeline state
// transitions happen through activities so every run survives process
// restarts and resumes from its last completed stage.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/reviewd/internal/review"
)

const (
	// TaskQueue is the queue the review worker polls.
	TaskQueue = "review-pipeline-queue"

	// ApprovalSignal carries a review.ApprovalDecision into a suspended run.
	ApprovalSignal = "approval-decision"

	defaultStageTimeout       = 3 * time.Minute
	defaultRemediationTimeout = 5 * time.Minute
	defaultMaxStageAttempts   = 3
	defaultApprovalTimeout    = 7 * 24 * time.Hour
)

// WorkflowID returns the deterministic workflow id for a review, so a
// resubmitted review id maps onto the same run.
func WorkflowID(reviewID string) string {
	return "review-" + reviewID
}

// analysisOrder fixes the fan-out and merge order of the four analysis
// tasks. Merging in a fixed order keeps replay deterministic.
var analysisOrder = []review.Category{
	review.CategoryDependency,
	review.CategoryAuth,
	review.CategoryInjection,
	review.CategorySecrets,
}

// ReviewInput starts one review run.
type ReviewInput struct {
	ReviewID string
	UserID   string
	Code     string
	Language string

	// Zero values fall back to the pipeline defaults.
	StageTimeout       time.Duration
	RemediationTimeout time.Duration
	MaxStageAttempts   int
	ApprovalTimeout    time.Duration
}

func (in *ReviewInput) applyDefaults() {
	if in.StageTimeout <= 0 {
		in.StageTimeout = defaultStageTimeout
	}
	if in.RemediationTimeout <= 0 {
		in.RemediationTimeout = defaultRemediationTimeout
	}
	if in.MaxStageAttempts <= 0 {
		in.MaxStageAttempts = defaultMaxStageAttempts
	}
	if in.ApprovalTimeout <= 0 {
		in.ApprovalTimeout = defaultApprovalTimeout
	}
}

// ReviewResult summarizes a finished run.
type ReviewResult struct {
	ReviewID         string
	Status           review.Status
	Approved         bool
	TimedOut         bool
	FindingsRaw      int
	FindingsFiltered int
	Remediations     int
}

// ReviewWorkflow runs the full review pipeline for one submission.
//
// Stages:
//  1. Triage the code to scope the analysis tasks.
//  2. Fan out the four analysis tasks in parallel and merge their findings.
//  3. Filter findings through reachability analysis.
//  4. Synthesize statistics and a summary, persist the findings.
//  5. Suspend awaiting a human approval decision (bounded by a timeout
//     that counts as rejection).
//  6. If approved, generate and persist remediations for the approved
//     findings.
//
// Any exhausted stage moves the review to failed; a rejection or timeout
// completes it without remediation.
func ReviewWorkflow(ctx workflow.Context, input ReviewInput) (*ReviewResult, error) {
	input.applyDefaults()

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting review pipeline",
		"review_id", input.ReviewID,
		"user_id", input.UserID,
		"language", input.Language)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: input.StageTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    int32(input.MaxStageAttempts),
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	result := &ReviewResult{ReviewID: input.ReviewID}
	analysisInput := AnalysisInput{
		ReviewID: input.ReviewID,
		Code:     input.Code,
		Language: input.Language,
	}

	transition := func(status review.Status, stage, errText string) error {
		return workflow.ExecuteActivity(ctx, a.Transition, TransitionInput{
			ReviewID: input.ReviewID,
			UserID:   input.UserID,
			Status:   status,
			Stage:    stage,
			Error:    errText,
		}).Get(ctx, nil)
	}

	fail := func(stage string, cause error) (*ReviewResult, error) {
		logger.Error("Review stage failed", "stage", stage, "error", cause)
		if err := transition(review.StatusFailed, stage, cause.Error()); err != nil {
			logger.Error("Failed to record failure", "stage", stage, "error", err)
		}
		result.Status = review.StatusFailed
		return result, cause
	}

	// Stage 1: triage.
	if err := transition(review.StatusTriaging, "triage", ""); err != nil {
		return fail("triage", err)
	}
	var triage *review.TriageReport
	if err := workflow.ExecuteActivity(ctx, a.Triage, analysisInput).Get(ctx, &triage); err != nil {
		return fail("triage", err)
	}
	analysisInput.Triage = triage

	// Stage 2: parallel analysis fan-out.
	if err := transition(review.StatusAnalyzing, "analysis", ""); err != nil {
		return fail("analysis", err)
	}
	futures := make([]workflow.Future, len(analysisOrder))
	for i, category := range analysisOrder {
		futures[i] = workflow.ExecuteActivity(ctx, a.Analyze, AnalyzeInput{
			AnalysisInput: analysisInput,
			Category:      category,
		})
	}
	var raw []review.RawFinding
	for i, future := range futures {
		var findings []review.RawFinding
		if err := future.Get(ctx, &findings); err != nil {
			return fail(fmt.Sprintf("analysis/%s", analysisOrder[i]), err)
		}
		raw = append(raw, findings...)
	}
	result.FindingsRaw = len(raw)
	logger.Info("Analysis complete", "raw_findings", len(raw))

	// Stage 3: reachability filtering.
	if err := transition(review.StatusFiltering, "reachability-filter", ""); err != nil {
		return fail("reachability-filter", err)
	}
	var findings []review.Finding
	err := workflow.ExecuteActivity(ctx, a.FilterReachability, FilterInput{
		AnalysisInput: analysisInput,
		Raw:           raw,
	}).Get(ctx, &findings)
	if err != nil {
		return fail("reachability-filter", err)
	}
	result.FindingsFiltered = review.ReachableCount(findings)

	// Stage 4: synthesis and persistence.
	var synthesis review.Synthesis
	err = workflow.ExecuteActivity(ctx, a.Synthesize, SynthesizeInput{
		ReviewID: input.ReviewID,
		TotalRaw: len(raw),
		Findings: findings,
	}).Get(ctx, &synthesis)
	if err != nil {
		return fail("synthesis", err)
	}
	err = workflow.ExecuteActivity(ctx, a.StoreFindings, StoreFindingsInput{
		ReviewID:  input.ReviewID,
		Findings:  findings,
		Synthesis: synthesis,
	}).Get(ctx, nil)
	if err != nil {
		return fail("synthesis", err)
	}

	// Stage 5: suspend for human approval.
	if err := transition(review.StatusAwaitingApproval, "approval", ""); err != nil {
		return fail("approval", err)
	}
	decision, timedOut := awaitApproval(ctx, input.ApprovalTimeout)
	result.TimedOut = timedOut

	if timedOut || !decision.Approved {
		if timedOut {
			logger.Info("Approval window elapsed, treating as rejection",
				"timeout", input.ApprovalTimeout)
		} else {
			logger.Info("Review rejected by reviewer")
		}
		if err := transition(review.StatusCompleted, "", ""); err != nil {
			return fail("approval", err)
		}
		result.Status = review.StatusCompleted
		return result, nil
	}

	// Stage 6: remediation of approved findings. An approval naming no
	// finding ids, or ids matching no reachable finding, completes without
	// a remediation stage.
	approved := markApproved(findings, decision.FindingIDs, workflow.Now(ctx).UTC())
	result.Approved = true
	logger.Info("Review approved", "approved_findings", len(approved))

	if len(approved) == 0 {
		if err := transition(review.StatusCompleted, "", ""); err != nil {
			return fail("approval", err)
		}
		result.Status = review.StatusCompleted
		return result, nil
	}

	err = workflow.ExecuteActivity(ctx, a.StoreFindings, StoreFindingsInput{
		ReviewID:  input.ReviewID,
		Findings:  findings,
		Synthesis: synthesis,
	}).Get(ctx, nil)
	if err != nil {
		return fail("approval", err)
	}

	if err := transition(review.StatusRemediating, "remediation", ""); err != nil {
		return fail("remediation", err)
	}

	remediationCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: input.RemediationTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    2, // Fewer retries for expensive generation calls
		},
	})
	var remediations []review.Remediation
	err = workflow.ExecuteActivity(remediationCtx, a.Remediate, RemediateInput{
		AnalysisInput: analysisInput,
		Approved:      approved,
	}).Get(ctx, &remediations)
	if err != nil {
		return fail("remediation", err)
	}
	err = workflow.ExecuteActivity(ctx, a.StoreRemediations, StoreRemediationsInput{
		ReviewID:     input.ReviewID,
		Remediations: remediations,
	}).Get(ctx, nil)
	if err != nil {
		return fail("remediation", err)
	}
	result.Remediations = len(remediations)

	if err := transition(review.StatusCompleted, "", ""); err != nil {
		return fail("remediation", err)
	}
	result.Status = review.StatusCompleted

	logger.Info("Review pipeline complete",
		"raw_findings", result.FindingsRaw,
		"reachable_findings", result.FindingsFiltered,
		"remediations", result.Remediations)
	return result, nil
}

// awaitApproval blocks until a valid approval decision arrives or the
// timeout elapses. Structurally invalid decisions are logged and ignored;
// the run keeps waiting.
func awaitApproval(ctx workflow.Context, timeout time.Duration) (review.ApprovalDecision, bool) {
	logger := workflow.GetLogger(ctx)

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, timeout)
	signals := workflow.GetSignalChannel(ctx, ApprovalSignal)

	var decision review.ApprovalDecision
	decided := false
	timedOut := false

	for !decided && !timedOut {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(signals, func(c workflow.ReceiveChannel, more bool) {
			var d review.ApprovalDecision
			c.Receive(ctx, &d)
			if err := d.Validate(); err != nil {
				logger.Warn("Ignoring invalid approval decision", "error", err)
				return
			}
			decision = d
			decided = true
		})
		selector.AddFuture(timer, func(workflow.Future) {
			timedOut = true
		})
		selector.Select(ctx)
	}

	return decision, timedOut
}

// markApproved sets the approval flags on the reachable findings named by
// ids, mutating findings in place, and returns the approved subset. An
// empty id list approves nothing. Ids that are unknown or refer to
// unreachable findings are ignored.
func markApproved(findings []review.Finding, ids []string, at time.Time) []review.Finding {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var approved []review.Finding
	for i := range findings {
		f := &findings[i]
		if !f.IsReachable || !wanted[f.ID] {
			continue
		}
		f.Approved = true
		t := at
		f.ApprovedAt = &t
		approved = append(approved, *f)
	}
	return approved
}
