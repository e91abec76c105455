package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/reviewd/internal/review"
)

func testInput() ReviewInput {
	return ReviewInput{
		ReviewID: "rev-1",
		UserID:   "alice",
		Code:     "package main",
		Language: "go",
	}
}

func testTriage() *review.TriageReport {
	return &review.TriageReport{
		Sinks:          []review.Sink{{Name: "db.Query", Kind: "sql", Line: 42}},
		EntryPoints:    []review.EntryPoint{{Name: "handleSearch", Kind: "http_param", Line: 10}},
		UsesAuth:       true,
		HandlesSecrets: true,
		Dependencies:   []string{"github.com/lib/pq"},
	}
}

func testFiltered() []review.Finding {
	return []review.Finding{
		{
			RawFinding:       review.RawFinding{ID: "f-1", Category: review.CategoryInjection, Severity: review.SeverityCritical, Title: "SQL injection"},
			IsReachable:      true,
			HasUserInputPath: true,
			DataFlowPath:     []review.PathNode{{Name: "handleSearch", Type: "source"}},
		},
		{
			RawFinding:          review.RawFinding{ID: "f-2", Category: review.CategorySecrets, Severity: review.SeverityLow, Title: "Test credential"},
			FalsePositiveReason: "test-only code",
		},
		{
			RawFinding:       review.RawFinding{ID: "f-3", Category: review.CategoryAuth, Severity: review.SeverityHigh, Title: "Missing session check"},
			IsReachable:      true,
			HasUserInputPath: true,
			DataFlowPath:     []review.PathNode{{Name: "handleAdmin", Type: "source"}},
		},
	}
}

// registerPipelineMocks mocks the stages up to and including persistence of
// the filtered findings, recording every status transition in order.
func registerPipelineMocks(env *testsuite.TestWorkflowEnvironment, transitions *[]review.Status) *Activities {
	a := &Activities{}
	env.RegisterWorkflow(ReviewWorkflow)

	env.OnActivity(a.Transition, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input TransitionInput) error {
			*transitions = append(*transitions, input.Status)
			return nil
		})
	env.OnActivity(a.Triage, mock.Anything, mock.Anything).Return(testTriage(), nil)
	env.OnActivity(a.Analyze, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input AnalyzeInput) ([]review.RawFinding, error) {
			switch input.Category {
			case review.CategoryInjection:
				return []review.RawFinding{{ID: "f-1", Category: review.CategoryInjection, Severity: review.SeverityCritical, Title: "SQL injection"}}, nil
			case review.CategorySecrets:
				return []review.RawFinding{{ID: "f-2", Category: review.CategorySecrets, Severity: review.SeverityLow, Title: "Test credential"}}, nil
			case review.CategoryAuth:
				return []review.RawFinding{{ID: "f-3", Category: review.CategoryAuth, Severity: review.SeverityHigh, Title: "Missing session check"}}, nil
			default:
				return []review.RawFinding{}, nil
			}
		})
	env.OnActivity(a.FilterReachability, mock.Anything, mock.Anything).Return(testFiltered(), nil)
	env.OnActivity(a.Synthesize, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input SynthesizeInput) (review.Synthesis, error) {
			syn := review.Synthesize(input.TotalRaw, input.Findings)
			syn.Summary = "2 of 3 findings are reachable"
			return syn, nil
		})
	env.OnActivity(a.StoreFindings, mock.Anything, mock.Anything).Return(nil)
	return a
}

func TestReviewWorkflowApprovedSubset(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	a := registerPipelineMocks(env, &transitions)

	var remediated RemediateInput
	env.OnActivity(a.Remediate, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input RemediateInput) ([]review.Remediation, error) {
			remediated = input
			rems := make([]review.Remediation, len(input.Approved))
			for i, f := range input.Approved {
				rems[i] = review.Remediation{ID: "rem-" + f.ID, FindingID: f.ID, ReviewID: input.ReviewID}
			}
			return rems, nil
		})
	env.OnActivity(a.StoreRemediations, mock.Anything, mock.Anything).Return(nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{
			Approved:   true,
			FindingIDs: []string{"f-1"},
		})
	}, time.Hour)

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, review.StatusCompleted, result.Status)
	assert.True(t, result.Approved)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 3, result.FindingsRaw)
	assert.Equal(t, 2, result.FindingsFiltered)
	assert.Equal(t, 1, result.Remediations)

	// Only the named reachable finding reaches remediation.
	require.Len(t, remediated.Approved, 1)
	assert.Equal(t, "f-1", remediated.Approved[0].ID)
	assert.True(t, remediated.Approved[0].Approved)
	require.NotNil(t, remediated.Approved[0].ApprovedAt)

	assert.Equal(t, []review.Status{
		review.StatusTriaging,
		review.StatusAnalyzing,
		review.StatusFiltering,
		review.StatusAwaitingApproval,
		review.StatusRemediating,
		review.StatusCompleted,
	}, transitions)
}

func TestReviewWorkflowEmptyApprovalSkipsRemediation(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	registerPipelineMocks(env, &transitions)

	// Approval naming no finding ids completes without remediation.
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{Approved: true})
	}, time.Hour)

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, review.StatusCompleted, result.Status)
	assert.True(t, result.Approved)
	assert.Zero(t, result.Remediations)

	env.AssertNotCalled(t, "Remediate", mock.Anything, mock.Anything)
	assert.NotContains(t, transitions, review.StatusRemediating)
}

func TestReviewWorkflowApprovalMatchingNothingSkipsRemediation(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	registerPipelineMocks(env, &transitions)

	// Only unreachable or unknown ids named: nothing to remediate.
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{
			Approved:   true,
			FindingIDs: []string{"f-2", "ghost"},
		})
	}, time.Hour)

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, review.StatusCompleted, result.Status)
	assert.True(t, result.Approved)
	assert.Zero(t, result.Remediations)

	env.AssertNotCalled(t, "Remediate", mock.Anything, mock.Anything)
	assert.NotContains(t, transitions, review.StatusRemediating)
}

func TestReviewWorkflowRejected(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	registerPipelineMocks(env, &transitions)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{Approved: false})
	}, time.Hour)

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, review.StatusCompleted, result.Status)
	assert.False(t, result.Approved)
	assert.False(t, result.TimedOut)
	assert.Zero(t, result.Remediations)

	env.AssertNotCalled(t, "Remediate", mock.Anything, mock.Anything)
	assert.Equal(t, []review.Status{
		review.StatusTriaging,
		review.StatusAnalyzing,
		review.StatusFiltering,
		review.StatusAwaitingApproval,
		review.StatusCompleted,
	}, transitions)
}

func TestReviewWorkflowApprovalTimeout(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	registerPipelineMocks(env, &transitions)

	// No signal: the approval timer fires and counts as rejection.
	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, review.StatusCompleted, result.Status)
	assert.False(t, result.Approved)
	assert.True(t, result.TimedOut)
	assert.Zero(t, result.Remediations)

	env.AssertNotCalled(t, "Remediate", mock.Anything, mock.Anything)
	assert.Equal(t, review.StatusCompleted, transitions[len(transitions)-1])
}

func TestReviewWorkflowInvalidDecisionIgnored(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var transitions []review.Status
	registerPipelineMocks(env, &transitions)

	// Rejection naming finding ids is structurally invalid and must not
	// end the wait.
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{
			Approved:   false,
			FindingIDs: []string{"f-1"},
		})
	}, time.Hour)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalSignal, review.ApprovalDecision{Approved: true})
	}, 2*time.Hour)

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReviewResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.Approved)
	assert.False(t, result.TimedOut)
}

func TestReviewWorkflowAnalysisFailureFailsRun(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ReviewWorkflow)

	a := &Activities{}
	var transitions []review.Status
	env.OnActivity(a.Transition, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input TransitionInput) error {
			transitions = append(transitions, input.Status)
			return nil
		})
	env.OnActivity(a.Triage, mock.Anything, mock.Anything).Return(testTriage(), nil)
	env.OnActivity(a.Analyze, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input AnalyzeInput) ([]review.RawFinding, error) {
			if input.Category == review.CategoryAuth {
				return nil, temporal.NewNonRetryableApplicationError("model unavailable", "ModelUnavailable", errors.New("503"))
			}
			return []review.RawFinding{}, nil
		})

	env.ExecuteWorkflow(ReviewWorkflow, testInput())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	// A failed analysis task never reaches the reachability filter.
	env.AssertNotCalled(t, "FilterReachability", mock.Anything, mock.Anything)
	assert.Equal(t, review.StatusFailed, transitions[len(transitions)-1])
}

func TestMarkApproved(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("subset by id", func(t *testing.T) {
		findings := testFiltered()
		approved := markApproved(findings, []string{"f-3", "f-2", "unknown"}, at)

		// f-2 is unreachable and cannot be approved.
		require.Len(t, approved, 1)
		assert.Equal(t, "f-3", approved[0].ID)
		assert.True(t, findings[2].Approved)
		assert.False(t, findings[0].Approved)
		assert.False(t, findings[1].Approved)
	})

	t.Run("all reachable named", func(t *testing.T) {
		findings := testFiltered()
		approved := markApproved(findings, []string{"f-1", "f-3"}, at)

		require.Len(t, approved, 2)
		assert.Equal(t, "f-1", approved[0].ID)
		assert.Equal(t, "f-3", approved[1].ID)
		require.NotNil(t, approved[0].ApprovedAt)
		assert.Equal(t, at, *approved[0].ApprovedAt)
	})

	t.Run("empty ids approve nothing", func(t *testing.T) {
		findings := testFiltered()
		approved := markApproved(findings, nil, at)

		assert.Empty(t, approved)
		for _, f := range findings {
			assert.False(t, f.Approved)
		}
	})
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "review-rev-1", WorkflowID("rev-1"))
}
