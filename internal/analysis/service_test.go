package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// clientFunc adapts a function to the Client interface.
type clientFunc func(ctx context.Context, prompt string) (string, error)

func (f clientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func fixedResponse(response string) Client {
	return clientFunc(func(context.Context, string) (string, error) {
		return response, nil
	})
}

func failingClient(err error) Client {
	return clientFunc(func(context.Context, string) (string, error) {
		return "", err
	})
}

func newTestService(c Client) *Service {
	return NewService(c, logging.NewNop(), 0)
}

var fullSurface = &review.TriageReport{
	EntryPoints:    []review.EntryPoint{{Name: "id", Kind: "http_param", Line: 1}},
	Sinks:          []review.Sink{{Name: "db.query", Kind: "sql", Line: 5}},
	UsesAuth:       true,
	HandlesSecrets: true,
	Dependencies:   []string{"express"},
}

func TestAnalyzeParsesFindings(t *testing.T) {
	svc := newTestService(fixedResponse(`[{"id":"f1","severity":"critical","title":"SQLi"}]`))

	findings, err := svc.Analyze(context.Background(), review.CategoryInjection, TaskRequest{
		ReviewID: "rev-1", Code: "db.query(id)", Language: "javascript", Triage: fullSurface,
	})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "f1", findings[0].ID)
	assert.Equal(t, review.CategoryInjection, findings[0].Category)
	assert.Equal(t, review.SeverityCritical, findings[0].Severity)
}

func TestAnalyzeMalformedResponseIsSoft(t *testing.T) {
	svc := newTestService(fixedResponse("Sorry, I cannot produce JSON today."))

	findings, err := svc.Analyze(context.Background(), review.CategoryAuth, TaskRequest{
		ReviewID: "rev-1", Code: "login()", Language: "go", Triage: fullSurface,
	})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAnalyzeTransportErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	svc := newTestService(failingClient(boom))

	_, err := svc.Analyze(context.Background(), review.CategoryInjection, TaskRequest{
		ReviewID: "rev-1", Code: "x", Language: "go", Triage: fullSurface,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzeSkipsWithoutRiskSurface(t *testing.T) {
	calls := 0
	svc := newTestService(clientFunc(func(context.Context, string) (string, error) {
		calls++
		return "[]", nil
	}))

	empty := &review.TriageReport{}
	for _, cat := range []review.Category{
		review.CategoryDependency, review.CategoryAuth,
		review.CategoryInjection, review.CategorySecrets,
	} {
		findings, err := svc.Analyze(context.Background(), cat, TaskRequest{
			ReviewID: "rev-1", Code: "x", Language: "go", Triage: empty,
		})
		require.NoError(t, err)
		assert.Empty(t, findings)
	}
	// No surface anywhere: not a single inference call was made.
	assert.Equal(t, 0, calls)
}

func TestAnalyzeRunsWithNilTriage(t *testing.T) {
	// Without a triage report there is no basis for skipping.
	calls := 0
	svc := newTestService(clientFunc(func(context.Context, string) (string, error) {
		calls++
		return "[]", nil
	}))

	_, err := svc.Analyze(context.Background(), review.CategoryInjection, TaskRequest{
		ReviewID: "rev-1", Code: "x", Language: "go",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAnalyzeUnknownCategory(t *testing.T) {
	svc := newTestService(fixedResponse("[]"))
	_, err := svc.Analyze(context.Background(), review.Category("prompt"), TaskRequest{})
	assert.Error(t, err)
}

func TestTriageDegradesOnMalformedResponse(t *testing.T) {
	svc := newTestService(fixedResponse("no json here"))

	report, err := svc.Triage(context.Background(), TaskRequest{ReviewID: "rev-1", Code: "x"})
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestMalformedTriageNeverMutesAnalysis(t *testing.T) {
	// A triage the model failed to produce must cost at most the triage
	// stage, never the four analyzers behind it.
	calls := 0
	svc := newTestService(clientFunc(func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "garbled triage output", nil
		}
		return "[]", nil
	}))

	report, err := svc.Triage(context.Background(), TaskRequest{ReviewID: "rev-1", Code: "x"})
	require.NoError(t, err)
	require.Nil(t, report)

	for _, cat := range []review.Category{
		review.CategoryDependency, review.CategoryAuth,
		review.CategoryInjection, review.CategorySecrets,
	} {
		_, err := svc.Analyze(context.Background(), cat, TaskRequest{
			ReviewID: "rev-1", Code: "x", Language: "go", Triage: report,
		})
		require.NoError(t, err)
	}
	// One triage call plus one inference call per analyzer, no skips.
	assert.Equal(t, 5, calls)
}

func TestFilterReachability(t *testing.T) {
	raw := []review.RawFinding{
		{ID: "f1", Category: review.CategoryInjection, Severity: review.SeverityHigh},
		{ID: "f2", Category: review.CategoryInjection, Severity: review.SeverityMedium},
		{ID: "f3", Category: review.CategoryAuth, Severity: review.SeverityLow},
		{ID: "f4", Category: review.CategorySecrets, Severity: review.SeverityLow},
		{ID: "f5", Category: review.CategorySecrets, Severity: review.SeverityLow},
	}
	response := `[
		{"id": "f1", "is_reachable": true, "has_user_input_path": true, "data_flow_path": [{"name": "req.query.id", "type": "source"}, {"name": "db.query", "type": "sink"}]},
		{"id": "f2", "is_reachable": false, "false_positive_reason": "parameterized query"},
		{"id": "f3", "is_reachable": true},
		{"id": "f4", "is_reachable": false}
	]`
	svc := newTestService(fixedResponse(response))

	findings, err := svc.FilterReachability(context.Background(), TaskRequest{
		ReviewID: "rev-1", Code: "x", Language: "go",
	}, raw)
	require.NoError(t, err)

	// Filtering never drops a finding: exactly one output per input.
	require.Len(t, findings, 5)
	byID := map[string]review.Finding{}
	for _, f := range findings {
		require.True(t, f.ValidateVerdict(), "finding %s violates verdict invariant", f.ID)
		byID[f.ID] = f
	}

	assert.True(t, byID["f1"].IsReachable)
	assert.True(t, byID["f1"].HasUserInputPath)
	assert.Len(t, byID["f1"].DataFlowPath, 2)

	assert.False(t, byID["f2"].IsReachable)
	assert.Equal(t, "parameterized query", byID["f2"].FalsePositiveReason)

	// Reachable without a path is demoted.
	assert.False(t, byID["f3"].IsReachable)
	assert.NotEmpty(t, byID["f3"].FalsePositiveReason)

	// Unreachable without a reason gets a default one.
	assert.False(t, byID["f4"].IsReachable)
	assert.NotEmpty(t, byID["f4"].FalsePositiveReason)

	// Missing verdict entirely.
	assert.False(t, byID["f5"].IsReachable)
	assert.NotEmpty(t, byID["f5"].FalsePositiveReason)
}

func TestFilterReachabilityEmptyInput(t *testing.T) {
	calls := 0
	svc := newTestService(clientFunc(func(context.Context, string) (string, error) {
		calls++
		return "[]", nil
	}))

	findings, err := svc.FilterReachability(context.Background(), TaskRequest{ReviewID: "rev-1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, 0, calls)
}

func TestFilterReachabilityMalformedIsTerminal(t *testing.T) {
	svc := newTestService(fixedResponse("not a verdict array"))

	_, err := svc.FilterReachability(context.Background(), TaskRequest{ReviewID: "rev-1"}, []review.RawFinding{{ID: "f1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedVerdicts)
}

func TestSynthesizeSummaryDegrades(t *testing.T) {
	svc := newTestService(failingClient(errors.New("timeout")))

	summary, err := svc.SynthesizeSummary(context.Background(), "rev-1", review.Synthesis{}, nil)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestGenerateRemediations(t *testing.T) {
	approved := []review.Finding{
		{RawFinding: review.RawFinding{ID: "f1", Location: review.Location{Snippet: "db.query(id)"}}, IsReachable: true},
		{RawFinding: review.RawFinding{ID: "f3"}, IsReachable: true},
	}
	response := `[
		{"finding_id": "f1", "fixed_code": "db.query(?, [id])", "explanation": "parameterize", "diff_hunks": [{"old_start": 1, "old_lines": 1, "new_start": 1, "new_lines": 1, "content": "-db.query(id)\n+db.query(?, [id])"}]},
		{"finding_id": "f3", "fixed_code": "fixed", "explanation": "fix"}
	]`
	svc := newTestService(fixedResponse(response))

	rems, err := svc.GenerateRemediations(context.Background(), TaskRequest{ReviewID: "rev-1", Code: "x"}, approved)
	require.NoError(t, err)
	require.Len(t, rems, 2)

	assert.Equal(t, "f1", rems[0].FindingID)
	assert.Equal(t, "rev-1", rems[0].ReviewID)
	assert.Equal(t, "db.query(id)", rems[0].OriginalCode)
	assert.Equal(t, "db.query(?, [id])", rems[0].FixedCode)
	assert.NotEmpty(t, rems[0].ID)
	assert.Len(t, rems[0].DiffHunks, 1)
	assert.Equal(t, "f3", rems[1].FindingID)
}

func TestGenerateRemediationsSkipsMissing(t *testing.T) {
	approved := []review.Finding{
		{RawFinding: review.RawFinding{ID: "f1"}, IsReachable: true},
		{RawFinding: review.RawFinding{ID: "f2"}, IsReachable: true},
	}
	svc := newTestService(fixedResponse(`[{"finding_id": "f1", "fixed_code": "ok", "explanation": "e"}]`))

	rems, err := svc.GenerateRemediations(context.Background(), TaskRequest{ReviewID: "rev-1"}, approved)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, "f1", rems[0].FindingID)
}

func TestGenerateRemediationsEmptyInput(t *testing.T) {
	calls := 0
	svc := newTestService(clientFunc(func(context.Context, string) (string, error) {
		calls++
		return "[]", nil
	}))

	rems, err := svc.GenerateRemediations(context.Background(), TaskRequest{ReviewID: "rev-1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rems)
	assert.Equal(t, 0, calls)
}

func TestGenerateRemediationsMalformed(t *testing.T) {
	svc := newTestService(fixedResponse("plain text"))

	_, err := svc.GenerateRemediations(context.Background(), TaskRequest{ReviewID: "rev-1"}, []review.Finding{{RawFinding: review.RawFinding{ID: "f1"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedRemediations)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
	long := "line one\nline two\nline three"
	got := truncate(long, 12)
	assert.Contains(t, got, "[truncated]")
	assert.Contains(t, got, "line one")
	assert.NotContains(t, got, "line three")
}
