package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/dialog"
	"github.com/jervisproject/jervis/kb"
	"github.com/jervisproject/jervis/plan"
	"github.com/jervisproject/jervis/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedCode(_ context.Context, inputs []string) ([][]float32, error) {
	return make([][]float32, len(inputs)), nil
}

func (fakeEmbedder) EmbedText(_ context.Context, inputs []string) ([][]float32, error) {
	return make([][]float32, len(inputs)), nil
}

func (fakeEmbedder) CodeModel() string { return "code-model" }

func (fakeEmbedder) TextModel() string { return "text-model" }

func (fakeEmbedder) Dimension(context.Context, string) (int, error) { return 3, nil }

type fakeSearcher struct {
	hits        map[string][]vector.Hit
	seenFilters []vector.Filter
}

func (s *fakeSearcher) Search(_ context.Context, collection string, _ []float32, _ int, _ float32, filter vector.Filter) ([]vector.Hit, error) {
	s.seenFilters = append(s.seenFilters, filter)
	return s.hits[collection], nil
}

func stepContext() plan.StepContext {
	return plan.StepContext{
		ClientID:    "client-1",
		ProjectID:   "proj-1",
		ContextID:   "ctx-1",
		PlanID:      "plan-1",
		Question:    "Where is the login code?",
		Instruction: "search for login handling",
	}
}

func TestRagSearchFormatsHits(t *testing.T) {
	searcher := &fakeSearcher{hits: map[string][]vector.Hit{
		vector.CollectionName("text-model", 3): {
			{ID: "v1", Score: 0.91, Payload: map[string]any{
				"path":        "auth/login.go",
				"symbol_type": "METHOD",
				"summary":     "Validates credentials and issues a session token.",
				"line_start":  float64(42),
			}},
		},
	}}
	tool := NewRagSearch(fakeEmbedder{}, searcher, nil)

	result := tool.Execute(context.Background(), stepContext())
	require.Equal(t, plan.Ok, result.Kind)
	assert.Contains(t, result.Output, "auth/login.go (method) line 42")
	assert.Contains(t, result.Output, "Validates credentials")

	// Both embedding lanes are searched, scoped to the project.
	require.Len(t, searcher.seenFilters, 2)
	for _, f := range searcher.seenFilters {
		assert.Equal(t, "proj-1", f["project_id"])
	}
}

func TestRagSearchNoHits(t *testing.T) {
	tool := NewRagSearch(fakeEmbedder{}, &fakeSearcher{}, nil)

	result := tool.Execute(context.Background(), stepContext())
	assert.Equal(t, plan.Error, result.Kind)
	assert.Contains(t, result.Output, "no relevant knowledge found")
}

type fakeKB struct {
	fragments []kb.Fragment
	err       error
	seen      []kb.RetrieveRequest
}

func (f *fakeKB) Retrieve(_ context.Context, req kb.RetrieveRequest) ([]kb.Fragment, error) {
	f.seen = append(f.seen, req)
	return f.fragments, f.err
}

func TestKBRetrieve(t *testing.T) {
	knowledge := &fakeKB{fragments: []kb.Fragment{
		{ID: "f1", Kind: "ticket", Title: "PROJ-17", Body: "Login broken after deploy."},
	}}
	tool := NewKBRetrieve(knowledge, nil)

	result := tool.Execute(context.Background(), stepContext())
	require.Equal(t, plan.Ok, result.Kind)
	assert.Contains(t, result.Output, "PROJ-17 (ticket)")
	assert.Contains(t, result.Output, "Login broken after deploy.")

	require.Len(t, knowledge.seen, 1)
	assert.Equal(t, "client-1", knowledge.seen[0].ClientID)
	assert.Equal(t, "search for login handling", knowledge.seen[0].Query)
}

func TestKBRetrieveEmptyIsError(t *testing.T) {
	tool := NewKBRetrieve(&fakeKB{}, nil)
	result := tool.Execute(context.Background(), stepContext())
	assert.Equal(t, plan.Error, result.Kind)
}

func TestKBRetrieveFailure(t *testing.T) {
	tool := NewKBRetrieve(&fakeKB{err: fmt.Errorf("connection refused")}, nil)
	result := tool.Execute(context.Background(), stepContext())
	assert.Equal(t, plan.Error, result.Kind)
	assert.Contains(t, result.Output, "connection refused")
}

type fakeAsker struct {
	result dialog.Result
	err    error
	seen   dialog.Request
}

func (f *fakeAsker) Ask(_ context.Context, req dialog.Request) (dialog.Result, error) {
	f.seen = req
	return f.result, f.err
}

func TestAskUserAnswered(t *testing.T) {
	asker := &fakeAsker{result: dialog.Result{Accepted: true, Answer: "the main branch"}}
	tool := NewAskUser(asker, nil)

	sc := stepContext()
	sc.StepID = "step-3"
	sc.Instruction = "Which branch do you mean?"
	result := tool.Execute(context.Background(), sc)

	require.Equal(t, plan.Ok, result.Kind)
	assert.Contains(t, result.Output, "Which branch do you mean?")
	assert.Contains(t, result.Output, "the main branch")
	assert.Equal(t, "Which branch do you mean?", asker.seen.Question)
	assert.Equal(t, "step-3", asker.seen.CorrelationID, "the step correlates the dialog")
	assert.Equal(t, "client-1", asker.seen.ClientID)
}

func TestAskUserClosedStopsPlan(t *testing.T) {
	asker := &fakeAsker{result: dialog.Result{ClosedByUser: true}}
	tool := NewAskUser(asker, nil)

	sc := stepContext()
	sc.Instruction = "Which branch?"
	result := tool.Execute(context.Background(), sc)
	assert.Equal(t, plan.Stop, result.Kind)
}

func TestAskUserNoQuestion(t *testing.T) {
	tool := NewAskUser(&fakeAsker{}, nil)
	sc := stepContext()
	sc.Instruction = ""
	result := tool.Execute(context.Background(), sc)
	assert.Equal(t, plan.Error, result.Kind)
}

func TestDescribe(t *testing.T) {
	catalog := Describe(
		NewRagSearch(fakeEmbedder{}, &fakeSearcher{}, nil),
		NewKBRetrieve(&fakeKB{}, nil),
		NewAskUser(&fakeAsker{}, nil),
	)
	assert.Len(t, catalog, 3)
	assert.Contains(t, catalog, "rag_search")
	assert.Contains(t, catalog, "kb_retrieve")
	assert.Contains(t, catalog, "ask_user")
}
