package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/SwarmDirector-sub000/core"
)

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func newKeywordClassifier(t *testing.T) *IntentClassifier {
	t.Helper()
	c := NewIntentClassifier(core.ClassifierConfig{CacheMaxAge: time.Hour}, core.IntentCoordination, nil, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeywordClassification(t *testing.T) {
	c := newKeywordClassifier(t)

	tests := []struct {
		text   string
		intent core.Intent
	}{
		{"Send welcome email draft a welcome message for new user", core.IntentCommunications},
		{"Analyze the quarterly report and assess trends", core.IntentAnalysis},
		{"Automate the nightly batch pipeline", core.IntentAutomation},
		{"Coordinate the rollout plan and track progress", core.IntentCoordination},
	}
	for _, tt := range tests {
		res := c.Classify(context.Background(), tt.text)
		assert.Equal(t, tt.intent, res.Intent, tt.text)
		assert.Greater(t, res.Confidence, 0.0, tt.text)
		assert.Equal(t, MethodKeywords, res.Method)
	}
}

func TestKeywordZeroScoreFallsBack(t *testing.T) {
	c := newKeywordClassifier(t)

	res := c.Classify(context.Background(), "Do the thing wibble")
	assert.Equal(t, core.IntentCoordination, res.Intent)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestKeywordTieBreaksByIntentOrder(t *testing.T) {
	c := newKeywordClassifier(t)

	// "send" (communications) and "review" (analysis) score one each;
	// communications wins the tie.
	res := c.Classify(context.Background(), "send the review")
	assert.Equal(t, core.IntentCommunications, res.Intent)
	assert.Equal(t, 0.5, res.Confidence)
}

func TestKeywordConfidenceIsShareOfMatches(t *testing.T) {
	c := newKeywordClassifier(t)

	// email + send + draft (communications) vs review (analysis): 3/4.
	res := c.Classify(context.Background(), "send email draft for review")
	assert.Equal(t, core.IntentCommunications, res.Intent)
	assert.InDelta(t, 0.75, res.Confidence, 1e-9)
}

func TestKeywordMatchesWholeWordsOnly(t *testing.T) {
	c := newKeywordClassifier(t)

	// "sendoff" must not match the "send" keyword.
	res := c.Classify(context.Background(), "the sendoff party")
	assert.Equal(t, 0.0, res.Confidence)
}

func TestClassifyTaskUsesTitleDescriptionType(t *testing.T) {
	c := newKeywordClassifier(t)
	task := core.NewTask("t-1", "Welcome note", core.TaskTypeEmail)
	task.Description = "compose a note for the new user"

	res := c.ClassifyTask(context.Background(), task)
	assert.Equal(t, core.IntentCommunications, res.Intent)
}

func TestClassifyTaskUsesPayloadTypeHint(t *testing.T) {
	c := newKeywordClassifier(t)
	task := core.NewTask("t-1", "Handle request", core.TaskTypeOther)
	task.InputData = map[string]interface{}{"type": "email"}

	res := c.ClassifyTask(context.Background(), task)
	assert.Equal(t, core.IntentCommunications, res.Intent)
}

func TestFeedbackLearning(t *testing.T) {
	c := newKeywordClassifier(t)
	ctx := context.Background()
	text := "review quarterly numbers"

	res := c.Classify(ctx, text)
	require.Equal(t, core.IntentAnalysis, res.Intent)

	err := c.AddFeedback(ctx, core.ClassificationFeedback{
		TaskID:          "t-1",
		PredictedIntent: res.Intent,
		ActualIntent:    core.IntentCoordination,
		Source:          "user",
		Method:          res.Method,
	}, text)
	require.NoError(t, err)

	res = c.Classify(ctx, text)
	assert.Equal(t, core.IntentCoordination, res.Intent)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestFeedbackRejectsUnknownIntent(t *testing.T) {
	c := newKeywordClassifier(t)
	err := c.AddFeedback(context.Background(), core.ClassificationFeedback{
		TaskID:       "t-1",
		ActualIntent: "legal",
	}, "some text")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestLLMClassification(t *testing.T) {
	llm := &stubLLM{response: "analysis|0.92"}
	c := NewIntentClassifier(core.ClassifierConfig{LLMEnabled: true, CacheMaxAge: time.Hour}, core.IntentCoordination, nil, llm)
	defer c.Close()

	res := c.Classify(context.Background(), "figure out what happened")
	assert.Equal(t, core.IntentAnalysis, res.Intent)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, MethodLLM, res.Method)
}

func TestLLMResultIsCached(t *testing.T) {
	llm := &stubLLM{response: "automation|0.8"}
	c := NewIntentClassifier(core.ClassifierConfig{LLMEnabled: true, CacheMaxAge: time.Hour}, core.IntentCoordination, nil, llm)
	defer c.Close()
	ctx := context.Background()

	first := c.Classify(ctx, "same text")
	second := c.Classify(ctx, "same text")

	assert.Equal(t, 1, llm.calls, "second call must hit the cache")
	assert.Equal(t, first.Intent, second.Intent)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, MethodCache, second.Method)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
}

func TestLLMUnknownDepartmentFallsThrough(t *testing.T) {
	llm := &stubLLM{response: "finance|0.99"}
	c := NewIntentClassifier(core.ClassifierConfig{LLMEnabled: true, CacheMaxAge: time.Hour}, core.IntentCoordination, nil, llm)
	defer c.Close()

	res := c.Classify(context.Background(), "send the welcome email")
	assert.Equal(t, core.IntentCommunications, res.Intent)
}

func TestLLMErrorFallsBackToKeywords(t *testing.T) {
	llm := &stubLLM{err: errors.New("rate limited")}
	c := NewIntentClassifier(core.ClassifierConfig{LLMEnabled: true, CacheMaxAge: time.Hour}, core.IntentCoordination, nil, llm)
	defer c.Close()

	res := c.Classify(context.Background(), "send the welcome email")
	assert.Equal(t, core.IntentCommunications, res.Intent)
	assert.Equal(t, MethodKeywords, res.Method)
}

func TestParseLLMResponse(t *testing.T) {
	tests := []struct {
		raw        string
		intent     core.Intent
		confidence float64
		ok         bool
	}{
		{"communications|0.9", core.IntentCommunications, 0.9, true},
		{"  Analysis | 0.75 \n", core.IntentAnalysis, 0.75, true},
		{"automation|7", core.IntentAutomation, 1, true},
		{"coordination|-3", core.IntentCoordination, 0, true},
		{"coordination", core.IntentCoordination, 0.5, true},
		{"automation|garbage", core.IntentAutomation, 0.5, true},
		{"finance|0.9", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		intent, confidence, ok := parseLLMResponse(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		if tt.ok {
			assert.Equal(t, tt.intent, intent, tt.raw)
			assert.Equal(t, tt.confidence, confidence, tt.raw)
		}
	}
}

func TestPromptCapsExamplesPerIntent(t *testing.T) {
	c := NewIntentClassifier(core.ClassifierConfig{MaxExamplesPerIntent: 2, CacheMaxAge: time.Hour}, core.IntentCoordination, nil, nil)
	defer c.Close()
	for _, ex := range []string{"ex one", "ex two", "ex three"} {
		c.addExample(core.IntentAnalysis, ex)
	}

	prompt := c.buildPrompt("target text")
	assert.NotContains(t, prompt, "ex one")
	assert.Contains(t, prompt, "ex two")
	assert.Contains(t, prompt, "ex three")
	assert.Contains(t, prompt, "target text")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "send the email", Normalize("  Send   THE\n email "))
}
