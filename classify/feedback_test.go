package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blopit/SwarmDirector-sub000/core"
)

func fb(predicted, actual core.Intent, method string) core.ClassificationFeedback {
	return core.ClassificationFeedback{
		PredictedIntent: predicted,
		ActualIntent:    actual,
		Method:          method,
	}
}

func TestAccuracyReport(t *testing.T) {
	log := NewFeedbackLog()
	log.Append(fb(core.IntentAnalysis, core.IntentAnalysis, MethodKeywords))
	log.Append(fb(core.IntentAnalysis, core.IntentCoordination, MethodKeywords))
	log.Append(fb(core.IntentAutomation, core.IntentAutomation, MethodLLM))

	report := log.Accuracy()
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Correct)
	assert.InDelta(t, 2.0/3.0, report.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, report.ByMethod[MethodKeywords], 1e-9)
	assert.InDelta(t, 1.0, report.ByMethod[MethodLLM], 1e-9)
}

func TestAccuracyEmptyLog(t *testing.T) {
	report := NewFeedbackLog().Accuracy()
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 0.0, report.Accuracy)
}

func TestTopConfusions(t *testing.T) {
	log := NewFeedbackLog()
	for i := 0; i < 3; i++ {
		log.Append(fb(core.IntentAnalysis, core.IntentCoordination, MethodKeywords))
	}
	log.Append(fb(core.IntentCommunications, core.IntentAnalysis, MethodKeywords))
	log.Append(fb(core.IntentAnalysis, core.IntentAnalysis, MethodKeywords)) // correct, excluded

	pairs := log.TopConfusions(5)
	assert.Len(t, pairs, 2)
	assert.Equal(t, core.IntentAnalysis, pairs[0].Predicted)
	assert.Equal(t, core.IntentCoordination, pairs[0].Actual)
	assert.Equal(t, 3, pairs[0].Count)

	top1 := log.TopConfusions(1)
	assert.Len(t, top1, 1)
}
