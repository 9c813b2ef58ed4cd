package classify

import (
	"sort"
	"sync"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// ConfusionPair counts how often one intent was predicted when another was
// correct.
type ConfusionPair struct {
	Predicted core.Intent `json:"predicted"`
	Actual    core.Intent `json:"actual"`
	Count     int         `json:"count"`
}

// AccuracyReport aggregates the feedback log.
type AccuracyReport struct {
	Total    int                `json:"total"`
	Correct  int                `json:"correct"`
	Accuracy float64            `json:"accuracy"`
	ByMethod map[string]float64 `json:"by_method"`
}

// FeedbackLog is the append-only record of classification corrections.
type FeedbackLog struct {
	mu      sync.RWMutex
	records []core.ClassificationFeedback
	logger  core.Logger
}

// NewFeedbackLog creates an empty log.
func NewFeedbackLog() *FeedbackLog {
	return &FeedbackLog{logger: &core.NoOpLogger{}}
}

// SetLogger injects the logger.
func (f *FeedbackLog) SetLogger(logger core.Logger) {
	if logger != nil {
		f.logger = logger
	}
}

// Append records one feedback row.
func (f *FeedbackLog) Append(fb core.ClassificationFeedback) {
	f.mu.Lock()
	f.records = append(f.records, fb)
	total := len(f.records)
	f.mu.Unlock()

	f.logger.Debug("Classification feedback recorded", map[string]interface{}{
		"task_id":   fb.TaskID,
		"predicted": string(fb.PredictedIntent),
		"actual":    string(fb.ActualIntent),
		"total":     total,
	})
}

// Len returns the number of recorded feedback rows.
func (f *FeedbackLog) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

// Accuracy computes aggregate and per-method accuracy over the log.
func (f *FeedbackLog) Accuracy() AccuracyReport {
	f.mu.RLock()
	defer f.mu.RUnlock()

	report := AccuracyReport{ByMethod: make(map[string]float64)}
	methodTotals := make(map[string]int)
	methodCorrect := make(map[string]int)

	for _, r := range f.records {
		report.Total++
		methodTotals[r.Method]++
		if r.PredictedIntent == r.ActualIntent {
			report.Correct++
			methodCorrect[r.Method]++
		}
	}
	if report.Total > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Total)
	}
	for method, total := range methodTotals {
		report.ByMethod[method] = float64(methodCorrect[method]) / float64(total)
	}
	return report
}

// TopConfusions returns the n most frequent (predicted, actual) mismatch
// pairs, most frequent first.
func (f *FeedbackLog) TopConfusions(n int) []ConfusionPair {
	f.mu.RLock()
	counts := make(map[[2]core.Intent]int)
	for _, r := range f.records {
		if r.PredictedIntent != r.ActualIntent {
			counts[[2]core.Intent{r.PredictedIntent, r.ActualIntent}]++
		}
	}
	f.mu.RUnlock()

	pairs := make([]ConfusionPair, 0, len(counts))
	for key, count := range counts {
		pairs = append(pairs, ConfusionPair{Predicted: key[0], Actual: key[1], Count: count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		if pairs[i].Predicted != pairs[j].Predicted {
			return pairs[i].Predicted < pairs[j].Predicted
		}
		return pairs[i].Actual < pairs[j].Actual
	})
	if n > 0 && len(pairs) > n {
		pairs = pairs[:n]
	}
	return pairs
}
