// Package classify implements intent classification for incoming tasks:
// a keyword scorer over the closed department set, an optional LLM path
// behind the core.Classifier port, a hash-keyed result cache, and a
// feedback loop that folds corrections back into the training set.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// Classification methods recorded on cache entries and feedback rows.
const (
	MethodKeywords = "keywords"
	MethodLLM      = "llm"
	MethodCache    = "cache"
)

// exampleMatchWeight is the score contribution of an exact training-example
// match. It outweighs individual keyword hits so corrections stick.
const exampleMatchWeight = 3

// intentKeywords is the curated keyword list per department. Scoring counts
// keyword occurrences in the normalized task text.
var intentKeywords = map[core.Intent][]string{
	core.IntentCommunications: {
		"email", "message", "send", "draft", "announce", "reply",
		"notification", "notify", "newsletter", "broadcast", "contact",
	},
	core.IntentAnalysis: {
		"analyze", "analyse", "review", "evaluate", "assess",
		"investigate", "audit", "report", "metrics", "insight",
	},
	core.IntentAutomation: {
		"automate", "schedule", "trigger", "batch", "pipeline",
		"workflow", "cron", "recurring", "script",
	},
	core.IntentCoordination: {
		"coordinate", "plan", "delegate", "supervise", "monitor",
		"track", "organize", "assign", "manage",
	},
}

// Result is one classification outcome.
type Result struct {
	Intent     core.Intent `json:"intent"`
	Confidence float64     `json:"confidence"`
	Method     string      `json:"method"`
}

// Metrics is the classifier's counter snapshot.
type Metrics struct {
	Total       int64            `json:"total_classifications"`
	CacheHits   int64            `json:"cache_hits"`
	CacheMisses int64            `json:"cache_misses"`
	ByMethod    map[string]int64 `json:"by_method"`
}

// IntentClassifier maps task text onto the closed department set. Safe for
// concurrent use.
type IntentClassifier struct {
	config   core.ClassifierConfig
	fallback core.Intent
	cache    Cache
	llm      core.Classifier
	feedback *FeedbackLog
	logger   core.Logger

	mu       sync.RWMutex
	examples map[core.Intent][]string // normalized training examples

	statsMu sync.Mutex
	stats   Metrics
}

// NewIntentClassifier creates a classifier with the given cache backend.
// llm may be nil; LLM mode then stays disabled regardless of config.
func NewIntentClassifier(config core.ClassifierConfig, fallback core.Intent, cache Cache, llm core.Classifier) *IntentClassifier {
	if cache == nil {
		cache = NewMemoryCache(config.CacheMaxAge)
	}
	if !core.ValidIntent(string(fallback)) {
		fallback = core.IntentCoordination
	}
	return &IntentClassifier{
		config:   config,
		fallback: fallback,
		cache:    cache,
		llm:      llm,
		feedback: NewFeedbackLog(),
		logger:   &core.NoOpLogger{},
		examples: make(map[core.Intent][]string),
		stats:    Metrics{ByMethod: make(map[string]int64)},
	}
}

// SetLogger injects the logger.
func (c *IntentClassifier) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
		c.feedback.SetLogger(logger)
	}
}

// Feedback returns the classifier's feedback log.
func (c *IntentClassifier) Feedback() *FeedbackLog {
	return c.feedback
}

// ClassifyTask classifies a task from its title, description, declared
// type, and the payload's own type hint when the submitter provided one.
func (c *IntentClassifier) ClassifyTask(ctx context.Context, task *core.Task) Result {
	text := fmt.Sprintf("%s %s %s", task.Title, task.Description, task.Type)
	if hint, ok := task.InputData["type"].(string); ok && hint != "" {
		text += " " + hint
	}
	return c.Classify(ctx, text)
}

// Classify maps free-form text onto an intent with a confidence in [0,1].
// It never fails: LLM errors fall back to the keyword scorer.
func (c *IntentClassifier) Classify(ctx context.Context, text string) Result {
	normalized := Normalize(text)
	hash := TextHash(normalized)

	if c.llmEnabled() {
		if entry, ok := c.cacheGet(ctx, hash); ok {
			c.count(MethodCache, true)
			return Result{Intent: entry.Intent, Confidence: entry.Confidence, Method: MethodCache}
		}
		c.count("", false)

		if res, err := c.classifyLLM(ctx, normalized); err == nil {
			c.cachePut(ctx, hash, res)
			c.count(MethodLLM, false)
			return res
		} else {
			c.logger.Warn("LLM classification failed, using keyword scorer", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	res := c.classifyKeywords(normalized)
	if c.llmEnabled() {
		c.cachePut(ctx, hash, res)
	}
	c.count(MethodKeywords, false)
	return res
}

// AddFeedback records a correction. A mismatch adds the task text as a
// training example under the actual intent and invalidates the cached
// classification for that text.
func (c *IntentClassifier) AddFeedback(ctx context.Context, fb core.ClassificationFeedback, taskText string) error {
	if !core.ValidIntent(string(fb.ActualIntent)) {
		return fmt.Errorf("%w: unknown intent %q", core.ErrInvalidRequest, fb.ActualIntent)
	}
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now()
	}
	c.feedback.Append(fb)

	if fb.PredictedIntent != fb.ActualIntent && taskText != "" {
		normalized := Normalize(taskText)
		c.addExample(fb.ActualIntent, normalized)
		if err := c.cache.Invalidate(ctx, TextHash(normalized)); err != nil {
			c.logger.Warn("Failed to invalidate classification cache", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Metrics returns a snapshot of the classifier counters.
func (c *IntentClassifier) Metrics() Metrics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	snap := c.stats
	snap.ByMethod = make(map[string]int64, len(c.stats.ByMethod))
	for k, v := range c.stats.ByMethod {
		snap.ByMethod[k] = v
	}
	return snap
}

// Close releases the cache backend.
func (c *IntentClassifier) Close() error {
	return c.cache.Close()
}

// ─── keyword scoring ───

// classifyKeywords scores the normalized text against each intent's keyword
// list plus learned training examples. Ties break in core.AllIntents order;
// a zero top score yields the fallback intent with confidence 0.
func (c *IntentClassifier) classifyKeywords(normalized string) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scores := make(map[core.Intent]int, len(core.AllIntents))
	total := 0
	for _, intent := range core.AllIntents {
		score := 0
		for _, kw := range intentKeywords[intent] {
			if containsWord(normalized, kw) {
				score++
			}
		}
		for _, example := range c.examples[intent] {
			if normalized == example {
				score += exampleMatchWeight
			}
		}
		scores[intent] = score
		total += score
	}

	best := c.fallback
	bestScore := 0
	for _, intent := range core.AllIntents {
		if scores[intent] > bestScore {
			best = intent
			bestScore = scores[intent]
		}
	}
	if bestScore == 0 {
		return Result{Intent: c.fallback, Confidence: 0, Method: MethodKeywords}
	}
	return Result{
		Intent:     best,
		Confidence: float64(bestScore) / float64(total),
		Method:     MethodKeywords,
	}
}

// ─── LLM path ───

func (c *IntentClassifier) llmEnabled() bool {
	return c.config.LLMEnabled && c.llm != nil
}

func (c *IntentClassifier) classifyLLM(ctx context.Context, normalized string) (Result, error) {
	prompt := c.buildPrompt(normalized)
	raw, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", core.ErrClassifierUnavailable, err)
	}

	intent, confidence, ok := parseLLMResponse(raw)
	if !ok {
		// Unknown department in the response: the keyword scorer decides.
		return c.classifyKeywords(normalized), nil
	}
	return Result{Intent: intent, Confidence: confidence, Method: MethodLLM}, nil
}

// buildPrompt renders the classification prompt with at most
// MaxExamplesPerIntent recent training examples per department.
func (c *IntentClassifier) buildPrompt(text string) string {
	maxExamples := c.config.MaxExamplesPerIntent
	if maxExamples <= 0 {
		maxExamples = 3
	}

	var sb strings.Builder
	sb.WriteString("Classify the task below into exactly one department: ")
	for i, intent := range core.AllIntents {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(intent))
	}
	sb.WriteString(".\nRespond with a single line: DEPARTMENT|CONFIDENCE (confidence between 0 and 1).\n")

	c.mu.RLock()
	for _, intent := range core.AllIntents {
		examples := c.examples[intent]
		if len(examples) == 0 {
			continue
		}
		if len(examples) > maxExamples {
			examples = examples[len(examples)-maxExamples:]
		}
		for _, example := range examples {
			fmt.Fprintf(&sb, "Example (%s): %s\n", intent, example)
		}
	}
	c.mu.RUnlock()

	fmt.Fprintf(&sb, "Task: %s\n", text)
	return sb.String()
}

// parseLLMResponse parses "DEPARTMENT|CONFIDENCE". Returns ok=false when
// the department is outside the closed set.
func parseLLMResponse(raw string) (core.Intent, float64, bool) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	parts := strings.SplitN(line, "|", 2)
	dept := strings.ToLower(strings.TrimSpace(parts[0]))
	if !core.ValidIntent(dept) {
		return "", 0, false
	}
	confidence := 0.5
	if len(parts) == 2 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
			confidence = f
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return core.Intent(dept), confidence, true
}

// ─── helpers ───

func (c *IntentClassifier) addExample(intent core.Intent, normalized string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.examples[intent] {
		if existing == normalized {
			return
		}
	}
	c.examples[intent] = append(c.examples[intent], normalized)
}

func (c *IntentClassifier) cacheGet(ctx context.Context, hash string) (*core.ClassificationEntry, bool) {
	entry, ok, err := c.cache.Get(ctx, hash)
	if err != nil {
		c.logger.Warn("Classification cache read failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, false
	}
	return entry, ok
}

func (c *IntentClassifier) cachePut(ctx context.Context, hash string, res Result) {
	entry := &core.ClassificationEntry{
		TextHash:   hash,
		Intent:     res.Intent,
		Confidence: res.Confidence,
		Method:     res.Method,
		Timestamp:  time.Now(),
	}
	if err := c.cache.Set(ctx, entry); err != nil {
		c.logger.Warn("Classification cache write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *IntentClassifier) count(method string, cacheHit bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if method != "" {
		c.stats.Total++
		c.stats.ByMethod[method]++
	}
	if c.llmEnabled() {
		if cacheHit {
			c.stats.CacheHits++
		} else if method == "" {
			c.stats.CacheMisses++
		}
	}
}

// Normalize lowers the text and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// TextHash returns the SHA-256 hex digest used as the cache key.
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// containsWord reports whether the normalized text contains kw as a whole
// word.
func containsWord(text, kw string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || text[start-1] == ' '
		afterOK := end == len(text) || text[end] == ' '
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}
