package matcher

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/botflow-dev/botflow/internal/expressions"
	"github.com/botflow-dev/botflow/pkg/schema"
)

// Matcher evaluates incoming messages against weighted, typed patterns.
// Match is a pure function over its inputs; the only internal state is the
// compiled-regex cache, which is safe for concurrent use.
type Matcher struct {
	logger         *slog.Logger
	exprEngine     *expressions.ExprEngine
	fuzzyThreshold float64

	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	broken   map[string]bool // regexes that failed to compile; permanently non-matching
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithFuzzyThreshold overrides the minimum fuzzy similarity (default 0.6).
func WithFuzzyThreshold(t float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = t }
}

// WithLogger sets the logger used for non-fatal pattern diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// New creates a Matcher. The expr engine backs custom-kind patterns; pass nil
// to treat custom patterns as non-matching.
func New(exprEngine *expressions.ExprEngine, opts ...Option) *Matcher {
	m := &Matcher{
		logger:         slog.Default(),
		exprEngine:     exprEngine,
		fuzzyThreshold: schema.DefaultFuzzyThreshold,
		compiled:       make(map[string]*regexp.Regexp),
		broken:         make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match evaluates one message against a pattern set. Disabled patterns are
// skipped. The aggregate confidence is the weight-normalized average over
// matched patterns only; no match yields confidence 0.
func (m *Matcher) Match(ctx context.Context, message string, patterns []schema.Pattern) schema.MatchResult {
	start := time.Now()

	result := schema.MatchResult{
		ExtractedValues: schema.NewVars(),
	}

	var weightedSum, weightTotal, confidenceSum float64
	matchedCount := 0

	for i := range patterns {
		p := &patterns[i]
		if !p.Enabled {
			continue
		}

		matched, confidence := m.matchOne(ctx, message, p, result.ExtractedValues)
		if !matched {
			continue
		}

		matchedCount++
		result.MatchedPatternIDs = append(result.MatchedPatternIDs, p.ID)
		weightedSum += confidence * p.Weight
		weightTotal += p.Weight
		confidenceSum += confidence
	}

	if matchedCount > 0 {
		result.Matched = true
		if weightTotal > 0 {
			result.Confidence = weightedSum / weightTotal
		} else {
			// All matched patterns carry zero weight: plain mean.
			result.Confidence = confidenceSum / float64(matchedCount)
		}
	}

	result.Elapsed = time.Since(start)
	return result
}

// matchOne evaluates a single pattern and returns (matched, confidence).
// Regex captures are written into extracted.
func (m *Matcher) matchOne(ctx context.Context, message string, p *schema.Pattern, extracted *schema.Vars) (bool, float64) {
	msg := message
	text := p.Text
	if !p.CaseSensitive {
		msg = strings.ToLower(msg)
		text = strings.ToLower(text)
	}

	switch p.Kind {
	case schema.MatchExact:
		return msg == text, schema.ConfidenceExact

	case schema.MatchContains:
		return strings.Contains(msg, text), schema.ConfidenceContains

	case schema.MatchStartsWith:
		return strings.HasPrefix(msg, text), schema.ConfidencePrefix

	case schema.MatchEndsWith:
		return strings.HasSuffix(msg, text), schema.ConfidencePrefix

	case schema.MatchRegex:
		re := m.compile(p)
		if re == nil {
			return false, 0
		}
		groups := re.FindStringSubmatch(message)
		if groups == nil {
			return false, 0
		}
		extractCaptures(re, groups, extracted)
		return true, schema.ConfidenceRegex

	case schema.MatchFuzzy:
		sim := Similarity(msg, text)
		return sim >= m.fuzzyThreshold, sim

	case schema.MatchCustom:
		return m.matchCustom(ctx, message, p), schema.ConfidenceCustom

	default:
		m.logger.Warn("unknown pattern kind, treating as non-matching",
			slog.String("pattern_id", p.ID),
			slog.String("kind", string(p.Kind)),
		)
		return false, 0
	}
}

// compile returns the cached compiled regex for a pattern, or nil when the
// pattern previously failed to compile. A bad regex is logged once and never
// blocks other patterns in the registry.
func (m *Matcher) compile(p *schema.Pattern) *regexp.Regexp {
	expr := p.Text
	if !p.CaseSensitive {
		expr = "(?i)" + expr
	}

	m.mu.RLock()
	re, ok := m.compiled[expr]
	bad := m.broken[expr]
	m.mu.RUnlock()
	if ok {
		return re
	}
	if bad {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.compiled[expr]; ok {
		return re
	}
	if m.broken[expr] {
		return nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		m.broken[expr] = true
		m.logger.Warn("invalid regex pattern, treating as non-matching",
			slog.String("pattern_id", p.ID),
			slog.String("pattern", p.Text),
			slog.String("error", err.Error()),
		)
		return nil
	}
	m.compiled[expr] = re
	return re
}

// matchCustom evaluates an expr-lang expression against the message.
// Any evaluation error or non-bool result is a non-match.
func (m *Matcher) matchCustom(ctx context.Context, message string, p *schema.Pattern) bool {
	if m.exprEngine == nil {
		return false
	}
	out, err := m.exprEngine.Evaluate(ctx, p.Text, map[string]any{"message": message})
	if err != nil {
		m.logger.Warn("custom pattern evaluation failed",
			slog.String("pattern_id", p.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// extractCaptures populates extracted with capture group values. Named groups
// use their name as the key; unnamed groups use their 1-based position.
func extractCaptures(re *regexp.Regexp, groups []string, extracted *schema.Vars) {
	names := re.SubexpNames()
	for i := 1; i < len(groups); i++ {
		key := strconv.Itoa(i)
		if i < len(names) && names[i] != "" {
			key = names[i]
		}
		extracted.Set(key, groups[i])
	}
}
