package schema

import "time"

// Pattern is a weighted, typed rule deciding whether an incoming message
// activates a trigger block. Patterns belong to exactly one event block and
// never outlive it; the registry is rebuilt from the flow snapshot on every
// graph version change.
type Pattern struct {
	ID            string    `json:"id"`
	Kind          MatchKind `json:"kind"`
	Text          string    `json:"text"`
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
	Weight        float64   `json:"weight"` // [0,1]
	Enabled       bool      `json:"enabled"`
	BlockID       string    `json:"block_id,omitempty"` // owning event block (back-reference)
}

// MatchKind enumerates pattern matching strategies.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchContains   MatchKind = "contains"
	MatchStartsWith MatchKind = "starts_with"
	MatchEndsWith   MatchKind = "ends_with"
	MatchRegex      MatchKind = "regex"
	MatchCustom     MatchKind = "custom" // expr-lang expression in Text
	MatchFuzzy      MatchKind = "fuzzy"  // levenshtein similarity
)

// Base confidence per match kind. Fuzzy confidence is the normalized
// similarity itself.
const (
	ConfidenceExact    = 1.0
	ConfidencePrefix   = 0.9
	ConfidenceRegex    = 0.85
	ConfidenceContains = 0.8
	ConfidenceCustom   = 0.7
)

// DefaultFuzzyThreshold is the minimum similarity for a fuzzy match.
const DefaultFuzzyThreshold = 0.6

// MatchResult is the outcome of evaluating one message against a pattern set.
type MatchResult struct {
	Matched           bool           `json:"matched"`
	Confidence        float64        `json:"confidence"` // [0,1], weight-normalized over matched patterns
	MatchedPatternIDs []string       `json:"matched_pattern_ids,omitempty"`
	ExtractedValues   *Vars          `json:"extracted_values,omitempty"` // named regex captures
	Elapsed           time.Duration  `json:"elapsed_ns"`
}

// Condition is a node in a compound condition tree combining pattern results
// with AND/OR/NOT logic. Exactly one of the operand fields is set per node:
// group ops use Children, "pattern" uses Pattern, "custom" uses Expression.
type Condition struct {
	Op         ConditionOp `json:"op"`
	Children   []Condition `json:"children,omitempty"`
	Pattern    *Pattern    `json:"pattern,omitempty"`
	Expression string      `json:"expression,omitempty"` // expr-lang, for op=custom
}

// ConditionOp enumerates compound condition node types.
type ConditionOp string

const (
	CondAnd     ConditionOp = "and"
	CondOr      ConditionOp = "or"
	CondNot     ConditionOp = "not"
	CondPattern ConditionOp = "pattern"
	CondCustom  ConditionOp = "custom"
)

// MaxConditionDepth bounds compound condition recursion, mirroring the
// traversal step budget. Deeper trees fail evaluation with a diagnostic
// instead of recursing unbounded.
const MaxConditionDepth = 16
