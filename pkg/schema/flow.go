package schema

import "encoding/json"

// FlowDefinition is the JSON-serializable flow format.
// The editor supplies it as an immutable snapshot; the engine never mutates it.
type FlowDefinition struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Blocks      []Block         `json:"blocks"`
	Connections []Connection    `json:"connections,omitempty"`
	MaxSteps    int             `json:"max_steps,omitempty"` // step budget per run (default 100)
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Block is a single node of authored bot behavior.
type Block struct {
	ID       string          `json:"id"`
	Kind     BlockKind       `json:"kind"`
	Name     string          `json:"name,omitempty"`
	ParentID string          `json:"parent_id,omitempty"` // structural nesting (container blocks)
	Config   json.RawMessage `json:"config,omitempty"`    // kind-specific config (see *Config types)
}

// BlockKind enumerates the kinds of blocks in a flow.
type BlockKind string

const (
	BlockKindEvent    BlockKind = "event"
	BlockKindReply    BlockKind = "reply"
	BlockKindBranch   BlockKind = "branch"
	BlockKindLoop     BlockKind = "loop"
	BlockKindDelay    BlockKind = "delay"
	BlockKindVariable BlockKind = "variable"
)

// Connection is a typed directed edge between two blocks.
type Connection struct {
	ID       string           `json:"id"`
	SourceID string           `json:"source_id"`
	TargetID string           `json:"target_id"`
	Kind     EdgeKind         `json:"kind,omitempty"` // default: sequential
	Guard    *GuardExpression `json:"guard,omitempty"`
	Active   bool             `json:"active"` // absent defaults to true on decode
}

// UnmarshalJSON treats an absent "active" as true, so authored flows only
// spell it out when disabling an edge.
func (c *Connection) UnmarshalJSON(data []byte) error {
	type connection Connection
	aux := struct {
		*connection
		Active *bool `json:"active"`
	}{connection: (*connection)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Active = aux.Active == nil || *aux.Active
	return nil
}

// EdgeKind enumerates connection kinds guiding traversal.
type EdgeKind string

const (
	EdgeSequential  EdgeKind = "sequential"
	EdgeTrueBranch  EdgeKind = "true"
	EdgeFalseBranch EdgeKind = "false"
	EdgeLoopBody    EdgeKind = "loop_body"
	EdgeLoopExit    EdgeKind = "loop_exit"
)

// GuardExpression is an operator over a value source and a comparison value.
// Source "custom" evaluates Expression (CEL) instead of the operator form.
type GuardExpression struct {
	Source     GuardSource   `json:"source"`
	Variable   string        `json:"variable,omitempty"` // variable name when source=variable
	Operator   GuardOperator `json:"operator,omitempty"`
	Value      string        `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"` // CEL, when source=custom
}

// GuardSource identifies where the left-hand value of a guard comes from.
type GuardSource string

const (
	GuardSourceVariable GuardSource = "variable"
	GuardSourceMessage  GuardSource = "message"
	GuardSourceCustom   GuardSource = "custom"
)

// GuardOperator enumerates supported guard comparisons.
type GuardOperator string

const (
	OpEquals      GuardOperator = "eq"
	OpNotEquals   GuardOperator = "ne"
	OpContains    GuardOperator = "contains"
	OpGreater     GuardOperator = "gt"
	OpGreaterOrEq GuardOperator = "gte"
	OpLess        GuardOperator = "lt"
	OpLessOrEq    GuardOperator = "lte"
)

// EventConfig is the config block for event-type blocks.
// A block with no patterns and no condition is a catch-all trigger.
type EventConfig struct {
	Patterns  []Pattern  `json:"patterns,omitempty"`
	Condition *Condition `json:"condition,omitempty"` // compound condition over patterns
}

// ReplyConfig is the config block for reply-type blocks.
type ReplyConfig struct {
	Type    OutputType      `json:"type,omitempty"` // default: text
	Text    string          `json:"text,omitempty"` // supports {{variable}} placeholders
	Payload json.RawMessage `json:"payload,omitempty"`
	Media   *MediaRef       `json:"media,omitempty"`
}

// BranchConfig is the config block for branch-type blocks.
type BranchConfig struct {
	Guard GuardExpression `json:"guard"`
}

// LoopConfig is the config block for loop-type blocks.
type LoopConfig struct {
	Mode    LoopMode         `json:"mode"`
	Count   int              `json:"count,omitempty"`    // count mode, clamped to [1,100]
	Guard   *GuardExpression `json:"guard,omitempty"`    // while mode
	ListVar string           `json:"list_var,omitempty"` // foreach mode: context variable holding the list
	ItemVar string           `json:"item_var,omitempty"` // foreach mode: loop variable name (default "item")
}

// LoopMode enumerates loop variants.
type LoopMode string

const (
	LoopCount   LoopMode = "count"
	LoopWhile   LoopMode = "while"
	LoopForEach LoopMode = "foreach"
)

// Count loop bounds.
const (
	MinLoopCount = 1
	MaxLoopCount = 100
)

// DelayConfig is the config block for delay-type blocks.
type DelayConfig struct {
	Duration int64     `json:"duration"`
	Unit     DelayUnit `json:"unit"`
}

// DelayUnit enumerates delay duration units.
type DelayUnit string

const (
	UnitMilliseconds DelayUnit = "milliseconds"
	UnitSeconds      DelayUnit = "seconds"
	UnitMinutes      DelayUnit = "minutes"
)

// VariableConfig is the config block for variable-type blocks.
type VariableConfig struct {
	Op         VariableOp `json:"op"`
	Name       string     `json:"name"`
	ValueType  ValueType  `json:"value_type,omitempty"` // required for set
	Value      string     `json:"value,omitempty"`      // literal, parsed per ValueType
	Expression string     `json:"expression,omitempty"` // jq, for op=transform
	Target     string     `json:"target,omitempty"`     // op=get: variable to copy into (default Name)
}

// VariableOp enumerates variable block operations.
type VariableOp string

const (
	VarOpSet       VariableOp = "set"
	VarOpGet       VariableOp = "get"
	VarOpDelete    VariableOp = "delete"
	VarOpTransform VariableOp = "transform"
)

// ValueType enumerates declared variable value types.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeList    ValueType = "list"
	TypeMap     ValueType = "map"
)

// DefaultMaxSteps is the per-run traversal step budget.
const DefaultMaxSteps = 100

// Delay bounds per unit. Out-of-range durations are clamped, not rejected.
const (
	MinDelayMilliseconds = 100
	MaxDelayMilliseconds = 60000
	MinDelaySeconds      = 1
	MaxDelaySeconds      = 60
	MinDelayMinutes      = 1
	MaxDelayMinutes      = 5
)
