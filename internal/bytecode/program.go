// Package bytecode defines the compiled instruction stream the compiler
// (internal/compiler) produces and the VM (internal/vm) executes: a flat
// instruction slice per (entity, source) pair, referencing shared string
// and constant pools.
package bytecode

import "github.com/hypertekorg/hyperstack/internal/ir"

// Opcode is one bytecode instruction kind.
type Opcode int

const (
	OpLoadField        Opcode = iota // push current entity field value, by FieldID
	OpLoadLocal                      // push a loop-bound local, by LocalName
	OpLoadConst                      // push Constants[ConstIdx]
	OpLoadCtxSlot                    // push event_ctx.slot
	OpLoadCtxTimestamp               // push event_ctx.timestamp
	OpLoadPayload                    // push value at PayloadPath within the event payload ("" = whole payload)
	OpArith                          // pop b,a; push a Operator b
	OpCompare                        // pop b,a; push bool(a Operator b)
	OpBoolOp                         // pop b,a ("&&"/"||"), or pop a ("!"); push bool
	OpJump                           // unconditional jump to Target
	OpJumpIfFalse                    // pop bool; jump to Target if false
	OpStartMap                       // pop array; iterate, binding each element as LocalName; Target = matching OpEndMap index
	OpEndMap                         // close the loop begun by the matching OpStartMap; push the collected array
	OpCallBuiltin                    // pop NumArgs args (in call order); push Operator(args...)
	OpEmitMutation                   // pop value; emit a field mutation for FieldID under Strategy
	OpEmitEvent                      // pop value; append it to the FieldID event-list
	OpAggregate                      // pop value; fold it into FieldID via AggOp
	OpResolveRequest                 // pop key; emit a pending resolver request for FieldID
	OpStop                           // halt the program immediately
)

// Instruction is one bytecode op. Not every field is meaningful for every
// Opcode; see the Opcode constant comments above for which fields a given
// instruction uses.
type Instruction struct {
	Op          Opcode
	FieldID     int
	ConstIdx    int
	PayloadPath string
	Operator    string
	Target      int
	Strategy    ir.Strategy
	AggOp       ir.AggregateOp
	LocalName   string
	NumArgs     int
	ResolverIdx int // index into Program.Resolvers
}

// ResolverSpec is the static configuration of one resolve(...) call site,
// referenced by OpResolveRequest.ResolverIdx.
type ResolverSpec struct {
	Kind         ir.ResolveKind
	ResolverName string // resolver kind string, for ResolveAddress
	URLTemplate  string // for ResolveURL
	Extract      string
	Method       string
}

// Program is the compiled instruction stream for one (entity, source) pair.
// A Delete program carries no instructions: dispatch removes the instance
// outright instead of running the VM.
type Program struct {
	Entity       string
	Source       string
	Instructions []Instruction
	FieldNames   []string // FieldID -> name, kept for wire emission and error messages
	Resolvers    []ResolverSpec
	Delete       bool
}

// DispatchKey identifies which Program an incoming event is routed to.
type DispatchKey struct {
	Entity string
	Source string
}

// Derivation is a view's projection rule compiled from a ViewDecl.
type Derivation struct {
	Kind       string // "latest" | "top" | "filter" | "identity"
	N          int
	SortField  string
	Order      ir.SortOrder
	FilterExpr *ir.Expr
}

// ProjectionPlan routes a source view's upserts into a derived target view.
type ProjectionPlan struct {
	Entity     string
	SourceView string
	Derivation Derivation
	TargetView string
}

// LookupBinding tells the lookup index which field of an entity's primary
// key is an account address contributed by which source.
type LookupBinding struct {
	Entity    string
	Source    string
	FieldPath string
}

// CompiledProgram is the compiler's full output for a spec.
type CompiledProgram struct {
	Dispatch        map[DispatchKey]int
	Programs        []*Program
	Constants       []any
	ProjectionPlans []ProjectionPlan
	LookupBindings  []LookupBinding
}

// ProgramFor returns the compiled program for (entity, source), if any.
func (c *CompiledProgram) ProgramFor(entity, source string) (*Program, bool) {
	idx, ok := c.Dispatch[DispatchKey{Entity: entity, Source: source}]
	if !ok {
		return nil, false
	}
	return c.Programs[idx], true
}
