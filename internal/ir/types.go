// Package ir is the in-memory intermediate representation every Hyperstack
// front-end (macro, IDL loader, or the JSON spec-AST loader) compiles to.
// The compiler (internal/compiler) lowers a validated Spec to bytecode.
package ir

// Strategy defines merge semantics when a field receives more than one
// candidate value within or across events.
type Strategy string

const (
	StrategySetOnce   Strategy = "set_once"
	StrategyOverwrite Strategy = "overwrite"
	StrategyIfGreater Strategy = "if_greater"
	StrategyIfLess    Strategy = "if_less"
)

// AggregateOp is the operation an `aggregate(...)` mapping accumulates.
type AggregateOp string

const (
	AggSum   AggregateOp = "sum"
	AggCount AggregateOp = "count"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
	AggAvg   AggregateOp = "avg"
)

// MappingKind tags the variant of a field mapping. Modeled as a tagged
// variant (a Kind field plus kind-specific fields on one struct) rather
// than a base-class hierarchy with subtypes.
type MappingKind string

const (
	MappingFromAccount     MappingKind = "from_account"
	MappingFromInstruction MappingKind = "from_instruction"
	MappingEvent           MappingKind = "event"
	MappingSnapshot        MappingKind = "snapshot"
	MappingAggregate       MappingKind = "aggregate"
	MappingComputed        MappingKind = "computed"
	MappingDeriveFrom      MappingKind = "derive_from"
	MappingResolve         MappingKind = "resolve"
)

// ResolveKind distinguishes the two resolve(...) call shapes.
type ResolveKind string

const (
	ResolveAddress ResolveKind = "address" // resolve(address, kind)
	ResolveURL     ResolveKind = "url"     // resolve(url, extract, method)
)

// Mapping is one field-mapping declaration within an entity, keyed by the
// source event type it reacts to (empty Source for computed fields, which
// react to any change in their inputs).
type Mapping struct {
	Kind        MappingKind
	TargetField string
	Source      string // source/program id this mapping reacts to; empty for Computed
	Strategy    Strategy

	// FromAccount / FromInstruction
	FieldPath string // account field path, or instruction arg path

	// Event
	ListCap int // loaded from the spec AST but not applied: event-list fields grow without bound

	// Aggregate
	AggOp AggregateOp

	// Computed / DeriveFrom
	Expr *Expr

	// Resolve
	ResolveKind  ResolveKind
	ResolverName string // the resolver kind string for ResolveAddress
	AddressExpr  *Expr  // for ResolveAddress
	URLTemplate  string // for ResolveURL
	Extract      string // field-path/JSONPath extracted from the resolver response
	Method       string // HTTP method, for ResolveURL

	// Stop gates this mapping: when the predicate evaluates true, the
	// mapping's emission is suppressed but the rest of the program runs.
	Stop *Expr
}

// ExprKind tags the variant of an expression AST node.
type ExprKind string

const (
	ExprFieldRef    ExprKind = "field_ref"
	ExprConst       ExprKind = "const"
	ExprArith       ExprKind = "arith"
	ExprCompare     ExprKind = "compare"
	ExprBoolOp      ExprKind = "bool_op"
	ExprConditional ExprKind = "conditional"
	ExprArrayMap    ExprKind = "array_map"
	ExprBuiltin     ExprKind = "builtin"
)

// ConstKind is the type tag of an ExprConst node's literal value.
type ConstKind string

const (
	ConstString ConstKind = "string"
	ConstInt    ConstKind = "int"
	ConstFloat  ConstKind = "float"
	ConstBool   ConstKind = "bool"
	ConstNull   ConstKind = "null"
)

// Expr is the computed-field expression AST: field paths, arithmetic,
// boolean ops, conditionals, array map, and a restricted builtin set
// (now_ms, __slot, __timestamp, raw_amount, ui_amount).
type Expr struct {
	Kind ExprKind

	// ExprFieldRef
	FieldRef string

	// ExprConst
	ConstKind   ConstKind
	StringValue string
	IntValue    int64
	FloatValue  float64
	BoolValue   bool

	// ExprArith / ExprCompare / ExprBoolOp
	Op          string // "+","-","*","/","%","==","!=","<","<=",">",">=","&&","||","!"
	Left, Right *Expr

	// ExprConditional
	Cond, Then, Else *Expr

	// ExprArrayMap: map over the array at Over, binding each element to Var
	// and evaluating Body.
	Over *Expr
	Var  string
	Body *Expr

	// ExprBuiltin
	Builtin string
	Args    []*Expr
}

// FieldType is the declared value type of an entity field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldList   FieldType = "list"
	FieldObject FieldType = "object"
	FieldAny    FieldType = "any"
)

// FieldDecl declares one field of an entity. FieldID is assigned densely by
// the compiler in declaration order; the IR only keeps the name.
type FieldDecl struct {
	Name    string
	Type    FieldType
	ListCap int // for FieldList event-list fields; loaded but not applied
}

// PrimaryKeyKind tags whether an entity's identity is a direct account
// address or a composite of source-field references.
type PrimaryKeyKind string

const (
	PKDirect    PrimaryKeyKind = "direct"
	PKComposite PrimaryKeyKind = "composite"
)

// FieldRef names one source-field used by a composite primary key.
type FieldRef struct {
	Source    string
	FieldPath string
}

// PrimaryKeyDescriptor identifies how an entity's primary key is derived.
type PrimaryKeyDescriptor struct {
	Kind PrimaryKeyKind

	// PKDirect
	AddressSource string

	// PKComposite
	Refs []FieldRef
}

// ViewKind tags which projection shape a view declaration compiles to.
type ViewKind string

const (
	ViewState  ViewKind = "state"  // keyed latest value
	ViewList   ViewKind = "list"   // all entities
	ViewLatest ViewKind = "latest" // most recent N by slot order
	ViewTop    ViewKind = "top"    // sorted window
)

// SortOrder is the ordering direction of a latest/top view.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ViewDecl declares one named, queryable projection of an entity's
// instances.
type ViewDecl struct {
	Name      string
	Kind      ViewKind
	N         int    // window size, for ViewLatest/ViewTop
	SortField string // for ViewLatest/ViewTop
	Order     SortOrder
	Filter    *Expr // optional filter expression, for derived views
}

// Entity declares one typed projection of on-chain state keyed by a primary
// key descriptor.
type Entity struct {
	Name       string
	PrimaryKey PrimaryKeyDescriptor
	Fields     []FieldDecl
	Mappings   []Mapping
	Views      []ViewDecl

	// DeleteOn lists source/program ids that delete the entity's instance
	// outright instead of running its normal mapping program (e.g. an
	// EndGame event closing out a Game). A source here must not also carry
	// an ordinary mapping for this entity.
	DeleteOn []string
}

// FieldByName returns the field declaration named name, or false.
func (e *Entity) FieldByName(name string) (FieldDecl, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDecl{}, false
}

// Spec is a full stream spec: a name, a set of entities, and the set of
// source/program identifiers entities' mappings pattern-match against.
type Spec struct {
	Name     string
	Entities []Entity
	Sources  []string
}

// EntityByName returns the entity named name, or false.
func (s *Spec) EntityByName(name string) (*Entity, bool) {
	for i := range s.Entities {
		if s.Entities[i].Name == name {
			return &s.Entities[i], true
		}
	}
	return nil, false
}
