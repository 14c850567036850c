package ir

import (
	"fmt"

	herrors "github.com/hypertekorg/hyperstack/internal/errors"
)

// Validate checks structural invariants over a spec tree:
//
//   - (a) each field has exactly one writer per event, except append
//     (event) and aggregate mappings which accumulate;
//   - (b) every field read by a computed expression is mapped, computed,
//     or resolved somewhere on the entity;
//   - (c) primary-key descriptors are well-formed: a direct key names an
//     address source, and every composite reference names a source and a
//     field path (the named sources are not checked against Spec.Sources);
//   - (d) view declarations only reference fields of their owning entity.
//
// It also rejects computed fields whose dependency graph contains a cycle;
// resolver-backed fields break cycles because their value only becomes
// available asynchronously.
func Validate(spec *Spec) error {
	for i := range spec.Entities {
		if err := validateEntity(&spec.Entities[i]); err != nil {
			return fmt.Errorf("entity %q: %w", spec.Entities[i].Name, err)
		}
	}
	return nil
}

func validateEntity(e *Entity) error {
	if err := validateWriters(e); err != nil {
		return err
	}
	if err := validateComputedInputs(e); err != nil {
		return err
	}
	if err := validatePrimaryKey(e); err != nil {
		return err
	}
	if err := validateViews(e); err != nil {
		return err
	}
	if err := validateComputedCycles(e); err != nil {
		return err
	}
	if err := validateDeleteOn(e); err != nil {
		return err
	}
	return nil
}

// validateDeleteOn rejects a delete-trigger source that also carries an
// ordinary field mapping for the same entity: the two meanings conflict,
// since a delete trigger never runs the mapping program at all.
func validateDeleteOn(e *Entity) error {
	mapped := make(map[string]bool)
	for _, m := range e.Mappings {
		mapped[m.Source] = true
	}
	for _, source := range e.DeleteOn {
		if mapped[source] {
			return herrors.DeleteConflict(e.Name, source)
		}
	}
	return nil
}

// writerKey groups writers per (field, source) so that two mappings for the
// same field under different sources don't falsely collide: the "one
// writer per event" rule is about what can fire for a single incoming
// event, i.e. a single (field, source) pair.
type writerKey struct {
	field  string
	source string
}

func validateWriters(e *Entity) error {
	counts := map[writerKey]int{}
	accumulating := map[writerKey]bool{}

	for _, m := range e.Mappings {
		key := writerKey{field: m.TargetField, source: m.Source}
		counts[key]++
		if m.Kind == MappingEvent || m.Kind == MappingAggregate {
			accumulating[key] = true
		}
	}

	for key, count := range counts {
		if count > 1 && !accumulating[key] {
			return herrors.AmbiguousWriter(key.field)
		}
	}
	return nil
}

func validateComputedInputs(e *Entity) error {
	available := availableFieldSet(e)
	for _, m := range e.Mappings {
		if m.Kind != MappingComputed && m.Kind != MappingDeriveFrom {
			continue
		}
		if err := validateExprFields(m.Expr, available); err != nil {
			return err
		}
		if m.Stop != nil {
			if err := validateExprFields(m.Stop, available); err != nil {
				return err
			}
		}
	}
	return nil
}

// availableFieldSet returns the set of field names that have some writer:
// the target field of any from_account/from_instruction/event/snapshot/
// aggregate/computed/derive_from/resolve mapping. Declared fields with no
// mapping are not included.
func availableFieldSet(e *Entity) map[string]bool {
	set := make(map[string]bool, len(e.Mappings))
	for _, m := range e.Mappings {
		set[m.TargetField] = true
	}
	return set
}

func validateExprFields(expr *Expr, available map[string]bool) error {
	if expr == nil {
		return nil
	}
	switch expr.Kind {
	case ExprFieldRef:
		// __slot/__timestamp are pseudo-fields the compiler special-cases
		// (compiler.go's compileExpr) rather than real entity fields.
		if expr.FieldRef == "__slot" || expr.FieldRef == "__timestamp" {
			return nil
		}
		if !available[expr.FieldRef] {
			return herrors.UnknownField(expr.FieldRef)
		}
	case ExprArith, ExprCompare, ExprBoolOp:
		if err := validateExprFields(expr.Left, available); err != nil {
			return err
		}
		if err := validateExprFields(expr.Right, available); err != nil {
			return err
		}
	case ExprConditional:
		for _, sub := range []*Expr{expr.Cond, expr.Then, expr.Else} {
			if err := validateExprFields(sub, available); err != nil {
				return err
			}
		}
	case ExprArrayMap:
		if err := validateExprFields(expr.Over, available); err != nil {
			return err
		}
		// expr.Var is a local binding, not a field reference; expr.Body may
		// reference it freely, so we don't require expr.Var in `available`.
		return validateExprFieldsAllowingVar(expr.Body, available, expr.Var)
	case ExprBuiltin:
		for _, a := range expr.Args {
			if err := validateExprFields(a, available); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateExprFieldsAllowingVar(expr *Expr, available map[string]bool, localVar string) error {
	if expr == nil {
		return nil
	}
	if expr.Kind == ExprFieldRef && expr.FieldRef == localVar {
		return nil
	}
	// Reuse validateExprFields for the rest of the tree; the local var can
	// only shadow a direct field-ref node, which we've already handled.
	return validateExprFields(expr, available)
}

func validatePrimaryKey(e *Entity) error {
	pk := e.PrimaryKey
	switch pk.Kind {
	case PKDirect:
		if pk.AddressSource == "" {
			return herrors.BadPrimaryKey(e.Name, "direct primary key missing an address source")
		}
	case PKComposite:
		if len(pk.Refs) == 0 {
			return herrors.BadPrimaryKey(e.Name, "composite primary key has no field references")
		}
		for _, ref := range pk.Refs {
			if ref.Source == "" || ref.FieldPath == "" {
				return herrors.BadPrimaryKey(e.Name, "composite primary key reference missing source or field path")
			}
		}
	default:
		return herrors.BadPrimaryKey(e.Name, "unknown primary key kind")
	}
	return nil
}

func validateViews(e *Entity) error {
	available := availableFieldSet(e)
	for _, v := range e.Views {
		switch v.Kind {
		case ViewLatest, ViewTop:
			if v.SortField != "" && !available[v.SortField] {
				return herrors.UnknownField(v.SortField)
			}
		}
		if v.Filter != nil {
			if err := validateExprFields(v.Filter, available); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateComputedCycles walks the dependency graph of computed/derive_from
// fields (edges: computed field -> fields it reads, restricted to other
// computed/derive_from fields) and rejects any field that transitively
// reads itself. Resolver-backed fields are not traversed: their value
// becomes available asynchronously through a separate event class, so they
// cannot participate in a static cycle.
func validateComputedCycles(e *Entity) error {
	deps := computedDependencyGraph(e)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var walk func(field string) error
	walk = func(field string) error {
		switch state[field] {
		case visiting:
			return herrors.CyclicComputed(field)
		case done:
			return nil
		}
		state[field] = visiting
		for _, dep := range deps[field] {
			if _, ok := deps[dep]; !ok {
				continue // dep isn't itself computed; no further edges
			}
			if err := walk(dep); err != nil {
				return err
			}
		}
		state[field] = done
		return nil
	}

	for field := range deps {
		if err := walk(field); err != nil {
			return err
		}
	}
	return nil
}

func computedDependencyGraph(e *Entity) map[string][]string {
	graph := make(map[string][]string)
	for _, m := range e.Mappings {
		if m.Kind != MappingComputed && m.Kind != MappingDeriveFrom {
			continue
		}
		graph[m.TargetField] = append(graph[m.TargetField], collectFieldRefs(m.Expr)...)
	}
	return graph
}

func collectFieldRefs(expr *Expr) []string {
	if expr == nil {
		return nil
	}
	switch expr.Kind {
	case ExprFieldRef:
		return []string{expr.FieldRef}
	case ExprArith, ExprCompare, ExprBoolOp:
		return append(collectFieldRefs(expr.Left), collectFieldRefs(expr.Right)...)
	case ExprConditional:
		out := collectFieldRefs(expr.Cond)
		out = append(out, collectFieldRefs(expr.Then)...)
		out = append(out, collectFieldRefs(expr.Else)...)
		return out
	case ExprArrayMap:
		out := collectFieldRefs(expr.Over)
		for _, ref := range collectFieldRefs(expr.Body) {
			if ref != expr.Var {
				out = append(out, ref)
			}
		}
		return out
	case ExprBuiltin:
		var out []string
		for _, a := range expr.Args {
			out = append(out, collectFieldRefs(a)...)
		}
		return out
	}
	return nil
}
