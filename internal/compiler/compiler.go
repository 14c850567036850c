// Package compiler lowers a validated ir.Spec into the flat bytecode
// programs the VM executes, one per (entity, source) dispatch pair, plus
// the projection and lookup-index metadata the cache/projector need.
package compiler

import (
	"fmt"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	herrors "github.com/hypertekorg/hyperstack/internal/errors"
	"github.com/hypertekorg/hyperstack/internal/ir"
)

// Compile lowers spec to a CompiledProgram. Compile does not re-run
// ir.Validate; callers are expected to validate first.
func Compile(spec *ir.Spec) (*bytecode.CompiledProgram, error) {
	out := &bytecode.CompiledProgram{
		Dispatch: make(map[bytecode.DispatchKey]int),
	}
	constPool := newConstPool()

	for i := range spec.Entities {
		ent := &spec.Entities[i]
		if err := compileEntity(ent, out, constPool); err != nil {
			return nil, fmt.Errorf("entity %q: %w", ent.Name, err)
		}
		compileLookupBinding(ent, out)
		compileProjections(ent, out)
	}

	out.Constants = constPool.values
	return out, nil
}

type constPool struct {
	values []any
	index  map[any]int
}

func newConstPool() *constPool {
	return &constPool{index: make(map[any]int)}
}

func (p *constPool) intern(v any) int {
	if idx, ok := p.index[v]; ok {
		return idx
	}
	idx := len(p.values)
	p.values = append(p.values, v)
	p.index[v] = idx
	return idx
}

func compileEntity(ent *ir.Entity, out *bytecode.CompiledProgram, pool *constPool) error {
	fieldIndex := make(map[string]int, len(ent.Fields))
	fieldNames := make([]string, len(ent.Fields))
	for i, f := range ent.Fields {
		fieldIndex[f.Name] = i
		fieldNames[i] = f.Name
	}

	// Partition mappings: computed/derive_from fire on every source event for
	// this entity; everything else is keyed by its declared Source.
	bySource := make(map[string][]ir.Mapping)
	var computed []ir.Mapping
	for _, m := range ent.Mappings {
		if m.Kind == ir.MappingComputed || m.Kind == ir.MappingDeriveFrom {
			computed = append(computed, m)
			continue
		}
		bySource[m.Source] = append(bySource[m.Source], m)
	}

	for source, mappings := range bySource {
		prog := &bytecode.Program{
			Entity:     ent.Name,
			Source:     source,
			FieldNames: fieldNames,
		}
		c := &entityCompiler{fieldIndex: fieldIndex, pool: pool, prog: prog}

		for _, m := range mappings {
			if err := c.compileMapping(m); err != nil {
				return err
			}
		}
		for _, m := range computed {
			if err := c.compileMapping(m); err != nil {
				return err
			}
		}

		idx := len(out.Programs)
		out.Programs = append(out.Programs, prog)
		out.Dispatch[bytecode.DispatchKey{Entity: ent.Name, Source: source}] = idx
	}

	for _, source := range ent.DeleteOn {
		if _, exists := out.Dispatch[bytecode.DispatchKey{Entity: ent.Name, Source: source}]; exists {
			return herrors.DeleteConflict(ent.Name, source)
		}
		idx := len(out.Programs)
		out.Programs = append(out.Programs, &bytecode.Program{Entity: ent.Name, Source: source, Delete: true})
		out.Dispatch[bytecode.DispatchKey{Entity: ent.Name, Source: source}] = idx
	}

	return nil
}

type entityCompiler struct {
	fieldIndex map[string]int
	pool       *constPool
	prog       *bytecode.Program
}

func (c *entityCompiler) emit(ins bytecode.Instruction) int {
	c.prog.Instructions = append(c.prog.Instructions, ins)
	return len(c.prog.Instructions) - 1
}

func (c *entityCompiler) compileMapping(m ir.Mapping) error {
	var stopJumpIdx = -1
	if m.Stop != nil {
		if err := c.compileExpr(m.Stop, nil); err != nil {
			return err
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpBoolOp, Operator: "!"})
		stopJumpIdx = c.emit(bytecode.Instruction{Op: bytecode.OpJumpIfFalse})
	}

	if err := c.compileMappingBody(m); err != nil {
		return err
	}

	if stopJumpIdx >= 0 {
		c.prog.Instructions[stopJumpIdx].Target = len(c.prog.Instructions)
	}
	return nil
}

func (c *entityCompiler) compileMappingBody(m ir.Mapping) error {
	fieldID, ok := c.fieldIndex[m.TargetField]
	if !ok {
		return herrors.UnknownField(m.TargetField)
	}

	switch m.Kind {
	case ir.MappingFromAccount, ir.MappingFromInstruction, ir.MappingSnapshot:
		strategy := m.Strategy
		if strategy == "" {
			strategy = ir.StrategyOverwrite
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpLoadPayload, PayloadPath: m.FieldPath})
		c.emit(bytecode.Instruction{Op: bytecode.OpEmitMutation, FieldID: fieldID, Strategy: strategy})

	case ir.MappingEvent:
		c.emit(bytecode.Instruction{Op: bytecode.OpLoadPayload, PayloadPath: m.FieldPath})
		c.emit(bytecode.Instruction{Op: bytecode.OpEmitEvent, FieldID: fieldID})

	case ir.MappingAggregate:
		c.emit(bytecode.Instruction{Op: bytecode.OpLoadPayload, PayloadPath: m.FieldPath})
		c.emit(bytecode.Instruction{Op: bytecode.OpAggregate, FieldID: fieldID, AggOp: m.AggOp})

	case ir.MappingComputed, ir.MappingDeriveFrom:
		if err := c.compileExpr(m.Expr, nil); err != nil {
			return err
		}
		strategy := m.Strategy
		if strategy == "" {
			strategy = ir.StrategyOverwrite
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpEmitMutation, FieldID: fieldID, Strategy: strategy})

	case ir.MappingResolve:
		spec := bytecode.ResolverSpec{
			Kind:         m.ResolveKind,
			ResolverName: m.ResolverName,
			URLTemplate:  m.URLTemplate,
			Extract:      m.Extract,
			Method:       m.Method,
		}
		resolverIdx := len(c.prog.Resolvers)
		c.prog.Resolvers = append(c.prog.Resolvers, spec)

		switch m.ResolveKind {
		case ir.ResolveAddress:
			if err := c.compileExpr(m.AddressExpr, nil); err != nil {
				return err
			}
		case ir.ResolveURL:
			idx := c.pool.intern(m.URLTemplate)
			c.emit(bytecode.Instruction{Op: bytecode.OpLoadConst, ConstIdx: idx})
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpResolveRequest, FieldID: fieldID, ResolverIdx: resolverIdx})

	default:
		return fmt.Errorf("unsupported mapping kind %q", m.Kind)
	}
	return nil
}

// compileExpr lowers an expression AST to a push sequence. locals tracks
// array_map-bound variable names currently in scope.
func (c *entityCompiler) compileExpr(e *ir.Expr, locals map[string]bool) error {
	if e == nil {
		return fmt.Errorf("nil expression")
	}
	switch e.Kind {
	case ir.ExprFieldRef:
		if locals[e.FieldRef] {
			c.emit(bytecode.Instruction{Op: bytecode.OpLoadLocal, LocalName: e.FieldRef})
			return nil
		}
		if e.FieldRef == "__slot" {
			c.emit(bytecode.Instruction{Op: bytecode.OpLoadCtxSlot})
			return nil
		}
		if e.FieldRef == "__timestamp" {
			c.emit(bytecode.Instruction{Op: bytecode.OpLoadCtxTimestamp})
			return nil
		}
		fieldID, ok := c.fieldIndex[e.FieldRef]
		if !ok {
			return herrors.UnknownField(e.FieldRef)
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpLoadField, FieldID: fieldID})

	case ir.ExprConst:
		idx := c.pool.intern(constValue(e))
		c.emit(bytecode.Instruction{Op: bytecode.OpLoadConst, ConstIdx: idx})

	case ir.ExprArith:
		if err := c.compileExpr(e.Left, locals); err != nil {
			return err
		}
		if err := c.compileExpr(e.Right, locals); err != nil {
			return err
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpArith, Operator: e.Op})

	case ir.ExprCompare:
		if err := c.compileExpr(e.Left, locals); err != nil {
			return err
		}
		if err := c.compileExpr(e.Right, locals); err != nil {
			return err
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpCompare, Operator: e.Op})

	case ir.ExprBoolOp:
		if e.Op == "!" {
			if err := c.compileExpr(e.Left, locals); err != nil {
				return err
			}
			c.emit(bytecode.Instruction{Op: bytecode.OpBoolOp, Operator: "!"})
			return nil
		}
		if err := c.compileExpr(e.Left, locals); err != nil {
			return err
		}
		if err := c.compileExpr(e.Right, locals); err != nil {
			return err
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpBoolOp, Operator: e.Op})

	case ir.ExprConditional:
		if err := c.compileExpr(e.Cond, locals); err != nil {
			return err
		}
		jumpElse := c.emit(bytecode.Instruction{Op: bytecode.OpJumpIfFalse})
		if err := c.compileExpr(e.Then, locals); err != nil {
			return err
		}
		jumpEnd := c.emit(bytecode.Instruction{Op: bytecode.OpJump})
		c.prog.Instructions[jumpElse].Target = len(c.prog.Instructions)
		if err := c.compileExpr(e.Else, locals); err != nil {
			return err
		}
		c.prog.Instructions[jumpEnd].Target = len(c.prog.Instructions)

	case ir.ExprArrayMap:
		if err := c.compileExpr(e.Over, locals); err != nil {
			return err
		}
		startIdx := c.emit(bytecode.Instruction{Op: bytecode.OpStartMap, LocalName: e.Var})
		innerLocals := make(map[string]bool, len(locals)+1)
		for k := range locals {
			innerLocals[k] = true
		}
		innerLocals[e.Var] = true
		if err := c.compileExpr(e.Body, innerLocals); err != nil {
			return err
		}
		endIdx := c.emit(bytecode.Instruction{Op: bytecode.OpEndMap})
		c.prog.Instructions[startIdx].Target = endIdx
		c.prog.Instructions[endIdx].Target = startIdx

	case ir.ExprBuiltin:
		for _, a := range e.Args {
			if err := c.compileExpr(a, locals); err != nil {
				return err
			}
		}
		c.emit(bytecode.Instruction{Op: bytecode.OpCallBuiltin, Operator: e.Builtin, NumArgs: len(e.Args)})

	default:
		return fmt.Errorf("unsupported expression kind %q", e.Kind)
	}
	return nil
}

func constValue(e *ir.Expr) any {
	switch e.ConstKind {
	case ir.ConstString:
		return e.StringValue
	case ir.ConstInt:
		return e.IntValue
	case ir.ConstFloat:
		return e.FloatValue
	case ir.ConstBool:
		return e.BoolValue
	default:
		return nil
	}
}

func compileLookupBinding(ent *ir.Entity, out *bytecode.CompiledProgram) {
	switch ent.PrimaryKey.Kind {
	case ir.PKDirect:
		out.LookupBindings = append(out.LookupBindings, bytecode.LookupBinding{
			Entity: ent.Name,
			Source: ent.PrimaryKey.AddressSource,
		})
	case ir.PKComposite:
		for _, ref := range ent.PrimaryKey.Refs {
			out.LookupBindings = append(out.LookupBindings, bytecode.LookupBinding{
				Entity:    ent.Name,
				Source:    ref.Source,
				FieldPath: ref.FieldPath,
			})
		}
	}
}

// compileProjections turns latest/top view declarations into ProjectionPlans
// routing the entity's base (state) view into its derived windows. State and
// list views need no derivation; they mirror the entity's canonical mapping.
func compileProjections(ent *ir.Entity, out *bytecode.CompiledProgram) {
	for _, v := range ent.Views {
		var kind string
		switch v.Kind {
		case ir.ViewLatest:
			kind = "latest"
		case ir.ViewTop:
			kind = "top"
		default:
			continue
		}
		out.ProjectionPlans = append(out.ProjectionPlans, bytecode.ProjectionPlan{
			Entity:     ent.Name,
			SourceView: "state",
			TargetView: v.Name,
			Derivation: bytecode.Derivation{
				Kind:       kind,
				N:          v.N,
				SortField:  v.SortField,
				Order:      v.Order,
				FilterExpr: v.Filter,
			},
		})
	}
}
