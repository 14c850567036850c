// Package vm interprets a compiled bytecode.Program against one incoming
// event, producing field mutations and, on malformed input, runtime
// warnings — the VM never panics on bad data; it reports and carries on,
// per field.
package vm

import (
	"fmt"
	"math"
	"time"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/ir"
)

// EventContext carries the slot/timestamp of the event currently being
// processed, readable from a program via the __slot/__timestamp pseudo
// fields.
type EventContext struct {
	Slot      uint64
	Timestamp int64
}

// FieldReader gives the VM read access to an entity instance's current
// field values, for OpLoadField.
type FieldReader interface {
	GetField(fieldID int) (any, bool)
}

// MutationKind tags the variant of a runtime mutation the VM emits.
type MutationKind string

const (
	MutationField     MutationKind = "field"
	MutationEvent     MutationKind = "event"
	MutationAggregate MutationKind = "aggregate"
	MutationResolve   MutationKind = "resolve_request"
)

// Mutation is one runtime effect the VM wants applied to an entity
// instance, to be interpreted by the cache/projector layer.
type Mutation struct {
	Kind     MutationKind
	FieldID  int
	Field    string
	Value    any
	Strategy ir.Strategy
	AggOp    ir.AggregateOp

	ResolverIdx int
	Resolver    bytecode.ResolverSpec
}

// RuntimeWarning records a non-fatal problem encountered while running a
// program: a missing payload field, a type mismatch, a failed builtin.
type RuntimeWarning struct {
	Field   string
	Message string
}

// Result is the outcome of one Run call.
type Result struct {
	Mutations []Mutation
	Warnings  []RuntimeWarning
	Stale     bool
}

// Run executes prog against payload, under ctx, gated against
// lastAppliedSlot per the slot-ordering rule:
//
//   - ctx.Slot < lastAppliedSlot: the whole event is dropped (Result.Stale).
//   - ctx.Slot == lastAppliedSlot: only overwrite/if_greater/if_less field
//     mutations are allowed through; event, aggregate, and resolve-request
//     mutations always proceed, since they accumulate rather than clobber.
//   - ctx.Slot > lastAppliedSlot: everything proceeds.
func Run(prog *bytecode.Program, constants []any, ctx EventContext, lastAppliedSlot uint64, payload map[string]any, fields FieldReader) *Result {
	if ctx.Slot < lastAppliedSlot {
		return &Result{Stale: true}
	}

	r := &Result{}
	interp := &interpreter{
		prog:       prog,
		constants:  constants,
		ctx:        ctx,
		payload:    payload,
		fields:     fields,
		sameSlot:   ctx.Slot == lastAppliedSlot,
		result:     r,
	}
	interp.run(0, len(prog.Instructions), nil)
	return r
}

type interpreter struct {
	prog      *bytecode.Program
	constants []any
	ctx       EventContext
	payload   map[string]any
	fields    FieldReader
	sameSlot  bool
	result    *Result
	stack     []any
}

func (in *interpreter) warn(field, msg string) {
	in.result.Warnings = append(in.result.Warnings, RuntimeWarning{Field: field, Message: msg})
}

func (in *interpreter) push(v any) { in.stack = append(in.stack, v) }

func (in *interpreter) pop() any {
	if len(in.stack) == 0 {
		return nil
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v
}

// run executes instructions in [lo, hi), skipping StartMap/EndMap blocks
// over to their matched partner (handled by a nested call instead), with
// locals resolved innermost-first through the locals stack.
func (in *interpreter) run(lo, hi int, locals []map[string]any) {
	for ip := lo; ip < hi; ip++ {
		ins := in.prog.Instructions[ip]
		switch ins.Op {
		case bytecode.OpLoadField:
			v, ok := in.fields.GetField(ins.FieldID)
			if !ok {
				in.warn(in.fieldName(ins.FieldID), "field not yet set")
			}
			in.push(v)

		case bytecode.OpLoadLocal:
			in.push(lookupLocal(locals, ins.LocalName))

		case bytecode.OpLoadConst:
			if ins.ConstIdx < 0 || ins.ConstIdx >= len(in.constants) {
				in.push(nil)
				continue
			}
			in.push(in.constants[ins.ConstIdx])

		case bytecode.OpLoadCtxSlot:
			in.push(int64(in.ctx.Slot))

		case bytecode.OpLoadCtxTimestamp:
			in.push(in.ctx.Timestamp)

		case bytecode.OpLoadPayload:
			in.push(lookupPath(in.payload, ins.PayloadPath))

		case bytecode.OpArith:
			b, a := in.pop(), in.pop()
			v, err := arith(ins.Operator, a, b)
			if err != nil {
				in.warn("", err.Error())
			}
			in.push(v)

		case bytecode.OpCompare:
			b, a := in.pop(), in.pop()
			v, err := compare(ins.Operator, a, b)
			if err != nil {
				in.warn("", err.Error())
			}
			in.push(v)

		case bytecode.OpBoolOp:
			if ins.Operator == "!" {
				a := in.pop()
				in.push(!truthy(a))
				continue
			}
			b, a := in.pop(), in.pop()
			switch ins.Operator {
			case "&&":
				in.push(truthy(a) && truthy(b))
			case "||":
				in.push(truthy(a) || truthy(b))
			default:
				in.warn("", fmt.Sprintf("unknown bool operator %q", ins.Operator))
				in.push(false)
			}

		case bytecode.OpJump:
			ip = ins.Target - 1

		case bytecode.OpJumpIfFalse:
			if !truthy(in.pop()) {
				ip = ins.Target - 1
			}

		case bytecode.OpStartMap:
			over := in.pop()
			elems := toSlice(over)
			endIdx := ins.Target
			var collected []any
			for _, el := range elems {
				frame := map[string]any{ins.LocalName: el}
				sub := &interpreter{
					prog: in.prog, constants: in.constants, ctx: in.ctx,
					payload: in.payload, fields: in.fields, sameSlot: in.sameSlot,
					result: in.result,
				}
				sub.run(ip+1, endIdx, append(append([]map[string]any{}, locals...), frame))
				collected = append(collected, sub.pop())
			}
			in.push(collected)
			ip = endIdx // OpEndMap itself is a no-op landing pad

		case bytecode.OpEndMap:
			// reached only when falling through without a matching StartMap
			// in this frame's range; nothing to do.

		case bytecode.OpCallBuiltin:
			args := make([]any, ins.NumArgs)
			for i := ins.NumArgs - 1; i >= 0; i-- {
				args[i] = in.pop()
			}
			v, err := callBuiltin(ins.Operator, args)
			if err != nil {
				in.warn("", err.Error())
			}
			in.push(v)

		case bytecode.OpEmitMutation:
			v := in.pop()
			if v == nil {
				continue
			}
			if in.sameSlot && !sameSlotSafe(ins.Strategy) {
				continue
			}
			in.result.Mutations = append(in.result.Mutations, Mutation{
				Kind: MutationField, FieldID: ins.FieldID, Field: in.fieldName(ins.FieldID),
				Value: v, Strategy: ins.Strategy,
			})

		case bytecode.OpEmitEvent:
			v := in.pop()
			if v == nil {
				continue
			}
			in.result.Mutations = append(in.result.Mutations, Mutation{
				Kind: MutationEvent, FieldID: ins.FieldID, Field: in.fieldName(ins.FieldID), Value: v,
			})

		case bytecode.OpAggregate:
			v := in.pop()
			if v == nil {
				continue
			}
			in.result.Mutations = append(in.result.Mutations, Mutation{
				Kind: MutationAggregate, FieldID: ins.FieldID, Field: in.fieldName(ins.FieldID),
				Value: v, AggOp: ins.AggOp,
			})

		case bytecode.OpResolveRequest:
			key := in.pop()
			var spec bytecode.ResolverSpec
			if ins.ResolverIdx >= 0 && ins.ResolverIdx < len(in.prog.Resolvers) {
				spec = in.prog.Resolvers[ins.ResolverIdx]
			}
			in.result.Mutations = append(in.result.Mutations, Mutation{
				Kind: MutationResolve, FieldID: ins.FieldID, Field: in.fieldName(ins.FieldID),
				Value: key, ResolverIdx: ins.ResolverIdx, Resolver: spec,
			})

		case bytecode.OpStop:
			return
		}
	}
}

func sameSlotSafe(s ir.Strategy) bool {
	return s == ir.StrategyOverwrite || s == ir.StrategyIfGreater || s == ir.StrategyIfLess
}

func (in *interpreter) fieldName(fieldID int) string {
	if fieldID < 0 || fieldID >= len(in.prog.FieldNames) {
		return ""
	}
	return in.prog.FieldNames[fieldID]
}

func lookupLocal(locals []map[string]any, name string) any {
	for i := len(locals) - 1; i >= 0; i-- {
		if v, ok := locals[i][name]; ok {
			return v
		}
	}
	return nil
}

func lookupPath(payload map[string]any, path string) any {
	if path == "" {
		return payload
	}
	cur := any(payload)
	for _, seg := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	default:
		return nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func bothInt(a, b any) (int64, int64, bool) {
	ai, aok := a.(int64)
	bi, bok := b.(int64)
	if aok && bok {
		return ai, bi, true
	}
	return 0, 0, false
}

func arith(op string, a, b any) (any, error) {
	if ai, bi, ok := bothInt(a, b); ok {
		switch op {
		case "+":
			return ai + bi, nil
		case "-":
			return ai - bi, nil
		case "*":
			return ai * bi, nil
		case "/":
			if bi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ai / bi, nil
		case "%":
			if bi == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return ai % bi, nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("arithmetic on non-numeric operand")
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case "%":
		return math.Mod(af, bf), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

func compare(op string, a, b any) (any, error) {
	if ai, bi, ok := bothInt(a, b); ok {
		switch op {
		case "==":
			return ai == bi, nil
		case "!=":
			return ai != bi, nil
		case "<":
			return ai < bi, nil
		case "<=":
			return ai <= bi, nil
		case ">":
			return ai > bi, nil
		case ">=":
			return ai >= bi, nil
		}
	}
	if af, bf, aok, bok := func() (float64, float64, bool, bool) {
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		return af, bf, aok, bok
	}(); aok && bok {
		switch op {
		case "==":
			return af == bf, nil
		case "!=":
			return af != bf, nil
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		case ">=":
			return af >= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "==":
			return as == bs, nil
		case "!=":
			return as != bs, nil
		}
	}
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	}
	return nil, fmt.Errorf("cannot compare operands with %q", op)
}

func callBuiltin(name string, args []any) (any, error) {
	switch name {
	case "now_ms":
		return time.Now().UnixMilli(), nil
	case "raw_amount":
		if len(args) != 2 {
			return nil, fmt.Errorf("raw_amount expects 2 args, got %d", len(args))
		}
		ui, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("raw_amount: non-numeric amount")
		}
		decimals, ok := toFloat(args[1])
		if !ok {
			return nil, fmt.Errorf("raw_amount: non-numeric decimals")
		}
		return int64(math.Round(ui * math.Pow(10, decimals))), nil
	case "ui_amount":
		if len(args) != 2 {
			return nil, fmt.Errorf("ui_amount expects 2 args, got %d", len(args))
		}
		raw, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("ui_amount: non-numeric amount")
		}
		decimals, ok := toFloat(args[1])
		if !ok {
			return nil, fmt.Errorf("ui_amount: non-numeric decimals")
		}
		return raw / math.Pow(10, decimals), nil
	default:
		return nil, fmt.Errorf("unknown builtin %q", name)
	}
}
