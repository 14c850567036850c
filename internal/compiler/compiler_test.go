package compiler

import (
	"testing"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/stretchr/testify/require"
)

func gameSpec() *ir.Spec {
	return &ir.Spec{
		Name: "test",
		Entities: []ir.Entity{
			{
				Name: "Game",
				PrimaryKey: ir.PrimaryKeyDescriptor{
					Kind: ir.PKComposite,
					Refs: []ir.FieldRef{{Source: "CreateGame", FieldPath: "id"}},
				},
				Fields: []ir.FieldDecl{
					{Name: "id", Type: ir.FieldInt},
					{Name: "score", Type: ir.FieldInt},
					{Name: "bonus", Type: ir.FieldInt},
				},
				Mappings: []ir.Mapping{
					{Kind: ir.MappingFromInstruction, TargetField: "id", Source: "CreateGame", FieldPath: "id", Strategy: ir.StrategySetOnce},
					{Kind: ir.MappingAggregate, TargetField: "score", Source: "AddScore", AggOp: ir.AggSum, FieldPath: "amount"},
					{
						Kind:        ir.MappingComputed,
						TargetField: "bonus",
						Expr: &ir.Expr{
							Kind: ir.ExprArith, Op: "*",
							Left:  &ir.Expr{Kind: ir.ExprFieldRef, FieldRef: "score"},
							Right: &ir.Expr{Kind: ir.ExprConst, ConstKind: ir.ConstInt, IntValue: 2},
						},
					},
				},
				Views: []ir.ViewDecl{
					{Name: "topScores", Kind: ir.ViewTop, N: 10, SortField: "score", Order: ir.SortDesc},
				},
			},
		},
	}
}

func TestCompileRegistersDeleteOnAsDeleteProgram(t *testing.T) {
	spec := gameSpec()
	spec.Entities[0].DeleteOn = []string{"EndGame"}

	cp, err := Compile(spec)
	require.NoError(t, err)

	prog, ok := cp.ProgramFor("Game", "EndGame")
	require.True(t, ok)
	require.True(t, prog.Delete)
	require.Empty(t, prog.Instructions)
}

func TestCompileRejectsDeleteOnSourceAlsoMapped(t *testing.T) {
	spec := gameSpec()
	spec.Entities[0].DeleteOn = []string{"AddScore"}

	_, err := Compile(spec)
	require.Error(t, err)
}

func TestCompileProducesOneProgramPerSource(t *testing.T) {
	cp, err := Compile(gameSpec())
	require.NoError(t, err)

	prog, ok := cp.ProgramFor("Game", "CreateGame")
	require.True(t, ok)
	require.NotEmpty(t, prog.Instructions)

	prog2, ok := cp.ProgramFor("Game", "AddScore")
	require.True(t, ok)
	require.NotEmpty(t, prog2.Instructions)
}

func TestCompileAppendsComputedToEverySourceProgram(t *testing.T) {
	cp, err := Compile(gameSpec())
	require.NoError(t, err)

	for _, source := range []string{"CreateGame", "AddScore"} {
		prog, ok := cp.ProgramFor("Game", source)
		require.True(t, ok)
		var sawEmitBonus bool
		for _, ins := range prog.Instructions {
			if ins.Op == bytecode.OpEmitMutation && prog.FieldNames[ins.FieldID] == "bonus" {
				sawEmitBonus = true
			}
		}
		require.True(t, sawEmitBonus, "source %s missing computed bonus emission", source)
	}
}

func TestCompileEmitsProjectionPlan(t *testing.T) {
	cp, err := Compile(gameSpec())
	require.NoError(t, err)
	require.Len(t, cp.ProjectionPlans, 1)
	require.Equal(t, "topScores", cp.ProjectionPlans[0].TargetView)
	require.Equal(t, "top", cp.ProjectionPlans[0].Derivation.Kind)
}

func TestCompileRejectsUnknownTargetField(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings, ir.Mapping{
		Kind: ir.MappingFromInstruction, TargetField: "ghost", Source: "CreateGame", FieldPath: "x",
	})
	_, err := Compile(spec)
	require.Error(t, err)
}

func TestCompileLowersStopGate(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings[1].Stop = &ir.Expr{
		Kind: ir.ExprCompare, Op: "==",
		Left:  &ir.Expr{Kind: ir.ExprFieldRef, FieldRef: "__slot"},
		Right: &ir.Expr{Kind: ir.ExprConst, ConstKind: ir.ConstInt, IntValue: 0},
	}
	cp, err := Compile(spec)
	require.NoError(t, err)
	prog, ok := cp.ProgramFor("Game", "AddScore")
	require.True(t, ok)

	var sawJumpIfFalse bool
	for _, ins := range prog.Instructions {
		if ins.Op == bytecode.OpJumpIfFalse {
			sawJumpIfFalse = true
		}
	}
	require.True(t, sawJumpIfFalse)
}

func TestCompileArrayMapProducesMatchedBlock(t *testing.T) {
	spec := &ir.Spec{
		Entities: []ir.Entity{
			{
				Name:       "Pool",
				PrimaryKey: ir.PrimaryKeyDescriptor{Kind: ir.PKDirect, AddressSource: "PoolCreate"},
				Fields: []ir.FieldDecl{
					{Name: "amounts", Type: ir.FieldList},
					{Name: "doubled", Type: ir.FieldList},
				},
				Mappings: []ir.Mapping{
					{Kind: ir.MappingEvent, TargetField: "amounts", Source: "Swap", FieldPath: "amount"},
					{
						Kind:        ir.MappingComputed,
						TargetField: "doubled",
						Expr: &ir.Expr{
							Kind: ir.ExprArrayMap,
							Over: &ir.Expr{Kind: ir.ExprFieldRef, FieldRef: "amounts"},
							Var:  "x",
							Body: &ir.Expr{
								Kind: ir.ExprArith, Op: "*",
								Left:  &ir.Expr{Kind: ir.ExprFieldRef, FieldRef: "x"},
								Right: &ir.Expr{Kind: ir.ExprConst, ConstKind: ir.ConstInt, IntValue: 2},
							},
						},
					},
				},
			},
		},
	}
	cp, err := Compile(spec)
	require.NoError(t, err)
	prog, ok := cp.ProgramFor("Pool", "Swap")
	require.True(t, ok)

	var startIdx, endIdx = -1, -1
	for i, ins := range prog.Instructions {
		if ins.Op == bytecode.OpStartMap {
			startIdx = i
		}
		if ins.Op == bytecode.OpEndMap {
			endIdx = i
		}
	}
	require.GreaterOrEqual(t, startIdx, 0)
	require.GreaterOrEqual(t, endIdx, 0)
	require.Equal(t, endIdx, prog.Instructions[startIdx].Target)
	require.Equal(t, startIdx, prog.Instructions[endIdx].Target)
}
