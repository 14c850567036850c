package ir

import (
	"testing"

	herrors "github.com/hypertekorg/hyperstack/internal/errors"
	"github.com/stretchr/testify/require"
)

func gameSpec() *Spec {
	return &Spec{
		Name: "test",
		Entities: []Entity{
			{
				Name: "Game",
				PrimaryKey: PrimaryKeyDescriptor{
					Kind: PKComposite,
					Refs: []FieldRef{{Source: "CreateGame", FieldPath: "id"}},
				},
				Fields: []FieldDecl{
					{Name: "id", Type: FieldInt},
					{Name: "score", Type: FieldInt},
				},
				Mappings: []Mapping{
					{Kind: MappingFromInstruction, TargetField: "id", Source: "CreateGame", FieldPath: "id", Strategy: StrategySetOnce},
					{Kind: MappingAggregate, TargetField: "score", Source: "AddScore", AggOp: AggSum},
				},
			},
		},
	}
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	require.NoError(t, Validate(gameSpec()))
}

func TestValidateRejectsAmbiguousWriter(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings, Mapping{
		Kind: MappingFromInstruction, TargetField: "id", Source: "CreateGame", FieldPath: "other",
	})
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeAmbiguousWriter, he.Code)
}

func TestValidateAllowsAggregateAccumulation(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings, Mapping{
		Kind: MappingAggregate, TargetField: "score", Source: "AddScore", AggOp: AggSum,
	})
	require.NoError(t, Validate(spec))
}

func TestValidateAllowsDeleteOnSourceWithNoMapping(t *testing.T) {
	spec := gameSpec()
	spec.Entities[0].DeleteOn = []string{"EndGame"}
	require.NoError(t, Validate(spec))
}

func TestValidateRejectsDeleteOnSourceAlsoMapped(t *testing.T) {
	spec := gameSpec()
	spec.Entities[0].DeleteOn = []string{"AddScore"}
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeDeleteConflict, he.Code)
}

func TestValidateRejectsUnknownComputedField(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings, Mapping{
		Kind:        MappingComputed,
		TargetField: "derived",
		Expr:        &Expr{Kind: ExprFieldRef, FieldRef: "nonexistent"},
	})
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeUnknownField, he.Code)
}

func TestValidateRejectsCyclicComputed(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings,
		Mapping{Kind: MappingComputed, TargetField: "a", Expr: &Expr{Kind: ExprFieldRef, FieldRef: "b"}},
		Mapping{Kind: MappingComputed, TargetField: "b", Expr: &Expr{Kind: ExprFieldRef, FieldRef: "a"}},
	)
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeCyclicComputed, he.Code)
}

func TestValidateResolverBreaksCycle(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Mappings = append(ent.Mappings,
		Mapping{Kind: MappingResolve, TargetField: "meta", ResolveKind: ResolveAddress, ResolverName: "metadata",
			AddressExpr: &Expr{Kind: ExprFieldRef, FieldRef: "derived"}},
		Mapping{Kind: MappingComputed, TargetField: "derived", Expr: &Expr{Kind: ExprFieldRef, FieldRef: "meta"}},
	)
	require.NoError(t, Validate(spec))
}

func TestValidateRejectsBadPrimaryKey(t *testing.T) {
	spec := gameSpec()
	spec.Entities[0].PrimaryKey = PrimaryKeyDescriptor{Kind: PKComposite}
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeBadPrimaryKey, he.Code)
}

func TestValidateRejectsViewReferencingUnknownSortField(t *testing.T) {
	spec := gameSpec()
	ent := &spec.Entities[0]
	ent.Views = append(ent.Views, ViewDecl{Name: "top", Kind: ViewTop, N: 10, SortField: "missing"})
	err := Validate(spec)
	require.Error(t, err)
	he, ok := herrors.As(unwrapToHyperstackErr(err))
	require.True(t, ok)
	require.Equal(t, herrors.CodeUnknownField, he.Code)
}

// unwrapToHyperstackErr walks fmt.Errorf %w wrapping to find the underlying
// *errors.HyperstackError, since Validate wraps per-entity with context.
func unwrapToHyperstackErr(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if _, ok := herrors.As(err); ok {
			return err
		}
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return err
}
