// Package specload reads the spec AST the authoring front-end produces —
// one `<EntityName>.ast.json` file per entity under a project's
// `.hyperstack/` directory — and decodes it into internal/ir types. This is
// the stable boundary between authoring and the core: whatever language or
// macro system produced the AST, the loader accepts only this JSON shape.
package specload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/hypertekorg/hyperstack/internal/ir"
)

var validate = validator.New()

// document is the on-disk shape of one <Entity>.ast.json file. Field tags
// carry the minimal structural checks (required, oneof) that catch a
// malformed document before it is lowered to ir types; ir.Validate then
// checks the semantic invariants (writer uniqueness, cycles, primary key
// shape) that span the whole entity.
type document struct {
	Name       string        `json:"name" validate:"required"`
	PrimaryKey primaryKeyDoc `json:"primary_key" validate:"required"`
	Fields     []fieldDoc    `json:"fields" validate:"required,dive"`
	Mappings   []mappingDoc  `json:"mappings" validate:"dive"`
	Views      []viewDoc     `json:"views" validate:"dive"`
	DeleteOn   []string      `json:"delete_on"`
}

type primaryKeyDoc struct {
	Kind          string       `json:"kind" validate:"required,oneof=direct composite"`
	AddressSource string       `json:"address_source"`
	Refs          []fieldRefDoc `json:"refs" validate:"dive"`
}

type fieldRefDoc struct {
	Source    string `json:"source" validate:"required"`
	FieldPath string `json:"field_path" validate:"required"`
}

type fieldDoc struct {
	Name    string `json:"name" validate:"required"`
	Type    string `json:"type" validate:"required,oneof=string int float bool list object any"`
	ListCap int    `json:"list_cap"`
}

type mappingDoc struct {
	Kind        string       `json:"kind" validate:"required"`
	TargetField string       `json:"target_field" validate:"required"`
	Source      string       `json:"source"`
	Strategy    string       `json:"strategy"`
	FieldPath   string       `json:"field_path"`
	ListCap     int          `json:"list_cap"`
	AggOp       string       `json:"agg_op"`
	Expr        *exprDoc     `json:"expr"`
	Stop        *exprDoc     `json:"stop"`

	ResolveKind  string `json:"resolve_kind"`
	ResolverName string `json:"resolver_name"`
	AddressExpr  *exprDoc `json:"address_expr"`
	URLTemplate  string `json:"url_template"`
	Extract      string `json:"extract"`
	Method       string `json:"method"`
}

type exprDoc struct {
	Kind string `json:"kind" validate:"required"`

	FieldRef string `json:"field_ref"`

	ConstKind   string  `json:"const_kind"`
	StringValue string  `json:"string_value"`
	IntValue    int64   `json:"int_value"`
	FloatValue  float64 `json:"float_value"`
	BoolValue   bool    `json:"bool_value"`

	Op    string   `json:"op"`
	Left  *exprDoc `json:"left"`
	Right *exprDoc `json:"right"`

	Cond *exprDoc `json:"cond"`
	Then *exprDoc `json:"then"`
	Else *exprDoc `json:"else"`

	Over *exprDoc `json:"over"`
	Var  string   `json:"var"`
	Body *exprDoc `json:"body"`

	Builtin string     `json:"builtin"`
	Args    []*exprDoc `json:"args"`
}

type viewDoc struct {
	Name      string   `json:"name" validate:"required"`
	Kind      string   `json:"kind" validate:"required,oneof=state list latest top"`
	N         int      `json:"n"`
	SortField string   `json:"sort_field"`
	Order     string   `json:"order"`
	Filter    *exprDoc `json:"filter"`
}

// LoadDir reads every <Entity>.ast.json file directly under dir (typically
// <project>/.hyperstack), decodes and structurally validates each, lowers
// them to ir.Entity, and returns the combined spec after running
// ir.Validate over it. Entities are returned in file-name order so
// compilation output (dispatch tables, constant pools) is deterministic
// across runs over the same directory.
func LoadDir(dir string) (*ir.Spec, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.ast.json"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(paths)

	spec := &ir.Spec{Name: filepath.Base(dir)}
	sources := make(map[string]bool)

	for _, path := range paths {
		ent, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		spec.Entities = append(spec.Entities, *ent)
		for _, m := range ent.Mappings {
			if m.Source != "" {
				sources[m.Source] = true
			}
		}
		if ent.PrimaryKey.Kind == ir.PKDirect && ent.PrimaryKey.AddressSource != "" {
			sources[ent.PrimaryKey.AddressSource] = true
		}
		for _, ref := range ent.PrimaryKey.Refs {
			sources[ref.Source] = true
		}
		for _, s := range ent.DeleteOn {
			sources[s] = true
		}
	}

	for s := range sources {
		spec.Sources = append(spec.Sources, s)
	}
	sort.Strings(spec.Sources)

	if err := ir.Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadFile decodes and structurally validates a single entity AST file,
// lowering it to an ir.Entity. It does not run ir.Validate — cross-entity
// and whole-spec invariants are only meaningful once every entity in the
// project is loaded, which is LoadDir's job.
func LoadFile(path string) (*ir.Entity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return lowerEntity(doc)
}

func lowerEntity(doc document) (*ir.Entity, error) {
	ent := &ir.Entity{Name: doc.Name}

	for _, f := range doc.Fields {
		ent.Fields = append(ent.Fields, ir.FieldDecl{
			Name: f.Name, Type: ir.FieldType(f.Type), ListCap: f.ListCap,
		})
	}

	pk := ir.PrimaryKeyDescriptor{Kind: ir.PrimaryKeyKind(doc.PrimaryKey.Kind)}
	switch pk.Kind {
	case ir.PKDirect:
		pk.AddressSource = doc.PrimaryKey.AddressSource
	case ir.PKComposite:
		for _, r := range doc.PrimaryKey.Refs {
			pk.Refs = append(pk.Refs, ir.FieldRef{Source: r.Source, FieldPath: r.FieldPath})
		}
	}
	ent.PrimaryKey = pk

	for _, m := range doc.Mappings {
		lowered, err := lowerMapping(m)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m.TargetField, err)
		}
		ent.Mappings = append(ent.Mappings, lowered)
	}

	for _, v := range doc.Views {
		ent.Views = append(ent.Views, ir.ViewDecl{
			Name:      v.Name,
			Kind:      ir.ViewKind(v.Kind),
			N:         v.N,
			SortField: v.SortField,
			Order:     ir.SortOrder(v.Order),
			Filter:    lowerExpr(v.Filter),
		})
	}

	ent.DeleteOn = doc.DeleteOn

	return ent, nil
}

func lowerMapping(m mappingDoc) (ir.Mapping, error) {
	kind := ir.MappingKind(m.Kind)
	lowered := ir.Mapping{
		Kind:        kind,
		TargetField: m.TargetField,
		Source:      m.Source,
		Strategy:    ir.Strategy(m.Strategy),
		FieldPath:   m.FieldPath,
		ListCap:     m.ListCap,
		AggOp:       ir.AggregateOp(m.AggOp),
		Expr:        lowerExpr(m.Expr),
		Stop:        lowerExpr(m.Stop),

		ResolveKind:  ir.ResolveKind(m.ResolveKind),
		ResolverName: m.ResolverName,
		AddressExpr:  lowerExpr(m.AddressExpr),
		URLTemplate:  m.URLTemplate,
		Extract:      m.Extract,
		Method:       m.Method,
	}

	if (kind == ir.MappingComputed || kind == ir.MappingDeriveFrom) && lowered.Expr == nil {
		return ir.Mapping{}, fmt.Errorf("%s mapping requires an expr", kind)
	}
	if kind == ir.MappingResolve {
		switch lowered.ResolveKind {
		case ir.ResolveAddress:
			if lowered.AddressExpr == nil {
				return ir.Mapping{}, fmt.Errorf("resolve(address) mapping requires an address_expr")
			}
		case ir.ResolveURL:
			if lowered.URLTemplate == "" {
				return ir.Mapping{}, fmt.Errorf("resolve(url) mapping requires a url_template")
			}
		default:
			return ir.Mapping{}, fmt.Errorf("unknown resolve_kind %q", m.ResolveKind)
		}
	}
	return lowered, nil
}

func lowerExpr(e *exprDoc) *ir.Expr {
	if e == nil {
		return nil
	}
	out := &ir.Expr{
		Kind:        ir.ExprKind(e.Kind),
		FieldRef:    e.FieldRef,
		ConstKind:   ir.ConstKind(e.ConstKind),
		StringValue: e.StringValue,
		IntValue:    e.IntValue,
		FloatValue:  e.FloatValue,
		BoolValue:   e.BoolValue,
		Op:          e.Op,
		Left:        lowerExpr(e.Left),
		Right:       lowerExpr(e.Right),
		Cond:        lowerExpr(e.Cond),
		Then:        lowerExpr(e.Then),
		Else:        lowerExpr(e.Else),
		Over:        lowerExpr(e.Over),
		Var:         e.Var,
		Body:        lowerExpr(e.Body),
		Builtin:     e.Builtin,
	}
	for _, a := range e.Args {
		out.Args = append(out.Args, lowerExpr(a))
	}
	return out
}
