package specload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hypertekorg/hyperstack/internal/ir"
)

const gameAST = `{
  "name": "Game",
  "primary_key": {"kind": "direct", "address_source": "CreateGame"},
  "fields": [
    {"name": "id", "type": "int"},
    {"name": "score", "type": "int"}
  ],
  "mappings": [
    {"kind": "from_account", "target_field": "id", "source": "CreateGame", "field_path": "id", "strategy": "overwrite"},
    {"kind": "aggregate", "target_field": "score", "source": "AddScore", "field_path": "delta", "agg_op": "sum"}
  ],
  "views": []
}`

const gameWithEndGameAST = `{
  "name": "Game",
  "primary_key": {"kind": "direct", "address_source": "CreateGame"},
  "fields": [
    {"name": "id", "type": "int"},
    {"name": "score", "type": "int"}
  ],
  "mappings": [
    {"kind": "from_account", "target_field": "id", "source": "CreateGame", "field_path": "id", "strategy": "overwrite"},
    {"kind": "aggregate", "target_field": "score", "source": "AddScore", "field_path": "delta", "agg_op": "sum"}
  ],
  "views": [],
  "delete_on": ["EndGame"]
}`

const badAST = `{
  "name": "Broken",
  "primary_key": {"kind": "direct", "address_source": "Create"},
  "fields": [{"name": "id", "type": "int"}],
  "mappings": [
    {"kind": "from_account", "target_field": "id", "source": "Create", "field_path": "id", "strategy": "overwrite"},
    {"kind": "from_account", "target_field": "id", "source": "Create", "field_path": "other", "strategy": "overwrite"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadFileLowersMappingsAndPrimaryKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Game.ast.json", gameAST)

	ent, err := LoadFile(filepath.Join(dir, "Game.ast.json"))
	require.NoError(t, err)
	require.Equal(t, "Game", ent.Name)
	require.Equal(t, ir.PKDirect, ent.PrimaryKey.Kind)
	require.Equal(t, "CreateGame", ent.PrimaryKey.AddressSource)
	require.Len(t, ent.Mappings, 2)
	require.Equal(t, ir.MappingAggregate, ent.Mappings[1].Kind)
	require.Equal(t, ir.AggSum, ent.Mappings[1].AggOp)
}

func TestLoadDirBuildsSpecWithDedupedSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Game.ast.json", gameAST)

	spec, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, spec.Entities, 1)
	require.Contains(t, spec.Sources, "CreateGame")
	require.Contains(t, spec.Sources, "AddScore")
}

func TestLoadFileLowersDeleteOn(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Game.ast.json", gameWithEndGameAST)

	ent, err := LoadFile(filepath.Join(dir, "Game.ast.json"))
	require.NoError(t, err)
	require.Equal(t, []string{"EndGame"}, ent.DeleteOn)
}

func TestLoadDirIncludesDeleteOnSourceInSpecSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Game.ast.json", gameWithEndGameAST)

	spec, err := LoadDir(dir)
	require.NoError(t, err)
	require.Contains(t, spec.Sources, "EndGame")
}

func TestLoadDirRejectsSemanticallyInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Broken.ast.json", badAST)

	_, err := LoadDir(dir)
	require.Error(t, err)
}

func TestLoadFileRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Invalid.ast.json", `{"fields": [{"name":"id","type":"int"}]}`)

	_, err := LoadFile(filepath.Join(dir, "Invalid.ast.json"))
	require.Error(t, err)
}
