package envspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	npcerrors "github.com/ctrl-z-9000-times/npc-maker/errors"
)

const sampleSpec = `{
	"name": "gridworld",
	"path": "bin/gridworld --verbose",
	"description": "a small test world",
	"populations": [
		{
			"name": "critters",
			"interfaces": [
				{"gin": 1, "name": "eye", "direction": "sensor"},
				{"gin": 2, "name": "leg", "direction": "motor"}
			]
		},
		{"name": "plants"}
	],
	"settings": [
		{"name": "speed", "type": "Real", "minimum": 0.1, "maximum": 10, "default": 1.0},
		{"name": "seed", "type": "Integer", "minimum": 0, "maximum": 65535, "default": "42"},
		{"name": "wrap", "type": "Boolean", "default": "true"},
		{"name": "terrain", "type": "enum", "values": ["flat", "hilly"], "default": "flat"}
	]
}`

func TestParseSample(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec), "/opt/worlds/gridworld.json")
	require.NoError(t, err)

	assert.Equal(t, "gridworld", spec.Name)
	assert.Equal(t, []string{"/opt/worlds/bin/gridworld", "--verbose"}, spec.Command)
	require.Len(t, spec.Populations, 2)
	assert.Equal(t, "critters", spec.Populations[0].Name)
	require.Len(t, spec.Populations[0].Interfaces, 2)
	assert.Equal(t, uint64(2), spec.Populations[0].Interfaces[1].GIN)
	assert.Equal(t, DirectionMotor, spec.Populations[0].Interfaces[1].Direction)

	require.Len(t, spec.Settings, 4)
	assert.Equal(t, KindReal, spec.Settings[0].Kind)
	assert.Equal(t, KindInteger, spec.Settings[1].Kind)
	assert.Equal(t, KindBoolean, spec.Settings[2].Kind)
	assert.Equal(t, KindEnumeration, spec.Settings[3].Kind)
	assert.Equal(t, "42", spec.Settings[1].Default)
}

func TestParsePathList(t *testing.T) {
	doc := `{"name": "x", "path": ["/usr/bin/env", "python3", "world.py"]}`
	spec, err := Parse([]byte(doc), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/env", "python3", "world.py"}, spec.Command)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", `{"path": "world"}`},
		{"missing path", `{"name": "x"}`},
		{"bad direction", `{"name": "x", "path": "w", "populations": [
			{"name": "p", "interfaces": [{"gin": 1, "name": "a", "direction": "sideways"}]}]}`},
		{"duplicate population", `{"name": "x", "path": "w",
			"populations": [{"name": "p"}, {"name": "p"}]}`},
		{"duplicate gin", `{"name": "x", "path": "w", "populations": [
			{"name": "p", "interfaces": [{"gin": 7, "name": "a"}, {"gin": 7, "name": "b"}]}]}`},
		{"duplicate setting", `{"name": "x", "path": "w", "settings": [
			{"name": "s", "type": "Boolean", "default": "true"},
			{"name": "s", "type": "Boolean", "default": "false"}]}`},
		{"unbounded real", `{"name": "x", "path": "w", "settings": [
			{"name": "s", "type": "Real", "default": 1}]}`},
		{"empty enum", `{"name": "x", "path": "w", "settings": [
			{"name": "s", "type": "enum", "default": "a"}]}`},
		{"not json", `{"name": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "")
			require.Error(t, err)
			assert.True(t, npcerrors.IsInvalid(err), "expected an invalid-config error, got %v", err)
		})
	}
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	program := filepath.Join(dir, "world")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/sh\n"), 0o755))

	specPath := filepath.Join(dir, "world.json")
	require.NoError(t, os.WriteFile(specPath,
		[]byte(`{"name": "world", "path": "world"}`), 0o644))

	spec, err := Load(specPath)
	require.NoError(t, err)
	assert.Equal(t, specPath, spec.SpecPath)
	assert.Equal(t, []string{program}, spec.Command)
	assert.NoError(t, spec.Validate())
}

func TestValidateMissingProgram(t *testing.T) {
	spec, err := Parse([]byte(`{"name": "x", "path": "no/such/program"}`),
		filepath.Join(t.TempDir(), "x.json"))
	require.NoError(t, err)
	assert.Error(t, spec.Validate())
}

func TestPopulationLookup(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec), "")
	require.NoError(t, err)

	pop, err := spec.Population("plants")
	require.NoError(t, err)
	assert.Equal(t, "plants", pop.Name)

	_, err = spec.Population("rocks")
	assert.Error(t, err)

	// Ambiguous default with two populations.
	_, err = spec.Population("")
	assert.Error(t, err)

	single, err := Parse([]byte(`{"name": "x", "path": "w",
		"populations": [{"name": "only"}]}`), "")
	require.NoError(t, err)
	pop, err = single.Population("")
	require.NoError(t, err)
	assert.Equal(t, "only", pop.Name)
}

func TestCastSettings(t *testing.T) {
	spec, err := Parse([]byte(sampleSpec), "")
	require.NoError(t, err)

	merged, err := spec.CastSettings(map[string]string{
		"speed":   "2.5",
		"terrain": "hilly",
	})
	require.NoError(t, err)
	assert.Equal(t, "2.5", merged["speed"])
	assert.Equal(t, "hilly", merged["terrain"])
	assert.Equal(t, "42", merged["seed"], "untouched settings keep their defaults")
	assert.Equal(t, "true", merged["wrap"])

	_, err = spec.CastSettings(map[string]string{"speed": "100"})
	assert.Error(t, err, "out of range")
	_, err = spec.CastSettings(map[string]string{"seed": "1.5"})
	assert.Error(t, err, "not an integer")
	_, err = spec.CastSettings(map[string]string{"wrap": "maybe"})
	assert.Error(t, err, "not a boolean")
	_, err = spec.CastSettings(map[string]string{"terrain": "ocean"})
	assert.Error(t, err, "not a variant")
	_, err = spec.CastSettings(map[string]string{"gravity": "9.8"})
	assert.Error(t, err, "unknown setting")
}
