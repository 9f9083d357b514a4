// Package envspec loads and validates environment specification files: the
// static JSON documents that describe an environment program, its
// populations and their genetic interfaces, and its user-facing settings.
//
// The specification is read once at startup and never mutated afterward, so
// everything returned from this package may be shared freely across
// goroutines.
package envspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// Interface directions.
const (
	DirectionSensor = "sensor"
	DirectionMotor  = "motor"
)

// Interface describes one slot of the genetic interface between a body and
// its controller, identified by a Global Innovation Number.
type Interface struct {
	GIN         uint64 `json:"gin"`
	Name        string `json:"name"`
	Direction   string `json:"direction,omitempty"`
	Description string `json:"description,omitempty"`
}

// Population describes one population within an environment.
type Population struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Interfaces  []Interface `json:"interfaces,omitempty"`
}

// SettingKind enumerates the typed settings menu items.
type SettingKind string

// Setting kinds. The short aliases appear in older specification files.
const (
	KindReal        SettingKind = "Real"
	KindInteger     SettingKind = "Integer"
	KindBoolean     SettingKind = "Boolean"
	KindEnumeration SettingKind = "Enumeration"
)

// Setting is one bounded, typed configuration item for an environment.
type Setting struct {
	Name        string
	Kind        SettingKind
	Description string

	// Minimum and Maximum bound Real and Integer settings, inclusive.
	Minimum float64
	Maximum float64

	// Values lists the variants of an Enumeration.
	Values []string

	// Default is the initial value, rendered as text the way it is passed
	// on the environment's command line.
	Default string
}

type settingJSON struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Minimum     *float64        `json:"minimum"`
	Maximum     *float64        `json:"maximum"`
	Values      []string        `json:"values"`
	Default     json.RawMessage `json:"default"`
}

// UnmarshalJSON decodes a settings item, normalizing the type aliases used
// by older specification files.
func (s *Setting) UnmarshalJSON(data []byte) error {
	var raw settingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case "Real", "float":
		s.Kind = KindReal
	case "Integer", "int":
		s.Kind = KindInteger
	case "Boolean", "bool":
		s.Kind = KindBoolean
	case "Enumeration", "enum":
		s.Kind = KindEnumeration
	default:
		return fmt.Errorf("%w: setting type %q", errors.ErrInvalidConfig, raw.Type)
	}

	s.Name = raw.Name
	s.Description = raw.Description
	s.Values = raw.Values
	if raw.Minimum != nil {
		s.Minimum = *raw.Minimum
	}
	if raw.Maximum != nil {
		s.Maximum = *raw.Maximum
	}

	if len(raw.Default) > 0 {
		var asString string
		if err := json.Unmarshal(raw.Default, &asString); err == nil {
			s.Default = asString
		} else {
			s.Default = strings.TrimSpace(string(raw.Default))
		}
	}

	if (s.Kind == KindReal || s.Kind == KindInteger) && (raw.Minimum == nil || raw.Maximum == nil) {
		return fmt.Errorf("%w: setting %q needs minimum and maximum", errors.ErrInvalidConfig, s.Name)
	}
	if s.Kind == KindEnumeration && len(s.Values) == 0 {
		return fmt.Errorf("%w: setting %q needs values", errors.ErrInvalidConfig, s.Name)
	}
	return nil
}

// Cast checks a textual value against this setting's type and bounds and
// returns its normalized text form.
func (s *Setting) Cast(value string) (string, error) {
	value = strings.TrimSpace(value)
	switch s.Kind {
	case KindReal:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("%w: setting %q: %v", errors.ErrInvalidConfig, s.Name, err)
		}
		if f < s.Minimum || f > s.Maximum {
			return "", fmt.Errorf("%w: setting %q: %v out of range [%v, %v]",
				errors.ErrInvalidConfig, s.Name, f, s.Minimum, s.Maximum)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case KindInteger:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: setting %q: %v", errors.ErrInvalidConfig, s.Name, err)
		}
		if float64(i) < s.Minimum || float64(i) > s.Maximum {
			return "", fmt.Errorf("%w: setting %q: %d out of range [%v, %v]",
				errors.ErrInvalidConfig, s.Name, i, s.Minimum, s.Maximum)
		}
		return strconv.FormatInt(i, 10), nil
	case KindBoolean:
		switch strings.ToLower(value) {
		case "true", "false":
			return strings.ToLower(value), nil
		}
		return "", fmt.Errorf("%w: setting %q: expected true or false, got %q",
			errors.ErrInvalidConfig, s.Name, value)
	case KindEnumeration:
		for _, v := range s.Values {
			if v == value {
				return value, nil
			}
		}
		return "", fmt.Errorf("%w: setting %q: %q is not one of %v",
			errors.ErrInvalidConfig, s.Name, value, s.Values)
	}
	return "", fmt.Errorf("%w: setting %q has unknown kind", errors.ErrInvalidConfig, s.Name)
}

// Spec is one parsed environment specification.
type Spec struct {
	// SpecPath is the file this specification was loaded from.
	SpecPath string `json:"-"`

	// Name of the environment, unique among environments.
	Name string `json:"name"`

	// Command is the environment program's invocation. The program path is
	// resolved relative to the specification file.
	Command []string `json:"-"`

	Populations []Population `json:"populations"`
	Settings    []Setting    `json:"settings"`
	Description string       `json:"description,omitempty"`

	// Mating requests environmental control over parent selection.
	Mating bool `json:"mating,omitempty"`

	// Global restricts the environment to a single instance per computer.
	Global bool `json:"global,omitempty"`

	// Threads estimates concurrent computation, Memory peak usage in GB.
	// Scheduling hints only.
	Threads int     `json:"threads,omitempty"`
	Memory  float64 `json:"memory,omitempty"`
}

// specSchema is the structural contract for specification files. Anything
// that fails here is a ConfigError at startup, before the engine runs.
const specSchema = `{
	"type": "object",
	"required": ["name", "path"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"path": {
			"oneOf": [
				{"type": "string", "minLength": 1},
				{"type": "array", "items": {"type": "string"}, "minItems": 1}
			]
		},
		"description": {"type": "string"},
		"mating": {"type": "boolean"},
		"global": {"type": "boolean"},
		"threads": {"type": "integer", "minimum": 1},
		"memory": {"type": "number", "minimum": 0},
		"populations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"interfaces": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["gin", "name"],
							"properties": {
								"gin": {"type": "integer", "minimum": 0},
								"name": {"type": "string", "minLength": 1},
								"direction": {"enum": ["sensor", "motor"]},
								"description": {"type": "string"}
							}
						}
					}
				}
			}
		},
		"settings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type", "default"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"enum": ["Real", "float", "Integer", "int",
						"Boolean", "bool", "Enumeration", "enum"]}
				}
			}
		}
	}
}`

// Load reads, schema-checks and parses an environment specification file.
func Load(path string) (*Spec, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envspec", "Load", "resolve path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envspec", "Load", "read file")
	}
	return Parse(data, path)
}

// Parse decodes specification JSON. The specPath argument records where the
// document came from and anchors the environment program's relative path.
func Parse(data []byte, specPath string) (*Spec, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(specSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"envspec", "Parse", "run schema")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(details, "; ")),
			"envspec", "Parse", "validate document")
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"envspec", "Parse", "decode document")
	}
	spec.SpecPath = specPath

	command, err := decodeCommand(data)
	if err != nil {
		return nil, err
	}
	// The environment program's path is relative to the spec file.
	if len(command) > 0 && !filepath.IsAbs(command[0]) && specPath != "" {
		command[0] = filepath.Join(filepath.Dir(specPath), command[0])
	}
	spec.Command = command

	if err := spec.check(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// decodeCommand reads the "path" field, which is either a single program
// path or a full argv list.
func decodeCommand(data []byte) ([]string, error) {
	var doc struct {
		Path json.RawMessage `json:"path"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "envspec", "Parse", "decode path")
	}
	var single string
	if err := json.Unmarshal(doc.Path, &single); err == nil {
		return strings.Fields(single), nil
	}
	var list []string
	if err := json.Unmarshal(doc.Path, &list); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: field path: %v", errors.ErrInvalidConfig, err),
			"envspec", "Parse", "decode path")
	}
	return list, nil
}

// check enforces the cross-field invariants the schema cannot express.
func (s *Spec) check() error {
	popNames := make(map[string]bool, len(s.Populations))
	for _, pop := range s.Populations {
		if popNames[pop.Name] {
			return errors.WrapInvalid(
				fmt.Errorf("%w: duplicate population %q", errors.ErrInvalidConfig, pop.Name),
				"envspec", "check", "populations")
		}
		popNames[pop.Name] = true

		gins := make(map[uint64]bool, len(pop.Interfaces))
		for _, iface := range pop.Interfaces {
			if gins[iface.GIN] {
				return errors.WrapInvalid(
					fmt.Errorf("%w: population %q: duplicate gin %d",
						errors.ErrInvalidConfig, pop.Name, iface.GIN),
					"envspec", "check", "interfaces")
			}
			gins[iface.GIN] = true
		}
	}

	settingNames := make(map[string]bool, len(s.Settings))
	for _, item := range s.Settings {
		if settingNames[item.Name] {
			return errors.WrapInvalid(
				fmt.Errorf("%w: duplicate setting %q", errors.ErrInvalidConfig, item.Name),
				"envspec", "check", "settings")
		}
		settingNames[item.Name] = true
	}
	return nil
}

// Validate runs the startup sanity checks that touch the filesystem.
func (s *Spec) Validate() error {
	if len(s.Command) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty environment command", errors.ErrInvalidConfig),
			"envspec", "Validate", "command")
	}
	info, err := os.Stat(s.Command[0])
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: environment program: %v", errors.ErrInvalidConfig, err),
			"envspec", "Validate", "program")
	}
	if info.IsDir() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: environment program %q is a directory",
				errors.ErrInvalidConfig, s.Command[0]),
			"envspec", "Validate", "program")
	}
	return nil
}

// Population looks up a population by name. An empty name resolves to the
// only population, when there is exactly one.
func (s *Spec) Population(name string) (*Population, error) {
	if name == "" {
		if len(s.Populations) == 1 {
			return &s.Populations[0], nil
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: population name required, environment has %d populations",
				errors.ErrMalformedField, len(s.Populations)),
			"envspec", "Population", "resolve default")
	}
	for i := range s.Populations {
		if s.Populations[i].Name == name {
			return &s.Populations[i], nil
		}
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: no such population %q", errors.ErrMalformedField, name),
		"envspec", "Population", "lookup")
}

// SettingDefaults returns each setting's default value keyed by name.
func (s *Spec) SettingDefaults() map[string]string {
	defaults := make(map[string]string, len(s.Settings))
	for _, item := range s.Settings {
		defaults[item.Name] = item.Default
	}
	return defaults
}

// CastSettings merges user-supplied values over the defaults, rejecting
// unknown names and values that fail their setting's type or bounds.
func (s *Spec) CastSettings(values map[string]string) (map[string]string, error) {
	merged := s.SettingDefaults()
	byName := make(map[string]*Setting, len(s.Settings))
	for i := range s.Settings {
		byName[s.Settings[i].Name] = &s.Settings[i]
	}
	for name, value := range values {
		item, ok := byName[name]
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: unrecognized setting %q", errors.ErrInvalidConfig, name),
				"envspec", "CastSettings", "match setting")
		}
		cast, err := item.Cast(value)
		if err != nil {
			return nil, errors.WrapInvalid(err, "envspec", "CastSettings", "cast value")
		}
		merged[name] = cast
	}
	return merged, nil
}
