package env

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ctrl-z-9000-times/npc-maker/envspec"
	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// Mode tells an environment program whether to show graphical output.
type Mode string

// Graphics modes.
const (
	ModeGraphical Mode = "graphical"
	ModeHeadless  Mode = "headless"
)

// CommandLine assembles the argv for launching an environment program: the
// program's own command, the specification file path, the graphics mode,
// then the settings as NAME=VALUE pairs in stable order. The settings
// should already be cast through the specification.
func CommandLine(spec *envspec.Spec, mode Mode, settings map[string]string) []string {
	if mode == "" {
		mode = ModeGraphical
	}
	argv := append([]string{}, spec.Command...)
	argv = append(argv, spec.SpecPath, string(mode))
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, name+"="+settings[name])
	}
	return argv
}

// ParseArgs recovers the specification path, graphics mode and settings
// inside an environment program. Pass os.Args; the first element is
// skipped. A missing mode argument means graphical.
func ParseArgs(argv []string) (specPath string, mode Mode, settings map[string]string, err error) {
	if len(argv) < 2 {
		return "", "", nil, errors.WrapInvalid(
			fmt.Errorf("%w: specification path argument", errors.ErrMissingConfig),
			"env", "ParseArgs", "check arguments")
	}
	specPath = argv[1]
	mode = ModeGraphical
	rest := argv[2:]
	if len(rest) > 0 {
		switch m := Mode(strings.ToLower(strings.TrimSpace(rest[0]))); m {
		case ModeGraphical, ModeHeadless:
			mode = m
		default:
			return "", "", nil, errors.WrapInvalid(
				fmt.Errorf("%w: expected graphical or headless, got %q",
					errors.ErrMalformedField, rest[0]),
				"env", "ParseArgs", "parse mode")
		}
		rest = rest[1:]
	}
	settings = make(map[string]string, len(rest))
	for _, arg := range rest {
		name, value, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return "", "", nil, errors.WrapInvalid(
				fmt.Errorf("%w: setting argument %q", errors.ErrMalformedField, arg),
				"env", "ParseArgs", "split setting")
		}
		settings[name] = value
	}
	return specPath, mode, settings, nil
}
