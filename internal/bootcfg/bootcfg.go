// Package bootcfg parses the firmware-supplied boot arguments and the
// YAML machine profiles the CLI consumes. Boot arguments are a
// whitespace-separated token list; values may be double-quoted.
package bootcfg

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadBootargs = errors.New("malformed boot arguments")

// ModuleRef names one auxiliary blob to load alongside the kernel.
type ModuleRef struct {
	Locator string
	Name    string
}

// Config is the parsed boot configuration.
type Config struct {
	// Kernel overrides the firmware mode's well-known kernel locator.
	Kernel string

	// Append, when set, becomes the boot-info command line verbatim.
	Append    string
	hasAppend bool

	Modules      []ModuleRef
	Debug        bool
	NoDecompress bool

	raw string
}

// CommandLine is what goes into the boot-info CommandLine section: the
// append= value when given, otherwise the raw boot arguments unchanged.
func (c Config) CommandLine() string {
	if c.hasAppend {
		return c.Append
	}
	return c.raw
}

// Parse decodes a boot argument string. Unknown tokens are legal; they
// remain visible to the kernel through the raw command line.
func Parse(bootargs string) (Config, error) {
	cfg := Config{raw: bootargs}
	tokens, err := tokenize(bootargs)
	if err != nil {
		return Config{raw: bootargs}, err
	}
	for _, tok := range tokens {
		key, value, hasValue := strings.Cut(tok, "=")
		switch key {
		case "kernel":
			if !hasValue || value == "" {
				return Config{raw: bootargs}, fmt.Errorf("%w: kernel= needs a locator", ErrBadBootargs)
			}
			cfg.Kernel = value
		case "append":
			if !hasValue {
				return Config{raw: bootargs}, fmt.Errorf("%w: append= needs a value", ErrBadBootargs)
			}
			cfg.Append = value
			cfg.hasAppend = true
		case "module":
			if !hasValue || value == "" {
				return Config{raw: bootargs}, fmt.Errorf("%w: module= needs a locator", ErrBadBootargs)
			}
			locator, name, _ := strings.Cut(value, ",")
			if name == "" {
				name = locator
			}
			cfg.Modules = append(cfg.Modules, ModuleRef{Locator: locator, Name: name})
		case "debug":
			if hasValue {
				return Config{raw: bootargs}, fmt.Errorf("%w: debug takes no value", ErrBadBootargs)
			}
			cfg.Debug = true
		case "no_decompress":
			if hasValue {
				return Config{raw: bootargs}, fmt.Errorf("%w: no_decompress takes no value", ErrBadBootargs)
			}
			cfg.NoDecompress = true
		default:
			// Unknown option: passed through on the command line.
		}
	}
	return cfg, nil
}

// tokenize splits on whitespace outside double quotes and strips the
// quotes from values.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("%w: unterminated quote", ErrBadBootargs)
	}
	flush()
	return tokens, nil
}
