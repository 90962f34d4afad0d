package module

import (
	"errors"
	"strings"
)

// Config is one parsed nulconfig line: the sigma0-facing cmdline tokens, and the client's own
// scheme, path, and argument tail. The on-disk format is a single line,
// "<sigma0 tokens> || <scheme>://<path> <args...>", one module per line in a ".nulconfig" file.
type Config struct {
	Raw         string // The full, unsplit line, as Table.Alloc wants it.
	SigmaCmdLen int    // Byte offset of "||" in Raw; Raw[:SigmaCmdLen] is the sigma0 prefix.

	Scheme string // e.g. "fs", "rom".
	Path   string
	Args   string // Everything after Path, unparsed.
}

var (
	// ErrNoSeparator is returned when a config line has no "||" sigma0/client separator.
	ErrNoSeparator = errors.New("module: nulconfig: missing || separator")

	// ErrNoScheme is returned when the client portion has no "scheme://" prefix.
	ErrNoScheme = errors.New("module: nulconfig: missing scheme://")
)

// ParseConfig parses a single nulconfig line, following the original start_config's scanning: find
// "||", skip leading whitespace after it, then require a "scheme://path" token before the first
// whitespace-delimited argument boundary.
func ParseConfig(line string) (Config, error) {
	sepIdx := strings.Index(line, "||")
	if sepIdx < 0 {
		return Config{}, ErrNoSeparator
	}

	client := line[sepIdx+2:]
	client = strings.TrimLeft(client, " \t\r\n\f\v")

	schemeEnd := strings.Index(client, "://")
	if schemeEnd < 0 {
		return Config{}, ErrNoScheme
	}

	// The scheme must appear before the first whitespace boundary of the client token, otherwise
	// "://" found further down the line belongs to an argument, not the scheme.
	if firstSpace := strings.IndexFunc(client, isSpaceRune); firstSpace >= 0 && firstSpace < schemeEnd {
		return Config{}, ErrNoScheme
	}

	scheme := client[:schemeEnd]
	rest := client[schemeEnd+3:]

	pathEnd := strings.IndexFunc(rest, isSpaceRune)

	var path, args string
	if pathEnd < 0 {
		path = rest
	} else {
		path = rest[:pathEnd]
		args = strings.TrimLeft(rest[pathEnd:], " \t\r\n\f\v")
	}

	return Config{
		Raw:         line,
		SigmaCmdLen: sepIdx,
		Scheme:      scheme,
		Path:        path,
		Args:        args,
	}, nil
}

// SplitConfigs splits the contents of a ".nulconfig" file into its individual module lines, one
// per non-empty, non-comment ('#'-prefixed) line.
func SplitConfigs(data string) []string {
	var lines []string

	for _, raw := range strings.Split(data, "\n") {
		line := strings.TrimRight(raw, " \t\r\f\v")
		if line == "" || strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}

		lines = append(lines, line)
	}

	return lines
}
