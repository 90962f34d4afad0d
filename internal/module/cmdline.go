package module

import (
	"strconv"
	"strings"
)

// Cmdline is the sigma0-facing prefix of a module's command line: the whitespace-separated
// "sigma0::" tokens that steer affinity, DMA grant, and quota decisions. Ported from the original
// sigma0's Cmdline::has/get (parent_protocol.h): a prefix must begin the string or follow
// whitespace, and a non-empty value must be followed by whitespace or end-of-string.
type Cmdline string

// Has reports whether the command line contains prefix immediately followed by value, both
// anchored to word boundaries. An empty value reduces Has to a presence check for prefix alone.
func (c Cmdline) Has(prefix, value string) bool {
	s := string(c)

	for pos := 0; pos <= len(s); {
		idx := strings.Index(s[pos:], prefix)
		if idx < 0 {
			return false
		}

		start := pos + idx

		if start != 0 && !isSpace(s[start-1]) {
			pos = start + 1
			continue
		}

		rest := s[start+len(prefix):]

		if value == "" {
			return true
		}

		if strings.HasPrefix(rest, value) {
			after := rest[len(value):]
			if after == "" || isSpace(after[0]) {
				return true
			}
		}

		pos = start + 1
	}

	return false
}

// Get returns the word immediately following prefix, and whether prefix was present at a word
// boundary at all.
func (c Cmdline) Get(prefix string) (string, bool) {
	s := string(c)

	for pos := 0; pos <= len(s); {
		idx := strings.Index(s[pos:], prefix)
		if idx < 0 {
			return "", false
		}

		start := pos + idx

		if start != 0 && !isSpace(s[start-1]) {
			pos = start + 1
			continue
		}

		rest := s[start+len(prefix):]

		end := strings.IndexFunc(rest, isSpaceRune)
		if end < 0 {
			end = len(rest)
		}

		return rest[:end], true
	}

	return "", false
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', '\v':
		return true
	default:
		return false
	}
}

func isSpaceRune(r rune) bool { return r < 0x80 && isSpace(byte(r)) }

// AffinityCPU parses "sigma0::cpu=<n>" and returns n, or 0 if the token is absent or malformed.
// It has a single return value, so an explicit cpu=0 and an absent or malformed token look the
// same to the caller.
func (c Cmdline) AffinityCPU() uint32 {
	n, ok := c.affinityCPU()
	if !ok {
		return 0
	}

	return n
}

func (c Cmdline) affinityCPU() (uint32, bool) {
	v, ok := c.Get("sigma0::cpu")
	if !ok {
		return 0, false
	}

	v = strings.TrimPrefix(v, "=")

	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, false
	}

	return uint32(n), true
}
