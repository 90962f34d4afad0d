package parent

import "strings"

// Cmdline is a module's command-line string -- the whitespace-separated words the root task
// consults literally to gate OPEN, REGISTER, and GET_QUOTA. It is never parsed eagerly; each
// query walks the string only as far as it needs to.
type Cmdline string

// Has reports whether the command line contains prefix immediately followed by value, both
// anchored to a single whitespace-delimited word: prefix must begin the string or follow
// whitespace, and value must end the token or be followed by whitespace. An empty value only
// requires the prefix to appear at such a boundary (equivalent to Get's presence check).
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

// CheckPermission walks cmdline for "name::" tokens granting access to request, skipping the
// first instance such grants (so a client cmdline listing the same name more than once can
// address a specific one). The returned tail is the full granted token -- including its
// namespace prefix -- which callers compare session names against, since that's what REGISTER
// published as the service's full name.
func CheckPermission(cmdline Cmdline, request string, instance int) (tail string, ok bool) {
	const prefix = "name::"

	s := string(cmdline)

	for pos := 0; pos <= len(s); {
		idx := strings.Index(s[pos:], prefix)
		if idx < 0 {
			return "", false
		}

		start := pos + idx + len(prefix)
		rest := s[start:]

		end := strings.IndexFunc(rest, isSpaceRune)
		if end < 0 {
			end = len(rest)
		}

		token := rest[:end]
		pos = start + end + 1

		if len(request) > len(token) {
			continue
		}

		if token[len(token)-len(request):] != request {
			continue
		}

		// The byte just before the matched suffix must be the namespace separator, so "name::foo"
		// cannot be satisfied by a request for the bare suffix of some unrelated, longer name.
		if len(token) == len(request) || token[len(token)-len(request)-1] != '/' {
			continue
		}

		if instance > 0 {
			instance--
			continue
		}

		return token, true
	}

	return "", false
}
