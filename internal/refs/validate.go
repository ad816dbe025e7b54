package refs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRefName is returned by Validate when a ref name fails any
// of the naming rules.
var ErrInvalidRefName = errors.New("refs: invalid ref name")

const maxRefNameLen = 255

// Validate checks a full ref name (e.g. "refs/heads/main") against the
// naming rules: non-empty, ASCII, no forbidden characters, no leading
// '-', no trailing '/', '.', or '.lock', no "..", "//", or "@{", and
// never the literal "HEAD" (HEAD is handled as a distinct special name,
// not a ref under refs/).
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRefName)
	}
	if len(name) > maxRefNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidRefName, len(name), maxRefNameLen)
	}
	if name == "HEAD" {
		return fmt.Errorf("%w: HEAD is not a ref", ErrInvalidRefName)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("%w: leading '-'", ErrInvalidRefName)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: forbidden trailing sequence", ErrInvalidRefName)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return fmt.Errorf("%w: forbidden substring", ErrInvalidRefName)
	}
	for _, r := range name {
		if r > 127 {
			return fmt.Errorf("%w: non-ASCII byte", ErrInvalidRefName)
		}
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character", ErrInvalidRefName)
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return fmt.Errorf("%w: forbidden character %q", ErrInvalidRefName, r)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return fmt.Errorf("%w: empty path component", ErrInvalidRefName)
		}
	}
	return nil
}

// ValidateShortName validates a user-supplied branch/tag short name
// (e.g. "main", not "refs/heads/main"); it additionally rejects a name
// that already carries a "refs/" prefix, since callers only ever supply
// short names and the full ref path is built internally.
func ValidateShortName(name string) error {
	if strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("%w: short name must not start with refs/", ErrInvalidRefName)
	}
	return Validate(name)
}
