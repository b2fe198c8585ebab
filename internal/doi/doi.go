// Package doi contains the identifier model shared across packages: the DOI
// value itself, its registration status and type, and the lifecycle event the
// worker consumes.
package doi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDOI is returned by Parse and New when the input is not a DOI.
var ErrInvalidDOI = errors.New("invalid doi")

const (
	resolverHost = "https://doi.org/"
	prefixStart  = "10."
)

// resolverPrefixes are stripped by Parse so identifiers copied from links or
// citations are accepted.
var resolverPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// DOI is an immutable registrant prefix + suffix pair. The zero value is not a
// valid identifier; use New or Parse.
type DOI struct {
	prefix string
	suffix string
}

// New builds a DOI from its two halves.
func New(prefix, suffix string) (DOI, error) {
	prefix = strings.TrimSpace(prefix)
	suffix = strings.TrimSpace(suffix)
	if !strings.HasPrefix(prefix, prefixStart) || len(prefix) == len(prefixStart) {
		return DOI{}, fmt.Errorf("%w: prefix %q must start with %q", ErrInvalidDOI, prefix, prefixStart)
	}
	if suffix == "" {
		return DOI{}, fmt.Errorf("%w: empty suffix", ErrInvalidDOI)
	}
	return DOI{prefix: prefix, suffix: suffix}, nil
}

// MustNew is New for constants and tests; it panics on invalid input.
func MustNew(prefix, suffix string) DOI {
	d, err := New(prefix, suffix)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse accepts "10.x/y", "doi:10.x/y" and resolver URLs.
func Parse(s string) (DOI, error) {
	v := strings.TrimSpace(s)
	lower := strings.ToLower(v)
	for _, p := range resolverPrefixes {
		if strings.HasPrefix(lower, p) {
			v = v[len(p):]
			break
		}
	}
	prefix, suffix, ok := strings.Cut(v, "/")
	if !ok {
		return DOI{}, fmt.Errorf("%w: %q has no suffix", ErrInvalidDOI, s)
	}
	return New(prefix, suffix)
}

// Prefix returns the registrant prefix, e.g. "10.5072".
func (d DOI) Prefix() string { return d.prefix }

// Suffix returns the opaque suffix including any shoulder.
func (d DOI) Suffix() string { return d.suffix }

// IsZero reports whether d was never initialised.
func (d DOI) IsZero() bool { return d.prefix == "" && d.suffix == "" }

func (d DOI) String() string {
	if d.IsZero() {
		return ""
	}
	return d.prefix + "/" + d.suffix
}

// Key is the case-folded form used for storage keys and shard routing.
func (d DOI) Key() string { return strings.ToLower(d.String()) }

// URL returns the public resolver link.
func (d DOI) URL() string { return resolverHost + d.String() }

// Equal compares the full identifier case-insensitively.
func (d DOI) Equal(other DOI) bool { return strings.EqualFold(d.String(), other.String()) }

// MarshalText lets DOI appear as a plain string in JSON payloads.
func (d DOI) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses a DOI from its string form.
func (d *DOI) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = DOI{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
