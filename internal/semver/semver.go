// Package semver parses and evaluates sps2's dependency spec grammar:
//
//	name ( op version ( , op version )* )?
//	op ∈ { =, ==, >=, >, <=, <, ~= }
//
// Version comparison itself is delegated to Masterminds/semver/v3; this
// package only adds the comma-separated multi-constraint grammar and the
// `~=major.minor` compatible-range operator the upstream library does
// not speak natively (its own `~` means "same major.minor.patch or
// later patch", not sps2's "same major.minor line").
package semver

import (
	"fmt"
	"strings"
	"unicode"

	mmsemver "github.com/Masterminds/semver/v3"

	"github.com/sps2/sps2/internal/errcode"
)

// Spec is a parsed dependency specification: a package name plus zero or
// more AND-combined version constraints.
type Spec struct {
	Name        string
	Constraints []Constraint
}

// Constraint is one `op version` term.
type Constraint struct {
	Op      string
	Version *mmsemver.Version
	raw     string
}

// String reconstructs the constraint's textual form.
func (c Constraint) String() string { return c.raw }

// validOps is the closed set of operators the grammar accepts.
var validOps = map[string]bool{
	"=": true, "==": true, ">=": true, ">": true, "<=": true, "<": true, "~=": true,
}

// ParseSpec parses a dependency spec string ("name", "name>=1.2.0", or
// "name>=1.2.0,<2.0.0"). An unconstrained spec (bare name) matches any
// version.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, errcode.New(errcode.InvalidInput, "empty dependency spec")
	}

	nameEnd := strings.IndexAny(s, "=<>~")
	namePart := s
	if nameEnd != -1 {
		namePart = s[:nameEnd]
	}
	if strings.IndexFunc(strings.TrimSpace(namePart), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-_.+", r)
	}) != -1 {
		return Spec{}, errcode.New(errcode.InvalidInput, "invalid package name in dependency spec: "+s)
	}
	if nameEnd == -1 {
		name := strings.TrimSpace(s)
		if name == "" {
			return Spec{}, errcode.New(errcode.InvalidInput, "dependency spec missing package name")
		}
		return Spec{Name: name}, nil
	}

	name := strings.TrimSpace(s[:nameEnd])
	if name == "" {
		return Spec{}, errcode.New(errcode.InvalidInput, "dependency spec missing package name: "+s)
	}

	rest := s[nameEnd:]
	terms := strings.Split(rest, ",")
	constraints := make([]Constraint, 0, len(terms))
	for _, term := range terms {
		c, err := parseConstraint(strings.TrimSpace(term))
		if err != nil {
			return Spec{}, errcode.Wrap(errcode.VersionConstraint, err, "invalid constraint in spec: "+s)
		}
		constraints = append(constraints, c)
	}

	return Spec{Name: name, Constraints: constraints}, nil
}

func parseConstraint(term string) (Constraint, error) {
	var op string
	switch {
	case strings.HasPrefix(term, "=="):
		op, term = "==", term[2:]
	case strings.HasPrefix(term, ">="):
		op, term = ">=", term[2:]
	case strings.HasPrefix(term, "<="):
		op, term = "<=", term[2:]
	case strings.HasPrefix(term, "~="):
		op, term = "~=", term[2:]
	case strings.HasPrefix(term, "="):
		op, term = "=", term[1:]
	case strings.HasPrefix(term, ">"):
		op, term = ">", term[1:]
	case strings.HasPrefix(term, "<"):
		op, term = "<", term[1:]
	default:
		return Constraint{}, fmt.Errorf("unrecognized operator in %q", term)
	}
	if !validOps[op] {
		return Constraint{}, fmt.Errorf("unsupported operator %q", op)
	}

	versionStr := strings.TrimSpace(term)
	v, err := mmsemver.NewVersion(versionStr)
	if err != nil {
		return Constraint{}, fmt.Errorf("invalid version %q: %w", versionStr, err)
	}
	return Constraint{Op: op, Version: v, raw: op + versionStr}, nil
}

// Matches reports whether version satisfies every constraint in s. A
// Spec with no constraints matches every version.
func (s Spec) Matches(version *mmsemver.Version) bool {
	for _, c := range s.Constraints {
		if !c.Matches(version) {
			return false
		}
	}
	return true
}

// Matches reports whether version satisfies a single constraint.
func (c Constraint) Matches(version *mmsemver.Version) bool {
	switch c.Op {
	case "=", "==":
		return version.Equal(c.Version)
	case ">=":
		return version.Compare(c.Version) >= 0
	case ">":
		return version.Compare(c.Version) > 0
	case "<=":
		return version.Compare(c.Version) <= 0
	case "<":
		return version.Compare(c.Version) < 0
	case "~=":
		return version.Major() == c.Version.Major() && version.Minor() == c.Version.Minor() &&
			version.Compare(c.Version) >= 0
	default:
		return false
	}
}

// String reconstructs the spec's textual form, e.g. "foo>=1.2.0,<2.0.0".
func (s Spec) String() string {
	if len(s.Constraints) == 0 {
		return s.Name
	}
	parts := make([]string, len(s.Constraints))
	for i, c := range s.Constraints {
		parts[i] = c.String()
	}
	return s.Name + strings.Join(parts, ",")
}

// FindBest returns the highest version in versions satisfying s, or nil
// if none match. versions need not be pre-sorted.
func FindBest(s Spec, versions []*mmsemver.Version) *mmsemver.Version {
	var best *mmsemver.Version
	for _, v := range versions {
		if !s.Matches(v) {
			continue
		}
		if best == nil || v.Compare(best) > 0 {
			best = v
		}
	}
	return best
}

// Parse is a thin wrapper over mmsemver.NewVersion, centralizing the
// wrapped error type used across the codebase.
func Parse(s string) (*mmsemver.Version, error) {
	v, err := mmsemver.NewVersion(s)
	if err != nil {
		return nil, errcode.Wrap(errcode.VersionConstraint, err, "invalid version: "+s)
	}
	return v, nil
}
