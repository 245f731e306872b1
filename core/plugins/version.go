package plugins

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncompatibleVersion is returned when a descriptor's host version
// constraint does not admit HostVersion.
var ErrIncompatibleVersion = errors.New("incompatible host version")

// Version is a major.minor.patch triple. Missing components are zero.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1", "1.2" or "1.2.3", with an optional "v" prefix.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("version string is empty")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version format: %s (expected X.Y.Z)", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version component %q in %s", p, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or +1.
func (v Version) Compare(other Version) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, other.Minor); c != 0 {
		return c
	}
	return cmp.Compare(v.Patch, other.Patch)
}

// Constraint is a single comparison such as ">=1.2.0".
type Constraint struct {
	Operator string
	Version  Version
}

var operators = []string{">=", "<=", "!=", ">", "<", "="}

// ParseConstraint parses a constraint. A bare version means "=".
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, fmt.Errorf("constraint string is empty")
	}
	op := "="
	for _, candidate := range operators {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = s[len(candidate):]
			break
		}
	}
	v, err := ParseVersion(s)
	if err != nil {
		return Constraint{}, fmt.Errorf("invalid constraint version: %w", err)
	}
	return Constraint{Operator: op, Version: v}, nil
}

// Check reports whether v satisfies the constraint.
func (c Constraint) Check(v Version) bool {
	n := v.Compare(c.Version)
	switch c.Operator {
	case ">=":
		return n >= 0
	case ">":
		return n > 0
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case "!=":
		return n != 0
	default:
		return n == 0
	}
}

func (c Constraint) String() string {
	return c.Operator + c.Version.String()
}

// ConstraintSet is a comma separated conjunction, e.g. ">=1.0.0,<2.0.0".
// The empty set admits every version.
type ConstraintSet []Constraint

// ParseConstraintSet parses a comma separated list of constraints.
func ParseConstraintSet(s string) (ConstraintSet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var set ConstraintSet
	for _, part := range strings.Split(s, ",") {
		c, err := ParseConstraint(part)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Check reports whether v satisfies every constraint.
func (cs ConstraintSet) Check(v Version) bool {
	for _, c := range cs {
		if !c.Check(v) {
			return false
		}
	}
	return true
}

func (cs ConstraintSet) String() string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// CheckHostVersion verifies that host satisfies constraint.
func CheckHostVersion(constraint, host string) error {
	set, err := ParseConstraintSet(constraint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleVersion, err)
	}
	if len(set) == 0 {
		return nil
	}
	v, err := ParseVersion(host)
	if err != nil {
		return fmt.Errorf("%w: host version: %v", ErrIncompatibleVersion, err)
	}
	if !set.Check(v) {
		return fmt.Errorf("%w: host %s does not satisfy %s", ErrIncompatibleVersion, v, set)
	}
	return nil
}
