/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func validVersion(v string) bool { return canonical(v) != "" }

type term struct {
	op      string
	version string
}

// Constraint is a conjunction of version terms such as ">=1.2, <2".
// Supported operators: =, >=, >, <=, <, ^ (same major) and ~ (same minor).
// An empty constraint or "*" matches every version.
type Constraint struct {
	terms []term
}

// ParseConstraint parses s.
func ParseConstraint(s string) (Constraint, error) {
	var c Constraint
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return c, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		op := ""
		for _, candidate := range []string{">=", "<=", "^", "~", ">", "<", "="} {
			if strings.HasPrefix(part, candidate) {
				op = candidate
				break
			}
		}
		v := canonical(strings.TrimPrefix(part, op))
		if v == "" {
			return Constraint{}, fmt.Errorf("invalid version constraint %q", part)
		}
		if op == "" {
			op = "="
		}
		c.terms = append(c.terms, term{op: op, version: v})
	}
	return c, nil
}

// Matches reports whether version satisfies every term. An unversioned plugin
// only satisfies the empty constraint.
func (c Constraint) Matches(version string) bool {
	if len(c.terms) == 0 {
		return true
	}
	v := canonical(version)
	if v == "" {
		return false
	}
	for _, t := range c.terms {
		cmp := semver.Compare(v, t.version)
		ok := false
		switch t.op {
		case "=":
			ok = cmp == 0
		case ">=":
			ok = cmp >= 0
		case ">":
			ok = cmp > 0
		case "<=":
			ok = cmp <= 0
		case "<":
			ok = cmp < 0
		case "^":
			ok = cmp >= 0 && caretScope(v) == caretScope(t.version)
		case "~":
			ok = cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(t.version)
		}
		if !ok {
			return false
		}
	}
	return true
}

// caretScope is the part of a version a caret constraint keeps fixed: the
// major, or the major and minor for 0.x versions.
func caretScope(v string) string {
	if semver.Major(v) == "v0" {
		return semver.MajorMinor(v)
	}
	return semver.Major(v)
}
