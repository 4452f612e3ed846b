// Package stub parses service template fragments split by "# @section:" markers
// and substitutes their build-time placeholders.
package stub

import (
	"regexp"
	"sort"
	"strings"
)

var (
	markerPattern      = regexp.MustCompile(`^\s*#\s*@section:\s*(\S+)\s*$`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	runtimePattern     = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::?[-?+][^}]*)?\}`)
)

// Fragment is the raw text of one section together with the build-time
// variables it references.
type Fragment struct {
	Body      string
	Variables []string
}

// Stub is a parsed template fragment file.
type Stub struct {
	// ID is the stub identifier (category.service-id, or the stack id for base templates).
	ID       string
	Sections map[Section]Fragment
}

// Parse splits text into sections. Text before the first marker is discarded.
func Parse(id, text string) (*Stub, error) {
	st := &Stub{ID: id, Sections: make(map[Section]Fragment)}

	var (
		current Section
		body    strings.Builder
	)
	flush := func() {
		if current == 0 {
			return
		}
		text := body.String()
		st.Sections[current] = Fragment{Body: text, Variables: Variables(text)}
		body.Reset()
	}

	for i, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		m := markerPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			if current != 0 {
				body.WriteString(line)
			}
			continue
		}
		section, ok := ParseSection(m[1])
		if !ok {
			return nil, &UnknownSectionError{Name: m[1], Line: i + 1}
		}
		if _, seen := st.Sections[section]; seen || section == current {
			return nil, &DuplicateSectionError{Section: section, Line: i + 1}
		}
		flush()
		current = section
	}
	flush()

	return st, nil
}

// Has reports whether the stub declares the section.
func (s *Stub) Has(section Section) bool {
	if s == nil {
		return false
	}
	_, ok := s.Sections[section]
	return ok
}

// Body returns the raw text of a section, or "" when absent.
func (s *Stub) Body(section Section) string {
	if s == nil {
		return ""
	}
	return s.Sections[section].Body
}

// Render substitutes build-time placeholders in a section using vars.
func (s *Stub) Render(section Section, vars map[string]string) (string, error) {
	out, err := Substitute(s.Body(section), vars)
	if err != nil {
		if mv, ok := err.(*MissingVariableError); ok {
			mv.Stub = s.ID
			mv.Section = section
		}
		return "", err
	}
	return out, nil
}

// Variables lists the build-time placeholder names referenced in text, sorted and unique.
func Variables(text string) []string {
	return uniqueNames(placeholderPattern.FindAllStringSubmatch(text, -1))
}

// RuntimeVariables lists the ${VAR} / ${VAR:-default} names referenced in text.
func RuntimeVariables(text string) []string {
	return uniqueNames(runtimePattern.FindAllStringSubmatch(text, -1))
}

// Substitute replaces every {{VAR}} placeholder with its value from vars.
// Runtime placeholders such as ${VAR:-default} are left untouched.
func Substitute(text string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", &MissingVariableError{Variable: missing}
	}
	return out, nil
}

func uniqueNames(matches [][]string) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	sort.Strings(names)
	return names
}
