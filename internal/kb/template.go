package kb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/kbchat/internal/apperr"
)

// Template variables supplied by the ask pipeline.
const (
	VarPrompt   = "prompt"
	VarQuery    = "query"
	VarCategory = "category"
	VarChat     = "chat"
)

type segment struct {
	literal string
	name    string // placeholder name; empty for literal segments
}

// parseTemplate splits tmpl into literal and placeholder segments.
// Placeholders are written {name}; "{{" and "}}" stand for literal braces.
func parseTemplate(tmpl string) ([]segment, error) {
	var segs []segment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at byte %d", i)
			}
			name := tmpl[i+1 : i+1+end]
			if !validName(name) {
				return nil, fmt.Errorf("invalid placeholder name %q at byte %d", name, i)
			}
			flush()
			segs = append(segs, segment{name: name})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' at byte %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Placeholders returns the distinct placeholder names of tmpl in order of
// first appearance.
func Placeholders(tmpl string) ([]string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return nil, apperr.Template("malformed template: %v", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range segs {
		if s.name != "" && !seen[s.name] {
			seen[s.name] = true
			names = append(names, s.name)
		}
	}
	return names, nil
}

// References reports whether tmpl uses any of the given placeholders.
// Malformed templates reference nothing.
func References(tmpl string, names ...string) bool {
	used, err := Placeholders(tmpl)
	if err != nil {
		return false
	}
	for _, u := range used {
		for _, n := range names {
			if u == n {
				return true
			}
		}
	}
	return false
}

// Render substitutes every placeholder in tmpl with its value from vars.
// Unbound placeholders produce a template error naming all of them.
func Render(tmpl string, vars map[string]string) (string, error) {
	segs, err := parseTemplate(tmpl)
	if err != nil {
		return "", apperr.Template("malformed template: %v", err)
	}

	var missing []string
	var b strings.Builder
	for _, s := range segs {
		if s.name == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := vars[s.name]
		if !ok {
			missing = append(missing, s.name)
			continue
		}
		b.WriteString(v)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		missing = dedupe(missing)
		return "", apperr.Template("unbound placeholders: %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
