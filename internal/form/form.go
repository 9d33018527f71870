// Package form decodes application/x-www-form-urlencoded request bodies the
// way the console's front end sends them.
//
// Parse splits the body literally and leaves values encoded; callers decide
// which fields carry encoded payloads and run URLDecode on those.
package form

import (
	"strings"
)

// Values maps a field name to its values in submission order.
type Values map[string][]string

// Parse splits body on '&' into pairs and each pair on its first '='. Keys
// and values are trimmed of surrounding whitespace. A pair without '=' is a
// key with an empty value.
func Parse(body string) Values {
	v := make(Values)
	for _, pair := range strings.Split(body, "&") {
		key, val, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		v[key] = append(v[key], strings.TrimSpace(val))
	}
	return v
}

// Field returns the first value of name, or def when name is absent or has
// no values.
func Field(v Values, name, def string) string {
	if vals := v[name]; len(vals) > 0 {
		return vals[0]
	}
	return def
}

// Get is Field with an empty default.
func (v Values) Get(name string) string {
	return Field(v, name, "")
}

// URLDecode reverses percent-encoding and turns '+' into a space. Escapes
// that are not two hex digits are copied through unchanged.
func URLDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func ishex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
