// Package redact masks credentials in exported proxy configuration JSON
// before it is returned to an MCP client.
package redact

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Mask replaces every redacted value.
const Mask = "*****"

// CredentialField is the object field name whose string values are masked.
const CredentialField = "password"

// MaxDepth bounds object and array nesting. The walk rescans each level, so
// its cost grows with depth times size.
const MaxDepth = 128

var (
	// ErrInvalidJSON is wrapped when the input does not parse.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrNotObject is wrapped by Config when the top level is not an object.
	ErrNotObject = errors.New("configuration must be a JSON object")
	// ErrTooDeep is wrapped when nesting exceeds MaxDepth.
	ErrTooDeep = errors.New("JSON nested too deeply")
)

// Error reports a redaction failure. No partial output accompanies it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "redact." + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Credentials returns jsonText as compact JSON with every string-valued
// "password" field replaced by Mask. Field order, number spellings and
// string escapes are preserved.
func Credentials(jsonText string) (string, error) {
	root, err := parse("Credentials", jsonText)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(jsonText))
	write(&b, root)
	return b.String(), nil
}

// Config is Credentials for an exported configuration document, which must
// be a JSON object.
func Config(jsonText string) (string, error) {
	root, err := parse("Config", jsonText)
	if err != nil {
		return "", err
	}
	if !root.IsObject() {
		return "", &Error{Op: "Config", Err: ErrNotObject}
	}
	var b strings.Builder
	b.Grow(len(jsonText))
	write(&b, root)
	return b.String(), nil
}

func parse(op, jsonText string) (gjson.Result, error) {
	if !gjson.Valid(jsonText) {
		// gjson only reports validity; decode once more for a positioned error.
		var raw json.RawMessage
		err := json.Unmarshal([]byte(jsonText), &raw)
		if err == nil {
			err = ErrInvalidJSON
		} else {
			err = errors.Join(ErrInvalidJSON, err)
		}
		return gjson.Result{}, &Error{Op: op, Err: err}
	}
	if nestingDepth(jsonText) > MaxDepth {
		return gjson.Result{}, &Error{Op: op, Err: ErrTooDeep}
	}
	return gjson.Parse(jsonText), nil
}

// nestingDepth returns the deepest object/array nesting of valid JSON text
// in one pass, skipping brackets inside strings.
func nestingDepth(jsonText string) int {
	depth, deepest := 0, 0
	inString, escaped := false, false
	for i := 0; i < len(jsonText); i++ {
		c := jsonText[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}', ']':
			depth--
		}
	}
	return deepest
}

func write(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		b.WriteByte('{')
		first := true
		v.ForEach(func(key, value gjson.Result) bool {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(key.Raw)
			b.WriteByte(':')
			if key.String() == CredentialField && value.Type == gjson.String {
				b.WriteString(`"` + Mask + `"`)
			} else {
				write(b, value)
			}
			return true
		})
		b.WriteByte('}')
	case v.IsArray():
		b.WriteByte('[')
		first := true
		v.ForEach(func(_, value gjson.Result) bool {
			if !first {
				b.WriteByte(',')
			}
			first = false
			write(b, value)
			return true
		})
		b.WriteByte(']')
	default:
		b.WriteString(strings.TrimSpace(v.Raw))
	}
}
