package toolexecutor

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// ArgumentsKind tags the Arguments variant.
type ArgumentsKind int

const (
	// ArgsStructured carries decoded key/value arguments.
	ArgsStructured ArgumentsKind = iota
	// ArgsRaw carries argument text that has not been decoded yet.
	ArgsRaw
	// ArgsInvalid carries argument text that could not be decoded or repaired.
	ArgsInvalid
)

func (k ArgumentsKind) String() string {
	switch k {
	case ArgsStructured:
		return "structured"
	case ArgsRaw:
		return "raw"
	case ArgsInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Arguments is the tagged union of tool inputs the registry accepts.
type Arguments struct {
	Kind   ArgumentsKind
	Values map[string]interface{}
	Raw    string
	Reason string
}

func StructuredArgs(values map[string]interface{}) Arguments {
	if values == nil {
		values = map[string]interface{}{}
	}
	return Arguments{Kind: ArgsStructured, Values: values}
}

func RawArgs(raw string) Arguments {
	return Arguments{Kind: ArgsRaw, Raw: raw}
}

// ParseArguments decodes streamed argument text. Malformed JSON is repaired
// when possible; otherwise the result is ArgsInvalid with the raw text kept.
func ParseArguments(raw string) Arguments {
	values, err := decodeArguments(raw)
	if err != nil {
		return Arguments{Kind: ArgsInvalid, Raw: raw, Reason: err.Error()}
	}
	return Arguments{Kind: ArgsStructured, Values: values, Raw: raw}
}

// Resolve returns the structured form. Invalid arguments resolve to an
// empty set so schema validation reports what is missing.
func (a Arguments) Resolve() (map[string]interface{}, error) {
	switch a.Kind {
	case ArgsStructured:
		if a.Values == nil {
			return map[string]interface{}{}, nil
		}
		return a.Values, nil
	case ArgsRaw:
		return decodeArguments(a.Raw)
	case ArgsInvalid:
		return map[string]interface{}{}, nil
	default:
		return nil, fmt.Errorf("unknown arguments kind %d", a.Kind)
	}
}

func decodeArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var values map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &values); err == nil && values != nil {
		return values, nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed arguments: %w", err)
	}
	values = nil
	if err := json.Unmarshal([]byte(fixed), &values); err != nil || values == nil {
		return nil, fmt.Errorf("arguments are not a JSON object")
	}
	return values, nil
}

// Summary renders arguments compactly for approval prompts and logs.
func (a Arguments) Summary(limit int) string {
	var s string
	if a.Kind == ArgsStructured {
		data, err := json.Marshal(a.Values)
		if err != nil {
			s = fmt.Sprintf("%v", a.Values)
		} else {
			s = string(data)
		}
	} else {
		s = a.Raw
	}
	if limit > 0 && len(s) > limit {
		return clipUTF8(s, limit) + "..."
	}
	return s
}

// clipUTF8 cuts s to at most n bytes without splitting a rune.
func clipUTF8(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
