package accumulator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const unknownError = "unknown error"

// ErrorMessage flattens the shapes providers use for failures: plain strings,
// error values, and objects nesting either under an "error" key.
func ErrorMessage(v any) string {
	return errorMessage(v, 0)
}

func errorMessage(v any, depth int) string {
	if depth > 8 {
		return unknownError
	}
	switch e := v.(type) {
	case nil:
		return unknownError
	case string:
		if strings.TrimSpace(e) == "" {
			return unknownError
		}
		return e
	case error:
		return e.Error()
	case map[string]error:
		if inner, ok := e["error"]; ok && inner != nil {
			return inner.Error()
		}
		return unknownError
	case map[string]any:
		if inner, ok := e["error"]; ok {
			return errorMessage(inner, depth+1)
		}
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return unknownError
		}
		return string(raw)
	case fmt.Stringer:
		return e.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	if m, ok := generic.(map[string]any); ok {
		return errorMessage(m, depth+1)
	}
	if s, ok := generic.(string); ok {
		return errorMessage(s, depth+1)
	}
	return string(raw)
}
