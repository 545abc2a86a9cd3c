package processor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMissingVariable   = errors.New("missing template variable")
	ErrMalformedTemplate = errors.New("malformed template")
)

var (
	conditionalPattern = regexp.MustCompile(`(?s)\{%\s*if\s+(.+?)\s*%\}(.*?)\{%\s*endif\s*%\}`)
	tokenPattern       = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)
)

// RenderString substitutes {path.to.value} tokens and evaluates single-level
// {% if %} blocks against the data map. Tokens inside a false conditional are
// never resolved, so missing variables there do not fail the render.
func RenderString(template string, data map[string]interface{}) (string, error) {
	var renderErr error

	result := conditionalPattern.ReplaceAllStringFunc(template, func(block string) string {
		if renderErr != nil {
			return ""
		}
		groups := conditionalPattern.FindStringSubmatch(block)
		cond, err := parseCondition(groups[1])
		if err != nil {
			renderErr = err
			return ""
		}
		if !evalCondition(cond, data) {
			return ""
		}
		return groups[2]
	})
	if renderErr != nil {
		return "", renderErr
	}

	// A leftover marker means an unbalanced or nested block
	if strings.Contains(result, "{%") || strings.Contains(result, "%}") {
		return "", fmt.Errorf("%w: unbalanced conditional block", ErrMalformedTemplate)
	}

	result = tokenPattern.ReplaceAllStringFunc(result, func(token string) string {
		if renderErr != nil {
			return ""
		}
		path := token[1 : len(token)-1]
		value, ok := lookupPath(data, path)
		if !ok || value == nil {
			renderErr = fmt.Errorf("%w: %s", ErrMissingVariable, path)
			return ""
		}
		return formatValue(value)
	})
	if renderErr != nil {
		return "", renderErr
	}

	return result, nil
}

type condition struct {
	path    string
	op      string
	literal string
}

func parseCondition(expr string) (condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return condition{}, fmt.Errorf("%w: empty condition", ErrMalformedTemplate)
	}

	for _, op := range []string{">=", "==", ">"} {
		if idx := strings.Index(expr, op); idx >= 0 {
			path := strings.TrimSpace(expr[:idx])
			literal := strings.TrimSpace(expr[idx+len(op):])
			if path == "" || literal == "" {
				return condition{}, fmt.Errorf("%w: condition %q", ErrMalformedTemplate, expr)
			}
			return condition{path: path, op: op, literal: literal}, nil
		}
	}

	if strings.ContainsAny(expr, " \t") {
		return condition{}, fmt.Errorf("%w: condition %q", ErrMalformedTemplate, expr)
	}
	return condition{path: expr}, nil
}

// evalCondition resolves the condition path and compares it to the literal.
// A path that does not resolve makes the condition false, never an error.
func evalCondition(cond condition, data map[string]interface{}) bool {
	value, ok := lookupPath(data, cond.path)
	if !ok {
		return false
	}

	if cond.op == "" {
		return truthy(value)
	}

	if lit, quoted := unquote(cond.literal); quoted {
		if cond.op != "==" {
			return false
		}
		s, isString := value.(string)
		return isString && s == lit
	}

	switch cond.literal {
	case "true", "false":
		if cond.op != "==" {
			return false
		}
		b, isBool := value.(bool)
		return isBool && b == (cond.literal == "true")
	}

	litNum, err := strconv.ParseFloat(cond.literal, 64)
	if err != nil {
		return false
	}
	num, isNum := asFloat(value)
	if !isNum {
		return false
	}

	switch cond.op {
	case ">=":
		return num >= litNum
	case ">":
		return num > litNum
	case "==":
		return num == litNum
	}
	return false
}

// lookupPath walks dot-separated keys through nested maps
func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = data
	for _, segment := range segments {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func unquote(literal string) (string, bool) {
	if len(literal) >= 2 {
		first, last := literal[0], literal[len(literal)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return literal[1 : len(literal)-1], true
		}
	}
	return literal, false
}

// formatValue renders a data value into template output. Whole numbers print
// without a decimal point even though JSON decodes them as float64.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return formatValue(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// TruncateAtWordBoundary shortens s to at most maxLength characters, cutting
// at the last word boundary that fits and appending an ellipsis. Returns the
// possibly shortened string and whether truncation happened.
func TruncateAtWordBoundary(s string, maxLength int) (string, bool) {
	runes := []rune(s)
	if maxLength <= 0 || len(runes) <= maxLength {
		return s, false
	}

	limit := maxLength - 3
	if limit <= 0 {
		return string(runes[:maxLength]), true
	}

	cut := runes[:limit]
	boundary := -1
	for i, r := range cut {
		if r == ' ' || r == '\t' || r == '\n' {
			boundary = i
		}
	}
	if boundary > 0 {
		cut = cut[:boundary]
	}
	return strings.TrimRight(string(cut), " \t\n") + "...", true
}
