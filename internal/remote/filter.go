package remote

import (
	"errors"
	"strconv"
	"strings"
)

var ErrUnsupportedFilter = errors.New("unsupported filter expression")

// Eq builds an equality term in the store's filter syntax: field = "value".
func Eq(field, value string) string {
	return field + " = " + strconv.Quote(value)
}

// And joins terms with the store's conjunction operator.
func And(terms ...string) string {
	nonEmpty := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}
	return strings.Join(nonEmpty, " && ")
}

// ParseFilter reads a conjunction of equality terms into field/value pairs.
// It is the subset of the store's filter language this client emits.
func ParseFilter(expr string) (map[string]string, error) {
	out := map[string]string{}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return out, nil
	}
	for _, term := range strings.Split(expr, "&&") {
		field, value, ok := strings.Cut(term, "=")
		if !ok {
			return nil, ErrUnsupportedFilter
		}
		field = strings.TrimSpace(field)
		value = strings.TrimSpace(value)
		if field == "" || strings.ContainsAny(field, "!<>~ ") {
			return nil, ErrUnsupportedFilter
		}
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return nil, ErrUnsupportedFilter
		}
		out[field] = unquoted
	}
	return out, nil
}
