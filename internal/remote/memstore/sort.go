package memstore

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
)

type sortKey struct {
	field string
	desc  bool
}

var errBadSort = errors.New("bad sort expression")

// parseSort reads "-isPinned,-updated" style expressions.
func parseSort(expr string) ([]sortKey, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	parts := strings.Split(expr, ",")
	keys := make([]sortKey, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		key := sortKey{field: part}
		switch {
		case strings.HasPrefix(part, "-"):
			key = sortKey{field: part[1:], desc: true}
		case strings.HasPrefix(part, "+"):
			key = sortKey{field: part[1:]}
		}
		if key.field == "" {
			return nil, errBadSort
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func compareRecords(a, b record, keys []sortKey) int {
	for _, k := range keys {
		c := compareValues(a[k.field], b[k.field])
		if k.desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compareValues orders missing < bool < number < string, and within a kind
// by natural order. Timestamps are stored as fixed-width strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return cmp.Compare(av, b.(string))
	case nil:
		return 0
	default:
		return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
