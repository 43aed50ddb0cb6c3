package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRoundTrip(t *testing.T) {
	expr := And(Eq("userId", "u1"), "", Eq("completed", "true"))
	assert.Equal(t, `userId = "u1" && completed = "true"`, expr)

	fields, err := ParseFilter(expr)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"userId": "u1", "completed": "true"}, fields)
}

func TestParseFilter_Empty(t *testing.T) {
	fields, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestParseFilter_RejectsOtherOperators(t *testing.T) {
	for _, expr := range []string{
		`userId != "u1"`,
		`created > "2024-01-01"`,
		`title ~ "x"`,
		`userId = u1`,
		`userId`,
	} {
		_, err := ParseFilter(expr)
		assert.ErrorIs(t, err, ErrUnsupportedFilter, expr)
	}
}
