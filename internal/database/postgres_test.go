package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactSQL(t *testing.T) {
	sql := `
		SELECT id, status
		FROM   attempts
		WHERE  id = $1`
	require.Equal(t, "SELECT id, status FROM attempts WHERE id = $1", compactSQL(sql))

	long := compactSQL(strings.Repeat("x", 300))
	require.Len(t, long, 203)
	require.True(t, strings.HasSuffix(long, "..."))
}
