package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextArrayLiteral(t *testing.T) {
	require.Equal(t, "{}", textArrayLiteral(nil))
	require.Equal(t, `{"A","C"}`, textArrayLiteral([]string{"A", "C"}))
	require.Equal(t, `{"a\"b","c\\d"}`, textArrayLiteral([]string{`a"b`, `c\d`}))
}
