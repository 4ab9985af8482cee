package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateIDFormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(id, "mcp_"))
		require.True(t, ValidHeaderValue(id))
		require.False(t, seen[id], "generated id must be unique")
		seen[id] = true
	}
}

func TestValidHeaderValueRejectsControlBytes(t *testing.T) {
	require.False(t, ValidHeaderValue(""))
	require.False(t, ValidHeaderValue("has space"))
	require.False(t, ValidHeaderValue("tab\there"))
	require.True(t, ValidHeaderValue("mcp_Abc123"))
}
