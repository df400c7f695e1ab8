package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuesMigrationDefersPositionUniqueness(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_issues.up.sql"))
	require.NoError(t, err)
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"position DOUBLE PRECISION NOT NULL",
		"UNIQUE (column_id, position) DEFERRABLE INITIALLY DEFERRED",
		"position < 'Infinity'",
	} {
		assert.Contains(t, sqlText, snippet)
	}
	assert.NotContains(t, sqlText, "NUMERIC", "positions stay float8 like the key arithmetic")
}
