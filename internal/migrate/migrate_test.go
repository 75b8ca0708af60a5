package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestInitMigrationCreatesTables(t *testing.T) {
	b, err := migrationsFS.ReadFile("migrations/0001_init.sql")
	require.NoError(t, err)

	sql := string(b)
	for _, table := range []string{"app", "project", "forward_exchange"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, sql, "path_segment        text NOT NULL UNIQUE")
}
