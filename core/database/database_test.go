package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/shopfleet/core/config"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	files := listMigrationFiles(migrationsFS)
	require.NotEmpty(t, files)
	for i, f := range files {
		assert.Equal(t, uint64(i+1), parseVersion(f), f)
	}
}

func TestSelectApplied(t *testing.T) {
	files := []string{"000001_a.up.sql", "000002_b.up.sql", "000003_c.up.sql"}
	assert.Equal(t, []string{"000002_b.up.sql", "000003_c.up.sql"}, selectApplied(files, 1, 3))
	assert.Empty(t, selectApplied(files, 3, 3))
	assert.Empty(t, selectApplied(files, 3, 2))
}

func TestURLEscapesCredentials(t *testing.T) {
	u := URL(config.DatabaseConfig{
		User: "shop", Password: "p@ss word", Host: "db", Port: "5432", Name: "fleet", SSLMode: "disable",
	})
	assert.Equal(t, "postgres://shop:p%40ss%20word@db:5432/fleet?sslmode=disable", u)
}
