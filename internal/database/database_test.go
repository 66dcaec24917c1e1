package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNames(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_approval_workflow.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestMigrations_DefineWorkflowTables(t *testing.T) {
	body, err := migrations.ReadFile("migrations/001_approval_workflow.sql")
	require.NoError(t, err)

	sql := string(body)
	for _, table := range []string{"approval_steps", "approval_tasks", "approval_audit_log"} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
	assert.Contains(t, sql, "UNIQUE (action_id, level)")
	assert.Contains(t, sql, "WHERE status = 'pending'")
}

func TestMigrations_StepDeleteCascades(t *testing.T) {
	body, err := migrations.ReadFile("migrations/002_step_delete_cascade.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ON DELETE CASCADE")

	names, err := MigrationNames()
	require.NoError(t, err)
	assert.Contains(t, names, "002_step_delete_cascade.sql")
}
