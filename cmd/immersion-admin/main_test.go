package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"bitbucket.org/mmdatafocus/immersion_backend/workflow"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func execute(t *testing.T, store models.Store, args ...string) (string, error) {
	t.Helper()
	t.Setenv("REDIS_ADDRESS", "")
	logger, _ := test.NewNullLogger()
	cmd := newRootCommand(&rootOptions{store: store, logger: logger})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "logs.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestImportThenVerify(t *testing.T) {
	store := models.NewMemoryStore()
	path := writeWorkbook(t, [][]any{
		{"type", "description", "date", "time", "episodes"},
		{"anime", "show", "2024-03-01", "", "2"},
		{"video", "vlog", "2024-03-02", "30", ""},
		{"anime", "no episodes", "2024-03-03", "", ""},
	})

	out, err := execute(t, store, "import-xlsx", "--user-id", "12", "--file", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "inserted 2 logs, 1 failed")
	assert.Contains(t, out, "row 4:")

	out, err = execute(t, store, "verify-ledgers")
	require.NoError(t, err, out)
	assert.Contains(t, out, "processed 1 users, 0 drifted")

	out, err = execute(t, store, "--format", "json", "recalc-ledgers", "--user-id", "12")
	require.NoError(t, err, out)
	var result workflow.RecalcLedgersResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.ProcessedUsers)
	assert.Equal(t, 0, result.UpdatedUsers)
	assert.Empty(t, result.Errors)
}

func TestRecalcStreaksText(t *testing.T) {
	out, err := execute(t, models.NewMemoryStore(), "recalc-streaks", "--concurrency", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "recalc-streaks: processed 0 users, updated 0 users")
	assert.Contains(t, out, "0 errors")
}

func TestRejectsBadInput(t *testing.T) {
	_, err := execute(t, models.NewMemoryStore(), "--format", "yaml", "verify-ledgers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")

	_, err = execute(t, models.NewMemoryStore(), "import-xlsx", "--user-id", "3")
	require.Error(t, err)

	_, err = execute(t, models.NewMemoryStore(), "import-xlsx", "--user-id", "3", "--file", filepath.Join(t.TempDir(), "missing.xlsx"))
	require.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	t.Setenv("API_SECRET", "cli-test-secret")
	out, err := execute(t, nil, "issue-token", "--user-id", "5", "--admin")
	require.NoError(t, err)

	claims, err := utils.JwtValidate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, 5, claims.ID)
	assert.Equal(t, utils.RoleAdmin, claims.Role)
	assert.Equal(t, adminUsername, claims.Username)
}
