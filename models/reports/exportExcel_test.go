package reports

import (
	"bytes"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteWindowedStatsXlsx(t *testing.T) {
	logs := sampleLogs()
	w, err := ResolveWindow("today", nil, firstDate(logs), now, time.UTC)
	require.NoError(t, err)
	stats := BuildWindowedStats(logs, w, config.DefaultStatsTuning())

	var buf bytes.Buffer
	require.NoError(t, WriteWindowedStatsXlsx(&buf, stats))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetByType, SheetDaily, SheetReadingSpeed}, f.GetSheetList())

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(summary), 6)
	assert.Equal(t, []string{"Metric", "Value"}, summary[0])
	assert.Equal(t, []string{"Range", "today"}, summary[1])
	assert.Equal(t, []string{"Logs", "5"}, summary[5])

	byType, err := f.GetRows(SheetByType)
	require.NoError(t, err)
	assert.Len(t, byType, 1+len(stats.ByType))
	assert.Equal(t, "reading", byType[1][0])

	daily, err := f.GetRows(SheetDaily)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, "2024-03-15", daily[1][0])

	speed, err := f.GetRows(SheetReadingSpeed)
	require.NoError(t, err)
	assert.Len(t, speed, 1+len(stats.ReadingSpeed))
}
