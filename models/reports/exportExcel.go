package reports

import (
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	SheetSummary      = "Summary"
	SheetByType       = "ByType"
	SheetDaily        = "Daily"
	SheetReadingSpeed = "ReadingSpeed"
)

func writeRows(f *excelize.File, sheet string, headings []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &headings); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// ExportWindowedStats renders a report as a workbook with one sheet per section.
func ExportWindowedStats(stats *WindowedStats) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetByType, SheetDaily, SheetReadingSpeed} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	w := stats.Window
	summary := [][]any{
		{"Range", string(w.Range)},
		{"From", w.Start.Format("2006-01-02")},
		{"To", w.End.Format("2006-01-02 15:04")},
		{"Days", w.DaysElapsed},
		{"Logs", stats.TotalCount},
		{"XP", stats.TotalXp},
		{"Characters", stats.TotalChars},
		{"Total hours", stats.TotalHours},
		{"Reading hours", stats.ReadingHours},
		{"Listening hours", stats.ListeningHours},
		{"Daily average hours", stats.DailyAverageHours},
		{"Estimated minutes", stats.EstimatedTimeMinutes},
		{"Untracked logs", stats.UntrackedCount},
	}
	if err := writeRows(f, SheetSummary, []any{"Metric", "Value"}, summary); err != nil {
		return nil, fmt.Errorf("summary sheet: %w", err)
	}

	byType := make([][]any, 0, len(stats.ByType))
	for _, t := range stats.ByType {
		byType = append(byType, []any{
			string(t.Type), t.Count, t.TotalXp, t.TotalChars, t.TotalPages, t.TotalEpisodes,
			t.TotalTimeMinutes, t.EstimatedTimeMinutes, t.UntrackedCount,
		})
	}
	if err := writeRows(f, SheetByType, []any{
		"Type", "Count", "XP", "Chars", "Pages", "Episodes", "Minutes", "Estimated minutes", "Untracked",
	}, byType); err != nil {
		return nil, fmt.Errorf("by type sheet: %w", err)
	}

	daily := make([][]any, 0, len(stats.Daily))
	for _, d := range stats.Daily {
		daily = append(daily, []any{d.Date, d.Count, d.Xp, d.ReadingMinutes, d.ListeningMinutes})
	}
	if err := writeRows(f, SheetDaily, []any{"Date", "Count", "XP", "Reading minutes", "Listening minutes"}, daily); err != nil {
		return nil, fmt.Errorf("daily sheet: %w", err)
	}

	speed := make([][]any, 0, len(stats.ReadingSpeed))
	for _, p := range stats.ReadingSpeed {
		speed = append(speed, []any{
			p.Date.Format("2006-01-02"), string(p.Type),
			utils.DereferencePtr(p.CharsPerHour), utils.DereferencePtr(p.PagesPerHour),
		})
	}
	if err := writeRows(f, SheetReadingSpeed, []any{"Date", "Type", "Chars/hour", "Pages/hour"}, speed); err != nil {
		return nil, fmt.Errorf("reading speed sheet: %w", err)
	}
	return f, nil
}

func WriteWindowedStatsXlsx(w io.Writer, stats *WindowedStats) error {
	f, err := ExportWindowedStats(stats)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
