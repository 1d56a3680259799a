// Package export renders alert history reports.
package export

import (
	"bytes"
	"fmt"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const timeLayout = "2006-01-02 15:04:05"

// Report is an alert history selection.
type Report struct {
	OrganizationID string
	UnitID         string
	From           time.Time
	To             time.Time
	GeneratedAt    time.Time
	Alerts         []alerts.Alert
}

var columns = []string{"Alert ID", "Unit", "Site", "Type", "Severity", "Status", "Trigger (C)", "Last (C)", "Triggered", "Acknowledged By", "Resolved", "Escalation", "Reason"}

func row(a alerts.Alert) []any {
	return []any{
		a.ID,
		a.UnitID,
		a.SiteID,
		string(a.Type),
		string(a.Severity),
		string(a.Status),
		temperature(a.TriggerTemperature),
		temperature(a.LastTemperature),
		formatTime(a.TriggeredAt),
		a.AcknowledgedBy,
		formatTime(a.ResolvedAt),
		a.EscalationLevel,
		a.Reason,
	}
}

// BuildXLSX renders the report as a workbook with a summary and an alerts sheet.
func BuildXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alertsSheet := "alerts"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alertsSheet); err != nil {
		return nil, err
	}

	counts := countBySeverity(report.Alerts)
	_ = f.SetCellValue(summarySheet, "A1", "Alert History")
	_ = f.SetCellValue(summarySheet, "A3", "Organization")
	_ = f.SetCellValue(summarySheet, "B3", report.OrganizationID)
	_ = f.SetCellValue(summarySheet, "A4", "Unit")
	_ = f.SetCellValue(summarySheet, "B4", report.UnitID)
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", formatTime(report.From))
	_ = f.SetCellValue(summarySheet, "A6", "To")
	_ = f.SetCellValue(summarySheet, "B6", formatTime(report.To))
	_ = f.SetCellValue(summarySheet, "A7", "Generated")
	_ = f.SetCellValue(summarySheet, "B7", formatTime(report.GeneratedAt))
	_ = f.SetCellValue(summarySheet, "A8", "Total Alerts")
	_ = f.SetCellValue(summarySheet, "B8", len(report.Alerts))
	_ = f.SetCellValue(summarySheet, "A9", "Critical")
	_ = f.SetCellValue(summarySheet, "B9", counts[alerts.SeverityCritical])
	_ = f.SetCellValue(summarySheet, "A10", "Warning")
	_ = f.SetCellValue(summarySheet, "B10", counts[alerts.SeverityWarning])

	for i, name := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(alertsSheet, cell, name)
	}
	for r, a := range report.Alerts {
		for c, value := range row(a) {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(alertsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPDF renders the report as a landscape A4 table.
func BuildPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alert History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Organization: %s", report.OrganizationID))
	pdf.Ln(5)
	if report.UnitID != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Unit: %s", report.UnitID))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s", formatTime(report.From), formatTime(report.To)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", formatTime(report.GeneratedAt)))
	pdf.Ln(5)
	counts := countBySeverity(report.Alerts)
	pdf.Cell(0, 6, fmt.Sprintf("Alerts: %d (critical %d, warning %d)", len(report.Alerts), counts[alerts.SeverityCritical], counts[alerts.SeverityWarning]))
	pdf.Ln(8)

	widths := []float64{30, 40, 22, 22, 26, 22, 22, 38, 38}
	header := []string{"Unit", "Type", "Severity", "Status", "Trigger (C)", "Last (C)", "Escalation", "Triggered", "Resolved"}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range header {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, a := range report.Alerts {
		cells := []string{
			a.UnitID,
			string(a.Type),
			string(a.Severity),
			string(a.Status),
			temperature(a.TriggerTemperature),
			temperature(a.LastTemperature),
			fmt.Sprintf("%d", a.EscalationLevel),
			formatTime(a.TriggeredAt),
			formatTime(a.ResolvedAt),
		}
		for i, text := range cells {
			align := "L"
			if i >= 4 && i <= 6 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, text, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func countBySeverity(list []alerts.Alert) map[alerts.Severity]int {
	out := make(map[alerts.Severity]int, 3)
	for _, a := range list {
		out[a.Severity]++
	}
	return out
}

func temperature(c *alerts.Centi) string {
	if c == nil {
		return ""
	}
	return c.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
