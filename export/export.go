// Package export renders one device's measurements as downloadable files.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"dhtlogger/models"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

var header = []string{"device_id", "timestamp", "temperature", "humidity"}

// Document is a rendered export.
type Document struct {
	ContentType string
	Filename    string
	Body        []byte
}

// UnsupportedFormatError is returned for an unknown format name.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q", e.Format)
}

// Build renders measurements in the named format. An empty format means csv.
func Build(format, deviceID string, measurements []*models.Measurement) (*Document, error) {
	if format == "" {
		format = FormatCSV
	}
	var (
		body        []byte
		contentType string
		err         error
	)
	switch format {
	case FormatCSV:
		body, err = BuildCSV(measurements)
		contentType = "text/csv"
	case FormatXLSX:
		body, err = BuildXLSX(deviceID, measurements)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		body, err = BuildPDF(deviceID, measurements)
		contentType = "application/pdf"
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
	if err != nil {
		return nil, err
	}
	return &Document{
		ContentType: contentType,
		Filename:    fmt.Sprintf("%s_measurements.%s", deviceID, format),
		Body:        body,
	}, nil
}

// BuildCSV uses the same columns as the mirror log.
func BuildCSV(measurements []*models.Measurement) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(header)
	for _, m := range measurements {
		_ = w.Write([]string{
			m.DeviceID,
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(m.Temperature, 'f', -1, 64),
			strconv.FormatFloat(m.Humidity, 'f', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders a summary sheet and a measurements sheet.
func BuildXLSX(deviceID string, measurements []*models.Measurement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	dataSheet := "measurements"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(dataSheet); err != nil {
		return nil, err
	}

	s := Summarize(measurements)
	_ = f.SetCellValue(summarySheet, "A1", "Device Measurements")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID)
	_ = f.SetCellValue(summarySheet, "A4", "Count")
	_ = f.SetCellValue(summarySheet, "B4", s.Count)
	if s.Count > 0 {
		_ = f.SetCellValue(summarySheet, "A5", "First")
		_ = f.SetCellValue(summarySheet, "B5", s.First.Format(time.RFC3339))
		_ = f.SetCellValue(summarySheet, "A6", "Last")
		_ = f.SetCellValue(summarySheet, "B6", s.Last.Format(time.RFC3339))
		_ = f.SetCellValue(summarySheet, "A7", "Temperature min/max (°C)")
		_ = f.SetCellValue(summarySheet, "B7", s.TemperatureMin)
		_ = f.SetCellValue(summarySheet, "C7", s.TemperatureMax)
		_ = f.SetCellValue(summarySheet, "A8", "Humidity min/max (%)")
		_ = f.SetCellValue(summarySheet, "B8", s.HumidityMin)
		_ = f.SetCellValue(summarySheet, "C8", s.HumidityMax)
	}

	_ = f.SetCellValue(dataSheet, "A1", "Timestamp")
	_ = f.SetCellValue(dataSheet, "B1", "Temperature (°C)")
	_ = f.SetCellValue(dataSheet, "C1", "Humidity (%)")
	for i, m := range measurements {
		row := i + 2
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("A%d", row), m.Timestamp.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("B%d", row), m.Temperature)
		_ = f.SetCellValue(dataSheet, fmt.Sprintf("C%d", row), m.Humidity)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPDF renders a summary followed by a measurements table.
func BuildPDF(deviceID string, measurements []*models.Measurement) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device Measurements")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", deviceID))
	pdf.Ln(5)

	s := Summarize(measurements)
	pdf.Cell(0, 6, fmt.Sprintf("Count: %d", s.Count))
	pdf.Ln(5)
	if s.Count > 0 {
		pdf.Cell(0, 6, fmt.Sprintf("Period: %s - %s", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339)))
		pdf.Ln(5)
		pdf.Cell(0, 6, tr(fmt.Sprintf("Temperature: %.1f°C - %.1f°C", s.TemperatureMin, s.TemperatureMax)))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("Humidity: %.1f%% - %.1f%%", s.HumidityMin, s.HumidityMax))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(70, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, tr("Temperature (°C)"), "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Humidity (%)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, m := range measurements {
		pdf.CellFormat(70, 6, m.Timestamp.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, fmt.Sprintf("%.1f", m.Temperature), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, fmt.Sprintf("%.1f", m.Humidity), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Summary holds the range of an export.
type Summary struct {
	Count          int
	First, Last    time.Time
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    float64
	HumidityMax    float64
}

func Summarize(measurements []*models.Measurement) Summary {
	var s Summary
	for i, m := range measurements {
		if i == 0 {
			s = Summary{
				First:          m.Timestamp,
				Last:           m.Timestamp,
				TemperatureMin: m.Temperature,
				TemperatureMax: m.Temperature,
				HumidityMin:    m.Humidity,
				HumidityMax:    m.Humidity,
			}
		}
		s.Count++
		if m.Timestamp.Before(s.First) {
			s.First = m.Timestamp
		}
		if m.Timestamp.After(s.Last) {
			s.Last = m.Timestamp
		}
		s.TemperatureMin = min(s.TemperatureMin, m.Temperature)
		s.TemperatureMax = max(s.TemperatureMax, m.Temperature)
		s.HumidityMin = min(s.HumidityMin, m.Humidity)
		s.HumidityMax = max(s.HumidityMax, m.Humidity)
	}
	return s
}
