package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"dhtlogger/models"
)

var mirrorHeader = []string{"device_id", "timestamp", "temperature", "humidity"}

// MirrorLog is the append-only CSV copy of every stored measurement.
type MirrorLog struct {
	path string
	mu   sync.Mutex
}

func NewMirrorLog(path string) (*MirrorLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror log directory: %w", err)
		}
	}
	return &MirrorLog{path: path}, nil
}

func (l *MirrorLog) Path() string {
	return l.path
}

// Append writes one row, adding the header when the file is new.
func (l *MirrorLog) Append(m *models.Measurement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(m)
}

func (l *MirrorLog) appendLocked(m *models.Measurement) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open mirror log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat mirror log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		_ = w.Write(mirrorHeader)
	}
	_ = w.Write([]string{
		m.DeviceID,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(m.Temperature, 'f', -1, 64),
		strconv.FormatFloat(m.Humidity, 'f', -1, 64),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write mirror log: %w", err)
	}
	return f.Close()
}

// CopyTo writes a consistent copy of the log to w. Appends wait until the
// copy finishes. A log that does not exist yet copies as a bare header.
func (l *MirrorLog) CopyTo(w io.Writer) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		cw := csv.NewWriter(w)
		_ = cw.Write(mirrorHeader)
		cw.Flush()
		return 0, cw.Error()
	}
	if err != nil {
		return 0, fmt.Errorf("open mirror log: %w", err)
	}
	defer f.Close()
	return io.Copy(w, f)
}

// MirrorScan is the parsed content of the log. SkippedLines holds the line
// numbers of rows that could not be parsed, such as a row torn by a crash
// mid-write.
type MirrorScan struct {
	Rows         []*models.Measurement
	SkippedLines []int
}

// ReadAll parses every readable row of the log.
func (l *MirrorLog) ReadAll() ([]*models.Measurement, error) {
	scan, err := l.Scan()
	if err != nil {
		return nil, err
	}
	return scan.Rows, nil
}

// Scan parses the log, skipping malformed rows instead of failing.
func (l *MirrorLog) Scan() (*MirrorScan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanLocked()
}

func (l *MirrorLog) scanLocked() (*MirrorScan, error) {
	scan := &MirrorScan{}
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return scan, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return scan, nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			scan.SkippedLines = append(scan.SkippedLines, perr.StartLine)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read mirror log: %w", err)
		}
		line, _ := r.FieldPos(0)
		if line == 1 && record[0] == mirrorHeader[0] {
			continue
		}
		if len(record) != len(mirrorHeader) {
			scan.SkippedLines = append(scan.SkippedLines, line)
			continue
		}
		m, err := parseMirrorRecord(record)
		if err != nil {
			scan.SkippedLines = append(scan.SkippedLines, line)
			continue
		}
		scan.Rows = append(scan.Rows, m)
	}
}

// AppendMissing appends the measurements whose keys the log does not hold
// yet, checking and writing under one lock. It returns how many it wrote.
func (l *MirrorLog) AppendMissing(ms []*models.Measurement) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scan, err := l.scanLocked()
	if err != nil {
		return 0, err
	}
	present := make(map[string]struct{}, len(scan.Rows))
	for _, m := range scan.Rows {
		present[m.Key()] = struct{}{}
	}
	written := 0
	for _, m := range ms {
		if _, ok := present[m.Key()]; ok {
			continue
		}
		if err := l.appendLocked(m); err != nil {
			return written, err
		}
		present[m.Key()] = struct{}{}
		written++
	}
	return written, nil
}

func parseMirrorRecord(record []string) (*models.Measurement, error) {
	ts, err := time.Parse(time.RFC3339Nano, record[1])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	temperature, err := strconv.ParseFloat(record[2], 64)
	if err != nil {
		return nil, fmt.Errorf("temperature: %w", err)
	}
	humidity, err := strconv.ParseFloat(record[3], 64)
	if err != nil {
		return nil, fmt.Errorf("humidity: %w", err)
	}
	return &models.Measurement{
		DeviceID:    record[0],
		Timestamp:   ts.UTC(),
		Temperature: temperature,
		Humidity:    humidity,
	}, nil
}
