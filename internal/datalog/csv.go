package datalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "session", "parameter", "command", "raw", "value", "error",
}

// CSVConfig holds CSV log configuration.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// CSV records adapter traffic to CSV files with automatic rotation.
type CSV struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int

	file   *os.File
	writer *csv.Writer
	rows   int
}

func NewCSV(cfg CSVConfig) *CSV {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obddash"
	}
	return &CSV{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: maxRowsPerFile,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *CSV) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

func (l *CSV) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *CSV) Write(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(e.Time); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	}

	if err := l.writer.Write(buildRow(e)); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	l.writer.Flush()
	l.rows++
	return l.writer.Error()
}

// Close flushes and closes the current log file.
func (l *CSV) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
	return nil
}

func (l *CSV) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("obd_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Infof("opened %s", path)
	return nil
}

func (l *CSV) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(e Entry) []string {
	row := make([]string, len(csvHeader))
	row[0] = e.Time.Format(time.RFC3339Nano)
	row[1] = e.Session
	row[2] = e.Parameter.String()
	row[3] = e.Command
	row[4] = e.Raw
	if e.Value != nil {
		row[5] = strconv.FormatFloat(*e.Value, 'f', -1, 64)
	}
	row[6] = e.Error
	return row
}
