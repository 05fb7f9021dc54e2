// Package report exports session and transfer history as JSON or XLSX.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/xuri/excelize/v2"

	"github.com/chmdznr/oss-volume-to-minio-sync/pkg/models"
)

// MaxAttempts caps an export that is not restricted to one session.
const MaxAttempts = 10000

const (
	sessionsSheet = "Sessions"
	attemptsSheet = "Attempts"
)

// Source is the part of the database an export reads.
type Source interface {
	ListSessions(ctx context.Context, limit int) ([]models.SyncSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.SyncSession, error)
	ListAttempts(ctx context.Context, sessionID string, limit int) ([]models.TransferAttempt, error)
}

// History is what gets exported.
type History struct {
	Sessions []models.SyncSession
	Attempts []models.TransferAttempt
}

// Load reads the history of one session, or of all sessions when sessionID
// is empty.
func Load(ctx context.Context, src Source, sessionID string) (*History, error) {
	var h History
	if sessionID != "" {
		s, err := src.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		h.Sessions = []models.SyncSession{*s}
	} else {
		sessions, err := src.ListSessions(ctx, MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		h.Sessions = sessions
	}

	limit := MaxAttempts
	if sessionID != "" {
		limit = 0
	}
	attempts, err := src.ListAttempts(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	h.Attempts = attempts
	return &h, nil
}

// Export writes h to path on fs. The format follows the extension: .xlsx
// produces a workbook, anything else JSON.
func Export(fs afero.Fs, path string, h *History) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		err = WriteXLSX(f, h)
	} else {
		err = WriteJSON(f, h)
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type attemptRecord struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Path          string    `json:"path"`
	FileName      string    `json:"file_name"`
	AttemptNumber int       `json:"attempt_number"`
	Outcome       string    `json:"outcome"`
	ErrorDetail   *string   `json:"error_detail"`
	BytesSent     int64     `json:"bytes_sent"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

type sessionRecord struct {
	SessionID      string     `json:"session_id"`
	SourcePath     string     `json:"source_path"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	FilesScanned   int64      `json:"files_scanned"`
	FilesUploaded  int64      `json:"files_uploaded"`
	FilesSkipped   int64      `json:"files_skipped"`
	FilesFailed    int64      `json:"files_failed"`
	FilesUnchanged int64      `json:"files_unchanged"`
	TotalBytes     int64      `json:"total_bytes"`
	ErrorSummary   *string    `json:"error_summary"`
}

// WriteJSON writes h as an indented JSON document.
func WriteJSON(w io.Writer, h *History) error {
	doc := struct {
		Sessions []sessionRecord `json:"sessions"`
		Attempts []attemptRecord `json:"attempts"`
	}{
		Sessions: make([]sessionRecord, 0, len(h.Sessions)),
		Attempts: make([]attemptRecord, 0, len(h.Attempts)),
	}
	for _, s := range h.Sessions {
		doc.Sessions = append(doc.Sessions, toSessionRecord(s))
	}
	for _, a := range h.Attempts {
		doc.Attempts = append(doc.Attempts, toAttemptRecord(a))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(doc)
}

// WriteXLSX writes h as a workbook with one sheet per table.
func WriteXLSX(w io.Writer, h *History) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	if err := f.SetSheetName("Sheet1", sessionsSheet); err != nil {
		return err
	}
	sessionRows := [][]interface{}{{
		"Session", "Source", "Status", "Started", "Ended", "Scanned", "Uploaded",
		"Skipped", "Failed", "Unchanged", "Bytes", "Error",
	}}
	for _, s := range h.Sessions {
		sessionRows = append(sessionRows, []interface{}{
			s.SessionID, s.SourcePath, s.Status, formatTime(&s.StartedAt), formatTime(s.EndedAt),
			s.FilesScanned, s.FilesUploaded, s.FilesSkipped, s.FilesFailed, s.FilesUnchanged,
			s.TotalBytes, deref(s.ErrorSummary),
		})
	}
	if err := writeSheet(f, sessionsSheet, sessionRows, header); err != nil {
		return err
	}

	if _, err := f.NewSheet(attemptsSheet); err != nil {
		return err
	}
	attemptRows := [][]interface{}{{
		"ID", "Session", "Path", "Attempt", "Outcome", "Bytes", "Started", "Finished", "Error",
	}}
	for _, a := range h.Attempts {
		attemptRows = append(attemptRows, []interface{}{
			a.ID, a.SessionID, a.Path, a.AttemptNumber, string(a.Outcome), a.BytesSent,
			formatTime(&a.StartedAt), formatTime(&a.FinishedAt), deref(a.ErrorDetail),
		})
	}
	if err := writeSheet(f, attemptsSheet, attemptRows, header); err != nil {
		return err
	}

	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, rows [][]interface{}, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", "C", 32)
}

func toSessionRecord(s models.SyncSession) sessionRecord {
	return sessionRecord{
		SessionID:      s.SessionID,
		SourcePath:     s.SourcePath,
		Status:         s.Status,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		FilesScanned:   s.FilesScanned,
		FilesUploaded:  s.FilesUploaded,
		FilesSkipped:   s.FilesSkipped,
		FilesFailed:    s.FilesFailed,
		FilesUnchanged: s.FilesUnchanged,
		TotalBytes:     s.TotalBytes,
		ErrorSummary:   s.ErrorSummary,
	}
}

func toAttemptRecord(a models.TransferAttempt) attemptRecord {
	return attemptRecord{
		ID:            a.ID,
		SessionID:     a.SessionID,
		Path:          a.Path,
		FileName:      filepath.Base(a.Path),
		AttemptNumber: a.AttemptNumber,
		Outcome:       string(a.Outcome),
		ErrorDetail:   a.ErrorDetail,
		BytesSent:     a.BytesSent,
		StartedAt:     a.StartedAt,
		FinishedAt:    a.FinishedAt,
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
