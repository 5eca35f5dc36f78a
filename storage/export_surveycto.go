package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const exportAttachmentsSubdir = "media"

// exportIDField is the unique submission ID column in platform exports.
const exportIDField = "KEY"

// SurveyCTOExportStorage provides read-only access to a SurveyCTO wide CSV
// export, with attachments served from an adjacent media subdirectory when
// one was exported alongside.
//
// Write operations return ErrReadOnly and metadata is not supported, so an
// export cannot be the target of a platform sync; it is a data source for
// local analysis.
type SurveyCTOExportStorage struct {
	exportFile           string
	attachmentsAvailable bool

	mu          sync.RWMutex
	submissions []map[string]any
}

// NewSurveyCTOExportStorage loads an export file into memory.
// attachmentsAvailable should be true when the export includes a media
// subdirectory.
func NewSurveyCTOExportStorage(exportFile string, attachmentsAvailable bool) (*SurveyCTOExportStorage, error) {
	s := &SurveyCTOExportStorage{
		exportFile:           exportFile,
		attachmentsAvailable: attachmentsAvailable,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the export file, replacing the in-memory copy.
func (s *SurveyCTOExportStorage) Reload() error {
	submissions, err := loadExportCSV(s.exportFile)
	if err != nil {
		return fmt.Errorf("load export %q: %w", s.exportFile, err)
	}
	s.mu.Lock()
	s.submissions = submissions
	s.mu.Unlock()
	return nil
}

// loadExportCSV reads a CSV export as one map per row, tolerating a UTF-8
// byte order mark.
func loadExportCSV(path string) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) >= 3 && raw[0] == 0xEF && raw[1] == 0xBB && raw[2] == 0xBF {
		raw = raw[3:]
	}
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *SurveyCTOExportStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	return fmt.Errorf("%w: export storage does not hold metadata", ErrNotImplemented)
}

func (s *SurveyCTOExportStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	return "", fmt.Errorf("%w: export storage does not hold metadata", ErrNotImplemented)
}

func (s *SurveyCTOExportStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.submissions))
	for _, sub := range s.submissions {
		if id, ok := sub[exportIDField].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SurveyCTOExportStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.submissions {
		if sub[exportIDField] == submissionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *SurveyCTOExportStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	return fmt.Errorf("%w: cannot store submissions in an export", ErrReadOnly)
}

func (s *SurveyCTOExportStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.submissions {
		if sub[exportIDField] == submissionID {
			out := make(map[string]any, len(sub))
			for k, v := range sub {
				out[k] = v
			}
			return out, nil
		}
	}
	return map[string]any{}, nil
}

func (s *SurveyCTOExportStorage) AttachmentsSupported() bool { return s.attachmentsAvailable }

func (s *SurveyCTOExportStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	// The export's attachment fields carry relative media paths, but the
	// media folder itself does not record which submission owns a file.
	return nil, fmt.Errorf("%w: export storage cannot list attachments", ErrNotImplemented)
}

// attachmentPath resolves an attachment reference to a path under the export
// directory. Location strings in SurveyCTO exports are relative paths like
// "media/photo.jpg".
func (s *SurveyCTOExportStorage) attachmentPath(ref AttachmentRef) (string, error) {
	if !s.attachmentsAvailable {
		return "", fmt.Errorf("%w: export has no attachments available", ErrNotImplemented)
	}
	if err := ref.validate(); err != nil {
		return "", err
	}
	exportDir := filepath.Dir(s.exportFile)
	if ref.Location != "" {
		return filepath.Join(exportDir, filepath.FromSlash(ref.Location)), nil
	}
	return filepath.Join(exportDir, exportAttachmentsSubdir, ref.Name), nil
}

func (s *SurveyCTOExportStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	path, err := s.attachmentPath(ref)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *SurveyCTOExportStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	return "", fmt.Errorf("%w: cannot store attachments in an export", ErrReadOnly)
}

func (s *SurveyCTOExportStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	path, err := s.attachmentPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return f, nil
}
