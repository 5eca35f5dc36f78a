package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var repeatIndexPattern = regexp.MustCompile(`/(\d+)/`)

// ODKExportStorage provides read-only access to an ODK Central CSV export,
// typically unzipped from an "All data and Attachments" export. Sibling
// repeat-group files named <base>-<group>.csv are merged into the main
// table in wide format, with occurrence indexes rebased to zero to match
// the live API's flattened column names.
//
// Attachment locations in ODK exports are bare filenames; all submissions'
// attachments share one media subdirectory.
type ODKExportStorage struct {
	exportFile           string
	attachmentsAvailable bool

	mu          sync.RWMutex
	submissions []map[string]any
}

// NewODKExportStorage loads an export file and any sibling repeat-group
// files into memory.
func NewODKExportStorage(exportFile string, attachmentsAvailable bool) (*ODKExportStorage, error) {
	s := &ODKExportStorage{
		exportFile:           exportFile,
		attachmentsAvailable: attachmentsAvailable,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the export and repeat-group files, replacing the
// in-memory copy.
func (s *ODKExportStorage) Reload() error {
	main, err := loadExportCSV(s.exportFile)
	if err != nil {
		return fmt.Errorf("load export %q: %w", s.exportFile, err)
	}
	repeatGroups, err := s.loadRepeatGroups()
	if err != nil {
		return err
	}
	for _, group := range repeatGroups {
		mergeRepeatGroup(main, group)
	}
	s.mu.Lock()
	s.submissions = main
	s.mu.Unlock()
	return nil
}

// loadRepeatGroups finds and loads sibling <base>-*.csv files.
func (s *ODKExportStorage) loadRepeatGroups() ([][]map[string]any, error) {
	dir := filepath.Dir(s.exportFile)
	base := filepath.Base(s.exportFile)
	prefix := strings.TrimSuffix(base, filepath.Ext(base)) + "-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan export directory: %w", err)
	}
	var groups [][]map[string]any
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		rows, err := loadExportCSV(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load repeat-group export %q: %w", e.Name(), err)
		}
		groups = append(groups, rows)
	}
	return groups, nil
}

// mergeRepeatGroup left-joins one repeat group's rows onto the main table.
// Each repeat row's KEY looks like "uuid:.../group[2]/subgroup[1]"; the
// leading submission ID is dropped, bracketed indexes become slash-delimited
// zero-based ones, and the remaining columns land on the parent submission
// under that prefix.
func mergeRepeatGroup(main []map[string]any, group []map[string]any) {
	if len(group) == 0 {
		return
	}
	first := group[0]
	if _, ok := first["KEY"]; !ok {
		return
	}
	if _, ok := first["PARENT_KEY"]; !ok {
		return
	}
	if len(first) <= 2 {
		return
	}

	merged := map[string]map[string]any{}
	for _, row := range group {
		key, _ := row["KEY"].(string)
		parentKey, _ := row["PARENT_KEY"].(string)
		if key == "" || parentKey == "" {
			continue
		}
		columnPrefix := repeatColumnPrefix(key)
		submissionID := strings.SplitN(parentKey, "/", 2)[0]
		target := merged[submissionID]
		if target == nil {
			target = map[string]any{}
			merged[submissionID] = target
		}
		for col, v := range row {
			if col == "KEY" || col == "PARENT_KEY" {
				continue
			}
			target[columnPrefix+col] = v
		}
	}

	for _, sub := range main {
		id, _ := sub[exportIDField].(string)
		extra, ok := merged[id]
		if !ok {
			continue
		}
		for col, v := range extra {
			sub[col] = v
		}
	}
}

// repeatColumnPrefix derives a flattened column prefix from a repeat row
// KEY: the submission ID segment is dropped, "[n]" becomes "/n/", and each
// index is decremented to zero-based.
func repeatColumnPrefix(key string) string {
	parts := strings.Split(key, "/")
	path := strings.Join(parts[1:], "/")
	path = strings.ReplaceAll(path, "[", "/")
	path = strings.ReplaceAll(path, "]", "")
	path += "/"
	return repeatIndexPattern.ReplaceAllStringFunc(path, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil {
			return m
		}
		return "/" + strconv.Itoa(n-1) + "/"
	})
}

func (s *ODKExportStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	return fmt.Errorf("%w: export storage does not hold metadata", ErrNotImplemented)
}

func (s *ODKExportStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	return "", fmt.Errorf("%w: export storage does not hold metadata", ErrNotImplemented)
}

func (s *ODKExportStorage) ListSubmissions(ctx context.Context) ([]string, error) {
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

func (s *ODKExportStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.submissions {
		if sub[exportIDField] == submissionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *ODKExportStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	return fmt.Errorf("%w: cannot store submissions in an export", ErrReadOnly)
}

func (s *ODKExportStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
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

func (s *ODKExportStorage) AttachmentsSupported() bool { return s.attachmentsAvailable }

func (s *ODKExportStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	if submissionID != "" {
		// All submissions' attachments share the media folder, so a
		// per-submission listing cannot be derived.
		return nil, fmt.Errorf("%w: export storage cannot list attachments per submission", ErrNotImplemented)
	}
	if !s.attachmentsAvailable {
		return nil, nil
	}
	mediaDir := filepath.Join(filepath.Dir(s.exportFile), exportAttachmentsSubdir)
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	var out []Attachment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		out = append(out, Attachment{Name: name, LocationString: name})
	}
	return out, nil
}

func (s *ODKExportStorage) attachmentPath(ref AttachmentRef) (string, error) {
	if !s.attachmentsAvailable {
		return "", fmt.Errorf("%w: export has no attachments available", ErrNotImplemented)
	}
	// Locations are bare filenames, so the submission ID is never needed
	// here; a name alone is a valid reference.
	name := ref.Name
	if ref.Location != "" {
		if ref.SubmissionID != "" || ref.Name != "" {
			return "", fmt.Errorf("%w: attachment reference must use a location string or a name, not both", ErrInvalidInput)
		}
		name = ref.Location
	}
	if name == "" {
		return "", fmt.Errorf("%w: attachment reference requires a location string or a name", ErrInvalidInput)
	}
	return filepath.Join(filepath.Dir(s.exportFile), exportAttachmentsSubdir, name), nil
}

func (s *ODKExportStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
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

func (s *ODKExportStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	return "", fmt.Errorf("%w: cannot store attachments in an export", ErrReadOnly)
}

func (s *ODKExportStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
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
