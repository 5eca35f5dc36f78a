package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileLocationPrefix = "file:"

// FileStorage stores everything under a single local directory:
//
//	<dir>/<escaped metadata ID>            metadata value
//	<dir>/<escaped submission ID>.json     submission data
//	<dir>/<escaped submission ID>/<name>   attachment blob
//
// Metadata IDs never collide with submission files because submissions
// carry the .json suffix and metadata IDs are double-underscore delimited.
type FileStorage struct {
	dir string
}

// NewFileStorage returns a local-directory storage system rooted at dir,
// creating the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: storage directory is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) submissionPath(submissionID string) string {
	return filepath.Join(f.dir, escapeKeyPart(submissionID)+submissionSuffix)
}

func (f *FileStorage) attachmentPath(submissionID, attachmentName string) string {
	return filepath.Join(f.dir, escapeKeyPart(submissionID), escapeKeyPart(attachmentName))
}

func (f *FileStorage) metadataPath(metadataID string) string {
	return filepath.Join(f.dir, escapeKeyPart(metadataID))
}

// writeFileAtomic writes via a temp file in the same directory and renames
// into place, so readers never observe partial content.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	err := writeFileAtomic(f.metadataPath(metadataID), func(w io.Writer) error {
		_, err := io.WriteString(w, metadata)
		return err
	})
	if err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (f *FileStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(f.metadataPath(metadataID))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	return string(raw), nil
}

func (f *FileStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := submissionIDFromKey("", e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	_, err := os.Stat(f.submissionPath(submissionID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return true, nil
}

func (f *FileStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	err := writeFileAtomic(f.submissionPath(submissionID), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		return enc.Encode(data)
	})
	if err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (f *FileStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	raw, err := os.ReadFile(f.submissionPath(submissionID))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %q: %w", submissionID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode submission %q: %w", submissionID, err)
	}
	return data, nil
}

func (f *FileStorage) AttachmentsSupported() bool { return true }

func (f *FileStorage) attachmentLocation(submissionID, attachmentName string) string {
	return fileLocationPrefix + f.attachmentPath(submissionID, attachmentName)
}

func (f *FileStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	var dirs []string
	if submissionID != "" {
		dirs = []string{escapeKeyPart(submissionID)}
	} else {
		entries, err := os.ReadDir(f.dir)
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
	}
	var out []Attachment
	for _, d := range dirs {
		entries, err := os.ReadDir(filepath.Join(f.dir, d))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		id, err := unescapeKeyPart(d)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name, err := unescapeKeyPart(e.Name())
			if err != nil {
				continue
			}
			out = append(out, Attachment{
				Name:           name,
				SubmissionID:   id,
				LocationString: f.attachmentLocation(id, name),
			})
		}
	}
	return out, nil
}

func (f *FileStorage) resolveRef(ref AttachmentRef) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if ref.Location != "" {
		return parseLocation(fileLocationPrefix, ref.Location)
	}
	return f.attachmentPath(ref.SubmissionID, ref.Name), nil
}

func (f *FileStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	path, err := f.resolveRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return true, nil
}

func (f *FileStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	path := f.attachmentPath(submissionID, attachmentName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	return f.attachmentLocation(submissionID, attachmentName), nil
}

func (f *FileStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	path, err := f.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return fh, nil
}
