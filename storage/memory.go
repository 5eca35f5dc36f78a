package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

const memoryLocationPrefix = "mem:"

// MemoryStorage is a map-backed StorageSystem. It is safe for concurrent
// use and useful for tests and ephemeral pipelines.
type MemoryStorage struct {
	mu          sync.RWMutex
	metadata    map[string]string
	submissions map[string][]byte
	attachments map[string]map[string][]byte
}

// NewMemoryStorage returns an empty in-memory storage system.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		metadata:    map[string]string{},
		submissions: map[string][]byte{},
		attachments: map[string]map[string][]byte{},
	}
}

func (m *MemoryStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[metadataID] = metadata
	return nil
}

func (m *MemoryStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[metadataID], nil
}

func (m *MemoryStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.submissions))
	for id := range m.submissions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.submissions[submissionID]
	return ok, nil
}

func (m *MemoryStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	// Serialize outside the lock; a JSON round trip also detaches the
	// stored copy from the caller's map.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[submissionID] = raw
	return nil
}

func (m *MemoryStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	m.mu.RLock()
	raw, ok := m.submissions[submissionID]
	m.mu.RUnlock()
	if !ok {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode submission %q: %w", submissionID, err)
	}
	return data, nil
}

func (m *MemoryStorage) AttachmentsSupported() bool { return true }

func (m *MemoryStorage) attachmentLocation(submissionID, attachmentName string) string {
	return memoryLocationPrefix + attachmentKey("", submissionID, attachmentName)
}

func (m *MemoryStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Attachment
	appendFor := func(id string) {
		names := make([]string, 0, len(m.attachments[id]))
		for name := range m.attachments[id] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, Attachment{
				Name:           name,
				SubmissionID:   id,
				LocationString: m.attachmentLocation(id, name),
			})
		}
	}
	if submissionID != "" {
		appendFor(submissionID)
		return out, nil
	}
	ids := make([]string, 0, len(m.attachments))
	for id := range m.attachments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		appendFor(id)
	}
	return out, nil
}

func (m *MemoryStorage) resolveRef(ref AttachmentRef) (submissionID, name string, err error) {
	if err := ref.validate(); err != nil {
		return "", "", err
	}
	if ref.Location == "" {
		return ref.SubmissionID, ref.Name, nil
	}
	rest, err := parseLocation(memoryLocationPrefix, ref.Location)
	if err != nil {
		return "", "", err
	}
	id, name, ok := attachmentFromKey("", rest)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed memory location %q", ErrInvalidInput, ref.Location)
	}
	return id, name, nil
}

func (m *MemoryStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	id, name, err := m.resolveRef(ref)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.attachments[id][name]
	return ok, nil
}

func (m *MemoryStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	blob, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachments[submissionID] == nil {
		m.attachments[submissionID] = map[string][]byte{}
	}
	m.attachments[submissionID][attachmentName] = blob
	return m.attachmentLocation(submissionID, attachmentName), nil
}

func (m *MemoryStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	id, name, err := m.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	blob, ok := m.attachments[id][name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("attachment %q for submission %q not stored", name, id)
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}
