// Package storage defines a uniform storage contract for survey submission
// data and attachments, together with implementations over local files,
// in-memory maps, S3, Google Cloud Storage, Azure Blob Storage, DynamoDB,
// PostgreSQL, and read-only platform export files.
//
// All implementations share the same key conventions, so data written by one
// backend can be read back through another pointed at the same objects.
// Submission data is a flat-ish JSON document keyed by a platform-assigned
// submission ID; attachments are opaque byte streams addressed either by
// (submission ID, attachment name) or by a backend-prefixed location string.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Attachment describes one stored attachment.
type Attachment struct {
	Name         string
	SubmissionID string
	// LocationString is a backend-prefixed reference ("s3:...", "file:...")
	// that the owning backend can resolve without the submission ID.
	LocationString string
}

// AttachmentRef addresses an attachment for query and fetch operations.
// Exactly one addressing form must be populated: Location alone, or
// SubmissionID together with Name.
type AttachmentRef struct {
	Location     string
	SubmissionID string
	Name         string
}

func (r AttachmentRef) validate() error {
	hasLoc := r.Location != ""
	hasPair := r.SubmissionID != "" || r.Name != ""
	if hasLoc && hasPair {
		return fmt.Errorf("%w: attachment reference must use a location string or a submission ID and name, not both", ErrInvalidInput)
	}
	if !hasLoc && (r.SubmissionID == "" || r.Name == "") {
		return fmt.Errorf("%w: attachment reference requires a location string or both submission ID and name", ErrInvalidInput)
	}
	return nil
}

// StorageSystem is the uniform contract every backend implements.
//
// Lookups for absent data are soft: GetMetadata returns "", GetSubmission
// returns an empty map, and the query operations return false. Hard errors
// are reserved for transport failures, caller mistakes (ErrInvalidInput),
// and unsupported capabilities (ErrNotImplemented).
type StorageSystem interface {
	// StoreMetadata stores a small string value under a reserved ID.
	// Metadata IDs must begin and end with "__".
	StoreMetadata(ctx context.Context, metadataID, metadata string) error
	// GetMetadata returns the stored value, or "" if absent.
	GetMetadata(ctx context.Context, metadataID string) (string, error)

	// ListSubmissions returns the IDs of all stored submissions.
	ListSubmissions(ctx context.Context) ([]string, error)
	// QuerySubmission reports whether a submission is stored.
	QuerySubmission(ctx context.Context, submissionID string) (bool, error)
	// StoreSubmission stores submission data, overwriting any prior copy.
	StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error
	// GetSubmission returns stored submission data, or an empty map if
	// absent.
	GetSubmission(ctx context.Context, submissionID string) (map[string]any, error)

	// AttachmentsSupported reports whether this backend stores
	// attachments. When false the attachment operations below return
	// ErrNotImplemented.
	AttachmentsSupported() bool
	// ListAttachments returns the attachments stored for a submission,
	// or for all submissions when submissionID is "".
	ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error)
	// QueryAttachment reports whether the referenced attachment is
	// stored.
	QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error)
	// StoreAttachment stores an attachment from a stream, overwriting any
	// prior copy, and returns its location string.
	StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error)
	// GetAttachment opens the referenced attachment for reading. The
	// caller closes the returned stream.
	GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error)
}

// GetSubmissions fetches all stored submissions keyed by submission ID. It
// is built only on ListSubmissions and GetSubmission, so it works against
// any backend.
func GetSubmissions(ctx context.Context, s StorageSystem) (map[string]map[string]any, error) {
	ids, err := s.ListSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		data, err := s.GetSubmission(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// SubmissionsTable projects all stored submissions into a rectangular table:
// a sorted union of column names plus one row per submission, values
// stringified and missing cells empty. Row order follows ListSubmissions.
func SubmissionsTable(ctx context.Context, s StorageSystem) (columns []string, rows [][]string, err error) {
	ids, err := s.ListSubmissions(ctx)
	if err != nil {
		return nil, nil, err
	}
	subs := make([]map[string]any, 0, len(ids))
	colSet := map[string]struct{}{}
	for _, id := range ids {
		data, err := s.GetSubmission(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		for k := range data {
			colSet[k] = struct{}{}
		}
		subs = append(subs, data)
	}
	columns = make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	rows = make([][]string, 0, len(subs))
	for _, data := range subs {
		row := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := data[col]; ok && v != nil {
				row[i] = stringifyCell(v)
			}
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func stringifyCell(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// parseLocation strips a backend's location prefix, rejecting references
// that belong to a different backend.
func parseLocation(locationPrefix, location string) (string, error) {
	if !strings.HasPrefix(location, locationPrefix) {
		return "", fmt.Errorf("%w: location string %q is not a %s location", ErrInvalidInput, location, strings.TrimSuffix(locationPrefix, ":"))
	}
	return strings.TrimPrefix(location, locationPrefix), nil
}
