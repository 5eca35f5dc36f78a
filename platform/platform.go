// Package platform connects remote survey platforms (SurveyCTO, ODK
// Central) to the storage abstraction, pulling submissions and attachments
// incrementally with a persisted cursor.
//
// A sync call is single-threaded and resumable: the cursor is read once at
// the start and written only after the whole fetched batch has been stored,
// so a failed call can simply be retried. Submissions are written with
// overwrite semantics, giving at-least-once delivery.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/higherbar-ai/surveydata/storage"
)

const (
	// IDField is the unique submission ID field used across platforms.
	IDField = "KEY"
	// CursorMetadataID keys the persisted sync cursor.
	CursorMetadataID = "__CURSOR__"
	// TimezoneMetadataID records the timezone of timestamps in synced
	// data. Both platform APIs report UTC.
	TimezoneMetadataID = "__TIMEZONE__"
)

// ErrNotConfigured is returned by sync calls made before the connector has
// the server, form, and credential configuration it needs. It is raised
// before any network or storage I/O.
var ErrNotConfigured = errors.New("platform: not configured for syncing")

// Logger is the minimal logging interface accepted via options.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// SyncOptions controls one sync call.
type SyncOptions struct {
	// AttachmentStorage receives attachments instead of the submission
	// storage, when set.
	AttachmentStorage storage.StorageSystem
	// NoAttachments skips attachment transfer entirely.
	NoAttachments bool
	// ReviewStatuses narrows a SurveyCTO pull to the given statuses
	// (any of "approved", "pending", "rejected"); approved-only when
	// empty. Ignored by ODK Central.
	ReviewStatuses []string
	// IncludeRejected includes rejected submissions in an ODK Central
	// pull. Ignored by SurveyCTO.
	IncludeRejected bool
}

// SurveyPlatform is the connector contract the sync engine exposes upward.
type SurveyPlatform interface {
	// SyncData pulls new and changed submissions into storage and
	// returns the IDs newly stored by this call.
	SyncData(ctx context.Context, store storage.StorageSystem, opts SyncOptions) ([]string, error)
}

// resolveAttachmentStorage decides where attachments go: nowhere, a
// dedicated store, or the submission store itself. A store that does not
// support attachments yields nil, so syncing into such a backend skips
// transfer and keeps the platform's attachment references as-is.
func resolveAttachmentStorage(store storage.StorageSystem, opts SyncOptions) storage.StorageSystem {
	if opts.NoAttachments {
		return nil
	}
	target := store
	if opts.AttachmentStorage != nil {
		target = opts.AttachmentStorage
	}
	if !target.AttachmentsSupported() {
		return nil
	}
	return target
}

// writeCursor persists an advanced cursor plus the data-timezone marker.
// Called only when the cursor actually changed.
func writeCursor(ctx context.Context, store storage.StorageSystem, cursor string) error {
	if err := store.StoreMetadata(ctx, CursorMetadataID, cursor); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	if err := store.StoreMetadata(ctx, TimezoneMetadataID, "UTC"); err != nil {
		return fmt.Errorf("store data timezone: %w", err)
	}
	return nil
}

// HTTPError is a non-success response from a platform API, surfaced
// unchanged to the caller.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Body != "" {
		return fmt.Sprintf("platform: http %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("platform: http %s", e.Status)
}

// checkResponse converts a non-2xx response into an HTTPError, consuming
// and closing the body.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}
