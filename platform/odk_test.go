package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/higherbar-ai/surveydata/storage"
)

// centralServer is a minimal ODK Central stand-in with session auth, an
// OData Submissions feed, and attachment endpoints.
type centralServer struct {
	t           *testing.T
	formID      string
	records     func(filter string) []map[string]any
	attachments map[string]map[string][]byte // submissionID -> name -> bytes

	sessionCalls int
	lastFilter   string
}

func newCentralServer(t *testing.T, formID string, records func(filter string) []map[string]any) (*centralServer, *httptest.Server) {
	t.Helper()
	cs := &centralServer{t: t, formID: formID, records: records, attachments: map[string]map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(srv.Close)
	return cs, srv
}

func (cs *centralServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == "/v1/sessions" {
		cs.sessionCalls++
		var creds struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email == "" || creds.Password == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok-123" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	feedPath := "/v1/projects/7/forms/" + cs.formID + ".svc/Submissions"
	attBase := "/v1/projects/7/forms/" + cs.formID + "/submissions/"
	switch {
	case r.URL.Path == feedPath:
		cs.lastFilter = r.URL.Query().Get("$filter")
		if r.URL.Query().Get("$expand") != "*" {
			cs.t.Errorf("missing $expand=* in %q", r.URL.RawQuery)
		}
		batch := cs.records(cs.lastFilter)
		if batch == nil {
			batch = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"value": batch})
	case strings.HasPrefix(r.URL.Path, attBase):
		rest := strings.TrimPrefix(r.URL.Path, attBase)
		parts := strings.SplitN(rest, "/attachments", 2)
		byName := cs.attachments[parts[0]]
		if len(parts) == 2 && parts[1] == "" {
			type entry struct {
				Name   string `json:"name"`
				Exists bool   `json:"exists"`
			}
			listing := []entry{}
			for name, data := range byName {
				listing = append(listing, entry{Name: name, Exists: data != nil})
			}
			json.NewEncoder(w).Encode(listing)
			return
		}
		name := strings.TrimPrefix(parts[1], "/")
		if data := byName[name]; data != nil {
			w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestODK(t *testing.T, srv *httptest.Server, formID string) *ODKPlatform {
	t.Helper()
	platform, err := NewODKPlatform(ODKOptions{
		BaseURL:   srv.URL,
		Username:  "user@example.org",
		Password:  "secret",
		ProjectID: 7,
		FormID:    formID,
	})
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	return platform
}

func odkRecord(id, submitted, updated string, extra map[string]any) map[string]any {
	system := map[string]any{
		"submissionDate":     submitted,
		"attachmentsPresent": 0,
	}
	if updated != "" {
		system["updatedAt"] = updated
	} else {
		system["updatedAt"] = nil
	}
	record := map[string]any{
		"__id":     id,
		"__system": system,
	}
	for k, v := range extra {
		record[k] = v
	}
	return record
}

func TestODKSyncFlattensAndStores(t *testing.T) {
	const formID = "hh_survey"
	batch := []map[string]any{
		odkRecord("uuid:a", "2024-04-05T10:00:00Z", "", map[string]any{
			"meta": map[string]any{"instanceID": "uuid:a"},
			"name": "Ana",
			"children@odata.navigationLink": "Submissions('uuid:a')/children",
			"children": []any{
				map[string]any{"__id": "row-1", "child_name": "Kid", "age": float64(4)},
			},
		}),
	}
	_, srv := newCentralServer(t, formID, func(string) []map[string]any { return batch })
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	ids, err := platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(ids) != 1 || ids[0] != "uuid:a" {
		t.Fatalf("unexpected ids %v", ids)
	}

	got, err := store.GetSubmission(context.Background(), "uuid:a")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if got[IDField] != "uuid:a" {
		t.Fatalf("missing %s in %v", IDField, got)
	}
	if _, ok := got["__id"]; ok {
		t.Fatalf("__id should have been renamed")
	}
	if got["meta/instanceID"] != "uuid:a" || got["children/0/child_name"] != "Kid" {
		t.Fatalf("nested fields not flattened: %v", got)
	}
	if _, ok := got["children@odata.navigationLink"]; ok {
		t.Fatalf("navigation link column not dropped")
	}
	if _, ok := got["children/0/__id"]; ok {
		t.Fatalf("repeat group __id column not dropped")
	}

	cursor, _ := store.GetMetadata(context.Background(), CursorMetadataID)
	if cursor != "2024-04-05T10:00:00Z" {
		t.Fatalf("unexpected cursor %q", cursor)
	}
	if tz, _ := store.GetMetadata(context.Background(), TimezoneMetadataID); tz != "UTC" {
		t.Fatalf("timezone metadata = %q", tz)
	}
}

func TestODKSyncFilterConstruction(t *testing.T) {
	const formID = "filters"
	batch := []map[string]any{
		odkRecord("uuid:a", "2024-04-05T10:00:00Z", "2024-04-06T08:00:00Z", nil),
	}
	cs, srv := newCentralServer(t, formID, func(string) []map[string]any { return batch })
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if cs.lastFilter != "__system/reviewState ne 'rejected'" {
		t.Fatalf("first filter = %q", cs.lastFilter)
	}

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	want := "(__system/updatedAt ge 2024-04-06T08:00:00Z or __system/submissionDate ge 2024-04-06T08:00:00Z)" +
		" and __system/reviewState ne 'rejected'"
	if cs.lastFilter != want {
		t.Fatalf("second filter = %q, want %q", cs.lastFilter, want)
	}

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{IncludeRejected: true}); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if strings.Contains(cs.lastFilter, "reviewState") {
		t.Fatalf("rejected filter should be absent, got %q", cs.lastFilter)
	}
}

func TestODKSyncSkipsAlreadyStoredAtCursor(t *testing.T) {
	const (
		formID = "tied"
		t1     = "2024-04-05T10:00:00Z"
		t2     = "2024-04-05T11:00:00Z"
	)
	full := []map[string]any{
		odkRecord("uuid:a", t1, "", nil),
		odkRecord("uuid:b", t1, "", nil),
		odkRecord("uuid:c", t2, "", nil),
	}
	_, srv := newCentralServer(t, formID, func(filter string) []map[string]any {
		if !strings.Contains(filter, "ge") {
			return full
		}
		return full[2:]
	})
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	ids, err := platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("first sync stored %v", ids)
	}

	ids, err = platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("second sync should be a no-op, stored %v", ids)
	}
	if cursor, _ := store.GetMetadata(context.Background(), CursorMetadataID); cursor != t2 {
		t.Fatalf("cursor = %q, want %q", cursor, t2)
	}
}

func TestODKSyncStoresLateArrivalAtCursor(t *testing.T) {
	const (
		formID = "late"
		t1     = "2024-04-05T10:00:00Z"
		t2     = "2024-04-05T11:00:00Z"
	)
	first := []map[string]any{
		odkRecord("uuid:a", t1, "", nil),
		odkRecord("uuid:b", t2, "", nil),
	}
	// uuid:c shares uuid:b's timestamp but only reached the server after
	// the first sync. The inclusive filter returns both; only the
	// unstored one must be persisted.
	second := []map[string]any{
		odkRecord("uuid:b", t2, "", nil),
		odkRecord("uuid:c", t2, "", nil),
	}
	_, srv := newCentralServer(t, formID, func(filter string) []map[string]any {
		if !strings.Contains(filter, "ge") {
			return first
		}
		return second
	})
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	ids, err := platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(ids) != 1 || ids[0] != "uuid:c" {
		t.Fatalf("late arrival not stored, ids %v", ids)
	}
	if present, _ := store.QuerySubmission(context.Background(), "uuid:c"); !present {
		t.Fatalf("late arrival missing from storage")
	}
	if cursor, _ := store.GetMetadata(context.Background(), CursorMetadataID); cursor != t2 {
		t.Fatalf("cursor = %q, want %q", cursor, t2)
	}
}

func TestODKSyncUpdatedSubmissionRestored(t *testing.T) {
	const formID = "edited"
	record := odkRecord("uuid:a", "2024-04-05T10:00:00Z", "", map[string]any{"name": "Ana"})
	edited := odkRecord("uuid:a", "2024-04-05T10:00:00Z", "2024-04-07T09:00:00Z", map[string]any{"name": "Ana Maria"})
	serveEdited := false
	_, srv := newCentralServer(t, formID, func(string) []map[string]any {
		if serveEdited {
			return []map[string]any{edited}
		}
		return []map[string]any{record}
	})
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// The submission was edited after the first sync; its updatedAt now
	// exceeds the cursor, so it must be stored again.
	serveEdited = true
	ids, err := platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("edited submission not re-stored, ids %v", ids)
	}
	got, _ := store.GetSubmission(context.Background(), "uuid:a")
	if got["name"] != "Ana Maria" {
		t.Fatalf("stored data not updated: %v", got)
	}
	if cursor, _ := store.GetMetadata(context.Background(), CursorMetadataID); cursor != "2024-04-07T09:00:00Z" {
		t.Fatalf("cursor = %q", cursor)
	}
}

func TestODKSyncTransfersUploadedAttachments(t *testing.T) {
	const formID = "photos"
	record := odkRecord("uuid:a", "2024-04-05T10:00:00Z", "", nil)
	record["__system"].(map[string]any)["attachmentsPresent"] = 2
	cs, srv := newCentralServer(t, formID, func(string) []map[string]any {
		return []map[string]any{record}
	})
	cs.attachments["uuid:a"] = map[string][]byte{
		"photo.jpg": []byte("jpeg-bytes"),
		"audio.mp3": nil, // expected but never uploaded
	}
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	atts, err := store.ListAttachments(context.Background(), "uuid:a")
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(atts) != 1 || atts[0].Name != "photo.jpg" {
		t.Fatalf("unexpected attachments %v", atts)
	}
	reader, err := store.GetAttachment(context.Background(), storage.AttachmentRef{
		SubmissionID: "uuid:a", Name: "photo.jpg",
	})
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	data, _ := io.ReadAll(reader)
	reader.Close()
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected attachment bytes %q", data)
	}
}

func TestODKSyncAttachmentUnsupportedStoreStoresSubmission(t *testing.T) {
	const formID = "photos"
	record := odkRecord("uuid:a", "2024-04-05T10:00:00Z", "", nil)
	record["__system"].(map[string]any)["attachmentsPresent"] = 1
	cs, srv := newCentralServer(t, formID, func(string) []map[string]any {
		return []map[string]any{record}
	})
	cs.attachments["uuid:a"] = map[string][]byte{"photo.jpg": []byte("jpeg-bytes")}
	platform := newTestODK(t, srv, formID)
	store := noAttachmentStore{storage.NewMemoryStorage()}

	ids, err := platform.SyncData(context.Background(), store, SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("submission not stored, ids %v", ids)
	}
	if present, _ := store.QuerySubmission(context.Background(), "uuid:a"); !present {
		t.Fatalf("submission missing after sync")
	}
}

func TestODKSessionTokenReused(t *testing.T) {
	const formID = "sessions"
	cs, srv := newCentralServer(t, formID, func(string) []map[string]any { return nil })
	platform := newTestODK(t, srv, formID)
	store := storage.NewMemoryStorage()

	for i := 0; i < 3; i++ {
		if _, err := platform.SyncData(context.Background(), store, SyncOptions{}); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	if cs.sessionCalls != 1 {
		t.Fatalf("expected one login, got %d", cs.sessionCalls)
	}
}

func TestODKSyncNotConfigured(t *testing.T) {
	platform, err := NewODKPlatform(ODKOptions{BaseURL: "https://central.example.org", FormID: "form"})
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	_, err = platform.SyncData(context.Background(), storage.NewMemoryStorage(), SyncOptions{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestODKConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyodk_config.toml")
	content := `[central]
base_url = "https://central.example.org"
username = "user@example.org"
password = "secret"
default_project_id = 42
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadODKConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Central.BaseURL != "https://central.example.org" ||
		cfg.Central.Username != "user@example.org" ||
		cfg.Central.DefaultProjectID != 42 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	platform, err := NewODKPlatform(ODKOptions{ConfigFile: path, FormID: "form"})
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	if !platform.configured() {
		t.Fatalf("platform should be configured from file")
	}
	if platform.projectID != 42 {
		t.Fatalf("default project id not applied, got %d", platform.projectID)
	}

	// Direct fields win over the file.
	platform, err = NewODKPlatform(ODKOptions{ConfigFile: path, FormID: "form", ProjectID: 9})
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	if platform.projectID != 9 {
		t.Fatalf("explicit project id not applied, got %d", platform.projectID)
	}

	if _, err := LoadODKConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
