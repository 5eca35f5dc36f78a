package storage

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"
	"testing"
)

// runStorageContractTests exercises the behavior every read-write backend
// must share. Memory and file storage both run it; the cloud backends share
// the same key codec and error mapping.
func runStorageContractTests(t *testing.T, newStorage func(t *testing.T) StorageSystem) {
	ctx := context.Background()

	t.Run("metadata round trip", func(t *testing.T) {
		s := newStorage(t)
		if err := s.StoreMetadata(ctx, "__CURSOR__", "2024-01-01T00:00:00Z"); err != nil {
			t.Fatalf("store metadata: %v", err)
		}
		got, err := s.GetMetadata(ctx, "__CURSOR__")
		if err != nil {
			t.Fatalf("get metadata: %v", err)
		}
		if got != "2024-01-01T00:00:00Z" {
			t.Fatalf("got metadata %q", got)
		}
	})

	t.Run("metadata absent is empty string", func(t *testing.T) {
		s := newStorage(t)
		got, err := s.GetMetadata(ctx, "__MISSING__")
		if err != nil {
			t.Fatalf("get metadata: %v", err)
		}
		if got != "" {
			t.Fatalf("got %q, want empty", got)
		}
	})

	t.Run("metadata ID validation", func(t *testing.T) {
		s := newStorage(t)
		for _, id := range []string{"CURSOR", "__CURSOR", "CURSOR__"} {
			if err := s.StoreMetadata(ctx, id, "x"); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("store with ID %q: got %v, want ErrInvalidInput", id, err)
			}
			if _, err := s.GetMetadata(ctx, id); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("get with ID %q: got %v, want ErrInvalidInput", id, err)
			}
		}
	})

	t.Run("submission lifecycle", func(t *testing.T) {
		s := newStorage(t)
		data := map[string]any{"KEY": "uuid:1", "name": "amina", "age": "34"}
		if err := s.StoreSubmission(ctx, "uuid:1", data); err != nil {
			t.Fatalf("store submission: %v", err)
		}
		ok, err := s.QuerySubmission(ctx, "uuid:1")
		if err != nil || !ok {
			t.Fatalf("query submission: ok=%v err=%v", ok, err)
		}
		got, err := s.GetSubmission(ctx, "uuid:1")
		if err != nil {
			t.Fatalf("get submission: %v", err)
		}
		if !reflect.DeepEqual(got, data) {
			t.Fatalf("got %v, want %v", got, data)
		}
		ids, err := s.ListSubmissions(ctx)
		if err != nil {
			t.Fatalf("list submissions: %v", err)
		}
		if !reflect.DeepEqual(ids, []string{"uuid:1"}) {
			t.Fatalf("got IDs %v", ids)
		}
	})

	t.Run("submission absent is empty map", func(t *testing.T) {
		s := newStorage(t)
		got, err := s.GetSubmission(ctx, "uuid:missing")
		if err != nil {
			t.Fatalf("get submission: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %v, want empty map", got)
		}
		ok, err := s.QuerySubmission(ctx, "uuid:missing")
		if err != nil || ok {
			t.Fatalf("query missing submission: ok=%v err=%v", ok, err)
		}
	})

	t.Run("store is idempotent overwrite", func(t *testing.T) {
		s := newStorage(t)
		if err := s.StoreSubmission(ctx, "uuid:1", map[string]any{"v": "1"}); err != nil {
			t.Fatalf("store: %v", err)
		}
		if err := s.StoreSubmission(ctx, "uuid:1", map[string]any{"v": "2"}); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, err := s.GetSubmission(ctx, "uuid:1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got["v"] != "2" {
			t.Fatalf("got %v after overwrite", got)
		}
		ids, _ := s.ListSubmissions(ctx)
		if len(ids) != 1 {
			t.Fatalf("got %d IDs after overwrite", len(ids))
		}
	})

	t.Run("attachment lifecycle", func(t *testing.T) {
		s := newStorage(t)
		if !s.AttachmentsSupported() {
			t.Skip("backend does not support attachments")
		}
		loc, err := s.StoreAttachment(ctx, "uuid:1", "photo.jpg", strings.NewReader("jpegbytes"))
		if err != nil {
			t.Fatalf("store attachment: %v", err)
		}
		if loc == "" {
			t.Fatalf("empty location string")
		}

		// Both addressing forms must resolve.
		for _, ref := range []AttachmentRef{
			{Location: loc},
			{SubmissionID: "uuid:1", Name: "photo.jpg"},
		} {
			ok, err := s.QueryAttachment(ctx, ref)
			if err != nil || !ok {
				t.Fatalf("query %+v: ok=%v err=%v", ref, ok, err)
			}
			rc, err := s.GetAttachment(ctx, ref)
			if err != nil {
				t.Fatalf("get %+v: %v", ref, err)
			}
			body, err := io.ReadAll(rc)
			rc.Close()
			if err != nil || string(body) != "jpegbytes" {
				t.Fatalf("read %+v: body=%q err=%v", ref, body, err)
			}
		}

		atts, err := s.ListAttachments(ctx, "uuid:1")
		if err != nil {
			t.Fatalf("list attachments: %v", err)
		}
		if len(atts) != 1 || atts[0].Name != "photo.jpg" || atts[0].SubmissionID != "uuid:1" {
			t.Fatalf("got attachments %+v", atts)
		}
		if atts[0].LocationString != loc {
			t.Fatalf("listed location %q, stored location %q", atts[0].LocationString, loc)
		}
	})

	t.Run("attachment ref validation", func(t *testing.T) {
		s := newStorage(t)
		if !s.AttachmentsSupported() {
			t.Skip("backend does not support attachments")
		}
		loc, err := s.StoreAttachment(ctx, "uuid:1", "a.bin", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("store attachment: %v", err)
		}
		bad := []AttachmentRef{
			{},
			{SubmissionID: "uuid:1"},
			{Name: "a.bin"},
			{Location: loc, SubmissionID: "uuid:1", Name: "a.bin"},
		}
		for _, ref := range bad {
			if _, err := s.QueryAttachment(ctx, ref); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("query %+v: got %v, want ErrInvalidInput", ref, err)
			}
			if _, err := s.GetAttachment(ctx, ref); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("get %+v: got %v, want ErrInvalidInput", ref, err)
			}
		}
	})

	t.Run("foreign location rejected", func(t *testing.T) {
		s := newStorage(t)
		if !s.AttachmentsSupported() {
			t.Skip("backend does not support attachments")
		}
		ref := AttachmentRef{Location: "bogus:some/where"}
		if _, err := s.QueryAttachment(ctx, ref); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("got %v, want ErrInvalidInput", err)
		}
	})
}

func TestMemoryStorageContract(t *testing.T) {
	runStorageContractTests(t, func(t *testing.T) StorageSystem {
		return NewMemoryStorage()
	})
}

func TestFileStorageContract(t *testing.T) {
	runStorageContractTests(t, func(t *testing.T) StorageSystem {
		s, err := NewFileStorage(t.TempDir())
		if err != nil {
			t.Fatalf("new file storage: %v", err)
		}
		return s
	})
}

func TestGetSubmissionsHelper(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for _, id := range []string{"uuid:1", "uuid:2"} {
		if err := s.StoreSubmission(ctx, id, map[string]any{"KEY": id}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	subs, err := GetSubmissions(ctx, s)
	if err != nil {
		t.Fatalf("get submissions: %v", err)
	}
	if len(subs) != 2 || subs["uuid:1"]["KEY"] != "uuid:1" {
		t.Fatalf("got %v", subs)
	}
}

func TestSubmissionsTable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	if err := s.StoreSubmission(ctx, "uuid:1", map[string]any{"KEY": "uuid:1", "a": "1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreSubmission(ctx, "uuid:2", map[string]any{"KEY": "uuid:2", "b": "2"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	cols, rows, err := SubmissionsTable(ctx, s)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	want := []string{"KEY", "a", "b"}
	if !sort.StringsAreSorted(cols) || !reflect.DeepEqual(cols, want) {
		t.Fatalf("got columns %v, want %v", cols, want)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	// Missing cells are empty, not dropped.
	for _, row := range rows {
		if len(row) != len(cols) {
			t.Fatalf("row %v not rectangular", row)
		}
	}
	if rows[0][0] != "uuid:1" || rows[0][1] != "1" || rows[0][2] != "" {
		t.Fatalf("got first row %v", rows[0])
	}
}

func TestFileStorageMetadataInvisibleToListing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	if err := s.StoreMetadata(ctx, "__CURSOR__", "c1"); err != nil {
		t.Fatalf("store metadata: %v", err)
	}
	if err := s.StoreSubmission(ctx, "uuid:1", map[string]any{"KEY": "uuid:1"}); err != nil {
		t.Fatalf("store submission: %v", err)
	}
	ids, err := s.ListSubmissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"uuid:1"}) {
		t.Fatalf("metadata leaked into listing: %v", ids)
	}
}
