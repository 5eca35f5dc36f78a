package storage

import "testing"

func TestSubmissionKeyRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   string
	}{
		{"plain", "uuid:1234-abcd"},
		{"slash", "uuid:1234/extra"},
		{"space", "id with spaces"},
		{"plus", "id+plus"},
		{"nonascii", "réponse-42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := submissionKey("Surveys/Form123/", tc.id)
			got, ok := submissionIDFromKey("Surveys/Form123/", key)
			if !ok {
				t.Fatalf("key %q not recognized as submission", key)
			}
			if got != tc.id {
				t.Fatalf("round trip got %q, want %q", got, tc.id)
			}
		})
	}
}

func TestSubmissionIDFromKeyRejectsAttachments(t *testing.T) {
	key := attachmentKey("Surveys/", "sub1", "photo.json")
	if _, ok := submissionIDFromKey("Surveys/", key); ok {
		t.Fatalf("attachment key %q misread as submission", key)
	}
}

func TestAttachmentKeyRoundTrip(t *testing.T) {
	key := attachmentKey("p/", "uuid:a/b", "photo 1.jpg")
	id, name, ok := attachmentFromKey("p/", key)
	if !ok {
		t.Fatalf("key %q not recognized as attachment", key)
	}
	if id != "uuid:a/b" || name != "photo 1.jpg" {
		t.Fatalf("round trip got (%q, %q)", id, name)
	}
}

func TestAttachmentFromKeyWrongDepth(t *testing.T) {
	if _, _, ok := attachmentFromKey("p/", "p/onlyone"); ok {
		t.Fatalf("submission-depth key misread as attachment")
	}
}

func TestEscapedSlashStaysFlat(t *testing.T) {
	// A slash inside a submission ID must not create key depth.
	key := submissionKey("pre/", "a/b/c")
	id, ok := submissionIDFromKey("pre/", key)
	if !ok || id != "a/b/c" {
		t.Fatalf("slashed ID round trip got (%q, %v)", id, ok)
	}
}

func TestValidMetadataID(t *testing.T) {
	valid := []string{"__CURSOR__", "__TIMEZONE__", "__x__"}
	invalid := []string{"CURSOR", "__CURSOR", "CURSOR__", ""}
	for _, id := range valid {
		if !validMetadataID(id) {
			t.Fatalf("%q should be a valid metadata ID", id)
		}
	}
	for _, id := range invalid {
		if validMetadataID(id) {
			t.Fatalf("%q should not be a valid metadata ID", id)
		}
	}
}
