package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Object key layout shared by the blob-style backends:
//
//	<prefix><escaped submission ID>.json            submission data
//	<prefix><escaped submission ID>/<escaped name>  attachment blob
//	<prefix><escaped metadata ID>                   metadata value
//
// Escaping percent-encodes every reserved byte, including "/", and maps
// spaces to "+", so the slash count relative to the prefix is enough to
// tell submissions and attachments apart when listing.

const submissionSuffix = ".json"

func escapeKeyPart(s string) string {
	return url.QueryEscape(s)
}

func unescapeKeyPart(s string) (string, error) {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return "", fmt.Errorf("%w: malformed object key segment %q", ErrInvalidInput, s)
	}
	return out, nil
}

func submissionKey(prefix, submissionID string) string {
	return prefix + escapeKeyPart(submissionID) + submissionSuffix
}

func attachmentKey(prefix, submissionID, attachmentName string) string {
	return prefix + escapeKeyPart(submissionID) + "/" + escapeKeyPart(attachmentName)
}

func metadataKey(prefix, metadataID string) string {
	return prefix + escapeKeyPart(metadataID)
}

// submissionIDFromKey reverses submissionKey. The bool is false when the key
// does not look like a submission object (wrong suffix, extra path depth).
func submissionIDFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, submissionSuffix) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), submissionSuffix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := unescapeKeyPart(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// attachmentFromKey reverses attachmentKey, returning submission ID and
// attachment name. The bool is false for keys at the wrong depth.
func attachmentFromKey(prefix, key string) (string, string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", false
	}
	id, err := unescapeKeyPart(parts[0])
	if err != nil {
		return "", "", false
	}
	name, err := unescapeKeyPart(parts[1])
	if err != nil {
		return "", "", false
	}
	return id, name, true
}

// validMetadataID enforces the reserved-namespace rule: metadata IDs begin
// and end with double underscores so they can never collide with submission
// IDs in a shared keyspace.
func validMetadataID(metadataID string) bool {
	return strings.HasPrefix(metadataID, "__") && strings.HasSuffix(metadataID, "__")
}

func checkMetadataID(metadataID string) error {
	if !validMetadataID(metadataID) {
		return fmt.Errorf("%w: metadata ID %q must begin and end with __", ErrInvalidInput, metadataID)
	}
	return nil
}
