package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const gcsLocationPrefix = "gs:"

// GCSStorageOptions configures NewGCSStorage. CredentialsFile and
// CredentialsJSON are optional; when absent application default credentials
// are used.
type GCSStorageOptions struct {
	BucketName      string
	BlobNamePrefix  string
	ProjectID       string
	CredentialsFile string
	CredentialsJSON []byte
}

// GCSStorage stores submissions and attachments as Google Cloud Storage
// objects under a blob-name prefix, using the shared key codec.
type GCSStorage struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
}

// NewGCSStorage opens a GCS-backed storage system. The bucket must already
// exist.
func NewGCSStorage(ctx context.Context, opts GCSStorageOptions) (*GCSStorage, error) {
	if strings.TrimSpace(opts.BucketName) == "" {
		return nil, fmt.Errorf("%w: GCS bucket name is required", ErrInvalidInput)
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if len(opts.CredentialsJSON) > 0 {
		clientOpts = append(clientOpts, option.WithCredentialsJSON(opts.CredentialsJSON))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("open GCS client: %w", err)
	}
	return &GCSStorage{
		client: client,
		bucket: client.Bucket(opts.BucketName),
		prefix: opts.BlobNamePrefix,
	}, nil
}

// Close releases the underlying client.
func (g *GCSStorage) Close() error { return g.client.Close() }

func (g *GCSStorage) writeObject(ctx context.Context, name string, data io.Reader) error {
	w := g.bucket.Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (g *GCSStorage) readObject(ctx context.Context, name string) ([]byte, bool, error) {
	r, err := g.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (g *GCSStorage) objectExists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCSStorage) listNames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (g *GCSStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	if err := g.writeObject(ctx, metadataKey(g.prefix, metadataID), strings.NewReader(metadata)); err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (g *GCSStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	raw, ok, err := g.readObject(ctx, metadataKey(g.prefix, metadataID))
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (g *GCSStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	names, err := g.listNames(ctx, g.prefix)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	depth := strings.Count(g.prefix, "/")
	var ids []string
	for _, name := range names {
		if strings.Count(name, "/") != depth {
			continue
		}
		if id, ok := submissionIDFromKey(g.prefix, name); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *GCSStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	ok, err := g.objectExists(ctx, submissionKey(g.prefix, submissionID))
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return ok, nil
}

func (g *GCSStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	if err := g.writeObject(ctx, submissionKey(g.prefix, submissionID), strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (g *GCSStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	raw, ok, err := g.readObject(ctx, submissionKey(g.prefix, submissionID))
	if err != nil {
		return nil, fmt.Errorf("get submission %q: %w", submissionID, err)
	}
	if !ok {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode submission %q: %w", submissionID, err)
	}
	return data, nil
}

func (g *GCSStorage) AttachmentsSupported() bool { return true }

func (g *GCSStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	listPrefix := g.prefix
	if submissionID != "" {
		listPrefix = attachmentKey(g.prefix, submissionID, "")
	}
	names, err := g.listNames(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	depth := strings.Count(g.prefix, "/") + 1
	var out []Attachment
	for _, name := range names {
		if strings.Count(name, "/") != depth {
			continue
		}
		id, attName, ok := attachmentFromKey(g.prefix, name)
		if !ok {
			continue
		}
		out = append(out, Attachment{
			Name:           attName,
			SubmissionID:   id,
			LocationString: gcsLocationPrefix + name,
		})
	}
	return out, nil
}

func (g *GCSStorage) attachmentNameFromRef(ref AttachmentRef) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if ref.Location != "" {
		return parseLocation(gcsLocationPrefix, ref.Location)
	}
	return attachmentKey(g.prefix, ref.SubmissionID, ref.Name), nil
}

func (g *GCSStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	name, err := g.attachmentNameFromRef(ref)
	if err != nil {
		return false, err
	}
	ok, err := g.objectExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return ok, nil
}

func (g *GCSStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	name := attachmentKey(g.prefix, submissionID, attachmentName)
	if err := g.writeObject(ctx, name, data); err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	return gcsLocationPrefix + name, nil
}

func (g *GCSStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	name, err := g.attachmentNameFromRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return r, nil
}
