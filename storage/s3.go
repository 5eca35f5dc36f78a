package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const s3LocationPrefix = "s3:"

// S3StorageOptions configures NewS3Storage. Credentials are optional; when
// absent the default AWS config chain (env, shared config, instance role)
// is used.
type S3StorageOptions struct {
	BucketName    string
	KeyNamePrefix string
	Region        string
	AccessKeyID   string
	SecretKey     string
	SessionToken  string
}

// S3Storage stores submissions and attachments as S3 objects under a key
// prefix, using the shared key codec.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Storage opens an S3-backed storage system. The bucket must already
// exist.
func NewS3Storage(ctx context.Context, opts S3StorageOptions) (*S3Storage, error) {
	if strings.TrimSpace(opts.BucketName) == "" {
		return nil, fmt.Errorf("%w: S3 bucket name is required", ErrInvalidInput)
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretKey, opts.SessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.BucketName,
		prefix:   opts.KeyNamePrefix,
	}, nil
}

// isS3NotFound matches the error shapes S3 uses for absent objects.
func isS3NotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func (s *S3Storage) putObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (s *S3Storage) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *S3Storage) headObject(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Storage) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Storage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	if err := s.putObject(ctx, metadataKey(s.prefix, metadataID), []byte(metadata)); err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (s *S3Storage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	raw, ok, err := s.getObject(ctx, metadataKey(s.prefix, metadataID))
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (s *S3Storage) ListSubmissions(ctx context.Context) ([]string, error) {
	keys, err := s.listKeys(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	// Attachments live one level deeper, so only same-depth .json keys
	// count as submissions.
	depth := strings.Count(s.prefix, "/")
	var ids []string
	for _, key := range keys {
		if strings.Count(key, "/") != depth {
			continue
		}
		if id, ok := submissionIDFromKey(s.prefix, key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *S3Storage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	ok, err := s.headObject(ctx, submissionKey(s.prefix, submissionID))
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return ok, nil
}

func (s *S3Storage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	if err := s.putObject(ctx, submissionKey(s.prefix, submissionID), raw); err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (s *S3Storage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	raw, ok, err := s.getObject(ctx, submissionKey(s.prefix, submissionID))
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

func (s *S3Storage) AttachmentsSupported() bool { return true }

func (s *S3Storage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	listPrefix := s.prefix
	if submissionID != "" {
		listPrefix = attachmentKey(s.prefix, submissionID, "")
	}
	keys, err := s.listKeys(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	depth := strings.Count(s.prefix, "/") + 1
	var out []Attachment
	for _, key := range keys {
		if strings.Count(key, "/") != depth {
			continue
		}
		id, name, ok := attachmentFromKey(s.prefix, key)
		if !ok {
			continue
		}
		out = append(out, Attachment{
			Name:           name,
			SubmissionID:   id,
			LocationString: s3LocationPrefix + key,
		})
	}
	return out, nil
}

func (s *S3Storage) attachmentKeyFromRef(ref AttachmentRef) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if ref.Location != "" {
		return parseLocation(s3LocationPrefix, ref.Location)
	}
	return attachmentKey(s.prefix, ref.SubmissionID, ref.Name), nil
}

func (s *S3Storage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	key, err := s.attachmentKeyFromRef(ref)
	if err != nil {
		return false, err
	}
	ok, err := s.headObject(ctx, key)
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return ok, nil
}

func (s *S3Storage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	key := attachmentKey(s.prefix, submissionID, attachmentName)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	return s3LocationPrefix + key, nil
}

func (s *S3Storage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	key, err := s.attachmentKeyFromRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return out.Body, nil
}
