package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

const azureLocationPrefix = "abs:"

// AzureBlobStorageOptions configures NewAzureBlobStorage. Either
// ConnectionString or ServiceURL must be set; with ServiceURL alone the
// default Azure credential chain is used.
type AzureBlobStorageOptions struct {
	ConnectionString string
	ServiceURL       string
	ContainerName    string
	BlobNamePrefix   string
}

// AzureBlobStorage stores submissions and attachments as Azure block blobs
// under a blob-name prefix, using the shared key codec.
type AzureBlobStorage struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBlobStorage opens an Azure Blob backed storage system. The
// container must already exist.
func NewAzureBlobStorage(opts AzureBlobStorageOptions) (*AzureBlobStorage, error) {
	if strings.TrimSpace(opts.ContainerName) == "" {
		return nil, fmt.Errorf("%w: Azure container name is required", ErrInvalidInput)
	}
	var client *azblob.Client
	var err error
	switch {
	case opts.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	case opts.ServiceURL != "":
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(opts.ServiceURL, cred, nil)
		}
	default:
		return nil, fmt.Errorf("%w: an Azure connection string or service URL is required", ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("open Azure Blob client: %w", err)
	}
	return &AzureBlobStorage{
		client:    client,
		container: opts.ContainerName,
		prefix:    opts.BlobNamePrefix,
	}, nil
}

func (a *AzureBlobStorage) upload(ctx context.Context, name string, data io.Reader) error {
	_, err := a.client.UploadStream(ctx, a.container, name, data, nil)
	return err
}

func (a *AzureBlobStorage) download(ctx context.Context, name string) ([]byte, bool, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (a *AzureBlobStorage) blobExists(ctx context.Context, name string) (bool, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name)
	_, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *AzureBlobStorage) listNames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

func (a *AzureBlobStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	if err := a.upload(ctx, metadataKey(a.prefix, metadataID), strings.NewReader(metadata)); err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (a *AzureBlobStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	raw, ok, err := a.download(ctx, metadataKey(a.prefix, metadataID))
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	if !ok {
		return "", nil
	}
	return string(raw), nil
}

func (a *AzureBlobStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	names, err := a.listNames(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	depth := strings.Count(a.prefix, "/")
	var ids []string
	for _, name := range names {
		if strings.Count(name, "/") != depth {
			continue
		}
		if id, ok := submissionIDFromKey(a.prefix, name); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *AzureBlobStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	ok, err := a.blobExists(ctx, submissionKey(a.prefix, submissionID))
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return ok, nil
}

func (a *AzureBlobStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	if err := a.upload(ctx, submissionKey(a.prefix, submissionID), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (a *AzureBlobStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	raw, ok, err := a.download(ctx, submissionKey(a.prefix, submissionID))
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

func (a *AzureBlobStorage) AttachmentsSupported() bool { return true }

func (a *AzureBlobStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	listPrefix := a.prefix
	if submissionID != "" {
		listPrefix = attachmentKey(a.prefix, submissionID, "")
	}
	names, err := a.listNames(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	depth := strings.Count(a.prefix, "/") + 1
	var out []Attachment
	for _, name := range names {
		if strings.Count(name, "/") != depth {
			continue
		}
		id, attName, ok := attachmentFromKey(a.prefix, name)
		if !ok {
			continue
		}
		out = append(out, Attachment{
			Name:           attName,
			SubmissionID:   id,
			LocationString: azureLocationPrefix + name,
		})
	}
	return out, nil
}

func (a *AzureBlobStorage) attachmentNameFromRef(ref AttachmentRef) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if ref.Location != "" {
		return parseLocation(azureLocationPrefix, ref.Location)
	}
	return attachmentKey(a.prefix, ref.SubmissionID, ref.Name), nil
}

func (a *AzureBlobStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	name, err := a.attachmentNameFromRef(ref)
	if err != nil {
		return false, err
	}
	ok, err := a.blobExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return ok, nil
}

func (a *AzureBlobStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	name := attachmentKey(a.prefix, submissionID, attachmentName)
	if err := a.upload(ctx, name, data); err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	return azureLocationPrefix + name, nil
}

func (a *AzureBlobStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	name, err := a.attachmentNameFromRef(ref)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return resp.Body, nil
}
