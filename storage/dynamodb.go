package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// metadataValueAttr holds the value in metadata items, which share the
// table with submissions under reserved double-underscore IDs.
const metadataValueAttr = "Metadata"

// DynamoDBStorageOptions configures NewDynamoDBStorage.
//
// The table must already exist, keyed one of two ways: a fixed partition
// key named PartitionKeyName with IDFieldName as the sort key, or
// IDFieldName alone as the partition key.
type DynamoDBStorageOptions struct {
	Region            string
	TableName         string
	IDFieldName       string
	PartitionKeyName  string
	PartitionKeyValue string
	AccessKeyID       string
	SecretKey         string
	SessionToken      string
}

// DynamoDBStorage stores each submission as one DynamoDB item. Metadata is
// stored as faux items under reserved IDs; attachments are not supported.
type DynamoDBStorage struct {
	client *dynamodb.Client
	opts   DynamoDBStorageOptions
}

// NewDynamoDBStorage opens a DynamoDB-backed storage system.
func NewDynamoDBStorage(ctx context.Context, opts DynamoDBStorageOptions) (*DynamoDBStorage, error) {
	if strings.TrimSpace(opts.TableName) == "" || strings.TrimSpace(opts.IDFieldName) == "" {
		return nil, fmt.Errorf("%w: DynamoDB table name and ID field name are required", ErrInvalidInput)
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
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
	return &DynamoDBStorage{client: dynamodb.NewFromConfig(cfg), opts: opts}, nil
}

// primaryKey builds the table key for a submission or faux metadata item.
func (d *DynamoDBStorage) primaryKey(id string) map[string]ddbtypes.AttributeValue {
	key := map[string]ddbtypes.AttributeValue{
		d.opts.IDFieldName: &ddbtypes.AttributeValueMemberS{Value: id},
	}
	if d.opts.PartitionKeyName != "" {
		key[d.opts.PartitionKeyName] = &ddbtypes.AttributeValueMemberS{Value: d.opts.PartitionKeyValue}
	}
	return key
}

func (d *DynamoDBStorage) getItem(ctx context.Context, id string) (map[string]ddbtypes.AttributeValue, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.opts.TableName),
		Key:       d.primaryKey(id),
	})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

func (d *DynamoDBStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	item := d.primaryKey(metadataID)
	item[metadataValueAttr] = &ddbtypes.AttributeValueMemberS{Value: metadata}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.opts.TableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (d *DynamoDBStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	item, err := d.getItem(ctx, metadataID)
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	if item == nil {
		return "", nil
	}
	if v, ok := item[metadataValueAttr].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

func (d *DynamoDBStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.opts.TableName),
		ProjectionExpression:     aws.String("#id"),
		ExpressionAttributeNames: map[string]string{"#id": d.opts.IDFieldName},
	}
	var ids []string
	collect := func(items []map[string]ddbtypes.AttributeValue) {
		for _, item := range items {
			v, ok := item[d.opts.IDFieldName].(*ddbtypes.AttributeValueMemberS)
			if !ok {
				continue
			}
			// Faux metadata items share the table; skip reserved IDs.
			if validMetadataID(v.Value) {
				continue
			}
			ids = append(ids, v.Value)
		}
	}
	if d.opts.PartitionKeyName != "" {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(d.opts.TableName),
			KeyConditionExpression: aws.String("#pk = :pv"),
			ProjectionExpression:   aws.String("#id"),
			ExpressionAttributeNames: map[string]string{
				"#id": d.opts.IDFieldName,
				"#pk": d.opts.PartitionKeyName,
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":pv": &ddbtypes.AttributeValueMemberS{Value: d.opts.PartitionKeyValue},
			},
		}
		paginator := dynamodb.NewQueryPaginator(d.client, queryInput)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list submissions: %w", err)
			}
			collect(page.Items)
		}
	} else {
		paginator := dynamodb.NewScanPaginator(d.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list submissions: %w", err)
			}
			collect(page.Items)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *DynamoDBStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	item, err := d.getItem(ctx, submissionID)
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return item != nil, nil
}

func (d *DynamoDBStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	// The item's key attributes come from the configuration, not the
	// submission body.
	item[d.opts.IDFieldName] = &ddbtypes.AttributeValueMemberS{Value: submissionID}
	if d.opts.PartitionKeyName != "" {
		item[d.opts.PartitionKeyName] = &ddbtypes.AttributeValueMemberS{Value: d.opts.PartitionKeyValue}
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.opts.TableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (d *DynamoDBStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	item, err := d.getItem(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission %q: %w", submissionID, err)
	}
	if item == nil {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := attributevalue.UnmarshalMap(item, &data); err != nil {
		return nil, fmt.Errorf("decode submission %q: %w", submissionID, err)
	}
	return data, nil
}

func (d *DynamoDBStorage) AttachmentsSupported() bool { return false }

func (d *DynamoDBStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	return nil, fmt.Errorf("%w: DynamoDB storage does not support attachments", ErrNotImplemented)
}

func (d *DynamoDBStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	return false, fmt.Errorf("%w: DynamoDB storage does not support attachments", ErrNotImplemented)
}

func (d *DynamoDBStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	return "", fmt.Errorf("%w: DynamoDB storage does not support attachments", ErrNotImplemented)
}

func (d *DynamoDBStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: DynamoDB storage does not support attachments", ErrNotImplemented)
}
