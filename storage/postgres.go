package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

const (
	postgresLocationPrefix        = "pg:"
	postgresSubmissionsTableName  = "surveydata_submissions"
	postgresMetadataTableName     = "surveydata_metadata"
	postgresAttachmentsTableName  = "surveydata_attachments"
	postgresDefaultNamespaceValue = "default"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStorage stores submissions as JSONB rows, metadata as key/value
// rows, and attachments as BYTEA rows, all scoped by a namespace so several
// forms can share one database. Tables are created lazily on first use.
type PostgresStorage struct {
	dsn       string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStorage opens a PostgreSQL-backed storage system. namespace
// scopes this storage's rows; pass "" for the default namespace.
func NewPostgresStorage(dsn, namespace string) (*PostgresStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", ErrInvalidInput)
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = postgresDefaultNamespaceValue
	}
	return &PostgresStorage{
		dsn:       dsn,
		namespace: namespace,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresStorage) ensureReady(ctx context.Context) error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					namespace TEXT NOT NULL,
					submission_id TEXT NOT NULL,
					data JSONB NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (namespace, submission_id)
				)`, postgresQuoteIdentifier(postgresSubmissionsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					namespace TEXT NOT NULL,
					metadata_id TEXT NOT NULL,
					metadata TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (namespace, metadata_id)
				)`, postgresQuoteIdentifier(postgresMetadataTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					namespace TEXT NOT NULL,
					submission_id TEXT NOT NULL,
					attachment_name TEXT NOT NULL,
					data BYTEA NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (namespace, submission_id, attachment_name)
				)`, postgresQuoteIdentifier(postgresAttachmentsTableName)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

// Close releases the database connection, if one was opened.
func (p *PostgresStorage) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStorage) StoreMetadata(ctx context.Context, metadataID, metadata string) error {
	if err := checkMetadataID(metadataID); err != nil {
		return err
	}
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, metadata_id, metadata, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, metadata_id)
		DO UPDATE SET metadata = EXCLUDED.metadata, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresMetadataTableName))
	if _, err := p.db.ExecContext(ctx, query, p.namespace, metadataID, metadata); err != nil {
		return fmt.Errorf("store metadata %q: %w", metadataID, err)
	}
	return nil
}

func (p *PostgresStorage) GetMetadata(ctx context.Context, metadataID string) (string, error) {
	if err := checkMetadataID(metadataID); err != nil {
		return "", err
	}
	if err := p.ensureReady(ctx); err != nil {
		return "", err
	}
	query := fmt.Sprintf("SELECT metadata FROM %s WHERE namespace = $1 AND metadata_id = $2",
		postgresQuoteIdentifier(postgresMetadataTableName))
	var metadata string
	err := p.db.QueryRowContext(ctx, query, p.namespace, metadataID).Scan(&metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", metadataID, err)
	}
	return metadata, nil
}

func (p *PostgresStorage) ListSubmissions(ctx context.Context) ([]string, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT submission_id FROM %s WHERE namespace = $1 ORDER BY submission_id",
		postgresQuoteIdentifier(postgresSubmissionsTableName))
	rows, err := p.db.QueryContext(ctx, query, p.namespace)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list submissions: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return ids, nil
}

func (p *PostgresStorage) QuerySubmission(ctx context.Context, submissionID string) (bool, error) {
	if err := p.ensureReady(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE namespace = $1 AND submission_id = $2",
		postgresQuoteIdentifier(postgresSubmissionsTableName))
	var one int
	err := p.db.QueryRowContext(ctx, query, p.namespace, submissionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query submission %q: %w", submissionID, err)
	}
	return true, nil
}

func (p *PostgresStorage) StoreSubmission(ctx context.Context, submissionID string, data map[string]any) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode submission %q: %w", submissionID, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, submission_id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, submission_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresSubmissionsTableName))
	if _, err := p.db.ExecContext(ctx, query, p.namespace, submissionID, string(payload)); err != nil {
		return fmt.Errorf("store submission %q: %w", submissionID, err)
	}
	return nil
}

func (p *PostgresStorage) GetSubmission(ctx context.Context, submissionID string) (map[string]any, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT data FROM %s WHERE namespace = $1 AND submission_id = $2",
		postgresQuoteIdentifier(postgresSubmissionsTableName))
	var payload []byte
	err := p.db.QueryRowContext(ctx, query, p.namespace, submissionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %q: %w", submissionID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode submission %q: %w", submissionID, err)
	}
	return data, nil
}

func (p *PostgresStorage) AttachmentsSupported() bool { return true }

func (p *PostgresStorage) attachmentLocation(submissionID, attachmentName string) string {
	return postgresLocationPrefix + attachmentKey(p.namespace+"/", submissionID, attachmentName)
}

func (p *PostgresStorage) ListAttachments(ctx context.Context, submissionID string) ([]Attachment, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT submission_id, attachment_name FROM %s WHERE namespace = $1 ORDER BY submission_id, attachment_name",
		postgresQuoteIdentifier(postgresAttachmentsTableName))
	args := []any{p.namespace}
	if submissionID != "" {
		query = fmt.Sprintf(
			"SELECT submission_id, attachment_name FROM %s WHERE namespace = $1 AND submission_id = $2 ORDER BY attachment_name",
			postgresQuoteIdentifier(postgresAttachmentsTableName))
		args = append(args, submissionID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		out = append(out, Attachment{
			Name:           name,
			SubmissionID:   id,
			LocationString: p.attachmentLocation(id, name),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return out, nil
}

func (p *PostgresStorage) resolveRef(ref AttachmentRef) (submissionID, name string, err error) {
	if err := ref.validate(); err != nil {
		return "", "", err
	}
	if ref.Location == "" {
		return ref.SubmissionID, ref.Name, nil
	}
	rest, err := parseLocation(postgresLocationPrefix, ref.Location)
	if err != nil {
		return "", "", err
	}
	id, name, ok := attachmentFromKey(p.namespace+"/", rest)
	if !ok {
		return "", "", fmt.Errorf("%w: malformed postgres location %q", ErrInvalidInput, ref.Location)
	}
	return id, name, nil
}

func (p *PostgresStorage) QueryAttachment(ctx context.Context, ref AttachmentRef) (bool, error) {
	id, name, err := p.resolveRef(ref)
	if err != nil {
		return false, err
	}
	if err := p.ensureReady(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE namespace = $1 AND submission_id = $2 AND attachment_name = $3",
		postgresQuoteIdentifier(postgresAttachmentsTableName))
	var one int
	err = p.db.QueryRowContext(ctx, query, p.namespace, id, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query attachment: %w", err)
	}
	return true, nil
}

func (p *PostgresStorage) StoreAttachment(ctx context.Context, submissionID, attachmentName string, data io.Reader) (string, error) {
	if err := p.ensureReady(ctx); err != nil {
		return "", err
	}
	blob, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, submission_id, attachment_name, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (namespace, submission_id, attachment_name)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresAttachmentsTableName))
	if _, err := p.db.ExecContext(ctx, query, p.namespace, submissionID, attachmentName, blob); err != nil {
		return "", fmt.Errorf("store attachment %q for %q: %w", attachmentName, submissionID, err)
	}
	return p.attachmentLocation(submissionID, attachmentName), nil
}

func (p *PostgresStorage) GetAttachment(ctx context.Context, ref AttachmentRef) (io.ReadCloser, error) {
	id, name, err := p.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT data FROM %s WHERE namespace = $1 AND submission_id = $2 AND attachment_name = $3",
		postgresQuoteIdentifier(postgresAttachmentsTableName))
	var blob []byte
	err = p.db.QueryRowContext(ctx, query, p.namespace, id, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %q for submission %q not stored", name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
