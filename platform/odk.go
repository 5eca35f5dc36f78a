package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/higherbar-ai/surveydata/storage"
)

// ODKOptions configures an ODK Central connector. Connection settings come
// from a pyodk-style config file, from the direct fields, or both (direct
// fields win).
type ODKOptions struct {
	// ConfigFile is a path to a TOML config file with a [central]
	// section.
	ConfigFile string
	// BaseURL, Username, and Password override the config file.
	BaseURL  string
	Username string
	Password string
	// ProjectID identifies the Central project; falls back to the
	// config file's default_project_id.
	ProjectID int
	// FormID identifies the form to pull.
	FormID string
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	// Schema, when set, validates each submission before it is stored.
	Schema *jsonschema.Schema
	Logger Logger
}

// ODKPlatform pulls submissions from an ODK Central server via its OData
// feed.
type ODKPlatform struct {
	client    *ODKClient
	projectID int
	formID    string
	schema    *jsonschema.Schema
	logger    Logger
}

// NewODKPlatform returns a connector for one project and form.
func NewODKPlatform(opts ODKOptions) (*ODKPlatform, error) {
	baseURL, username, password := opts.BaseURL, opts.Username, opts.Password
	projectID := opts.ProjectID
	if opts.ConfigFile != "" {
		cfg, err := LoadODKConfig(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		if baseURL == "" {
			baseURL = cfg.Central.BaseURL
		}
		if username == "" {
			username = cfg.Central.Username
		}
		if password == "" {
			password = cfg.Central.Password
		}
		if projectID == 0 {
			projectID = cfg.Central.DefaultProjectID
		}
	}
	p := &ODKPlatform{
		client:    NewODKClient(baseURL, username, password, opts.HTTPClient),
		projectID: projectID,
		formID:    opts.FormID,
		schema:    opts.Schema,
		logger:    opts.Logger,
	}
	if p.logger == nil {
		p.logger = nopLogger{}
	}
	return p, nil
}

func (p *ODKPlatform) configured() bool {
	return p.client.configured() && p.projectID != 0 && p.formID != ""
}

// SyncData pulls submissions created or updated at or after the stored
// cursor, transfers their attachments, and advances the cursor. Returns
// the IDs of submissions stored by this call.
func (p *ODKPlatform) SyncData(ctx context.Context, store storage.StorageSystem, opts SyncOptions) ([]string, error) {
	if !p.configured() {
		return nil, fmt.Errorf("%w: server, project ID, form ID, and credentials are required", ErrNotConfigured)
	}

	cursor, err := store.GetMetadata(ctx, CursorMetadataID)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	records, err := p.fetchSubmissions(ctx, cursor, opts.IncludeRejected)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	attStore := resolveAttachmentStorage(store, opts)

	newCursor, newCursorTime, err := lastTouched(records[len(records)-1])
	if err != nil {
		return nil, err
	}

	var stored []string
	for _, record := range records {
		touched, touchedAt, err := lastTouched(record)
		if err != nil {
			return nil, err
		}
		if touchedAt.After(newCursorTime) {
			newCursor, newCursorTime = touched, touchedAt
		}

		id, _ := record[IDField].(string)
		if id == "" {
			return nil, fmt.Errorf("platform: submission missing %s field", IDField)
		}

		// The inclusive cursor filter re-fetches submissions touched
		// exactly at the cursor; skip the ones already stored.
		if touched == cursor {
			present, err := store.QuerySubmission(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("query submission %s: %w", id, err)
			}
			if present {
				continue
			}
		}

		if attStore != nil && attachmentsPresent(record) {
			if err := p.transferAttachments(ctx, attStore, id); err != nil {
				return nil, err
			}
		}

		if p.schema != nil {
			if err := p.schema.Validate(record); err != nil {
				return nil, fmt.Errorf("submission %s failed validation: %w", id, err)
			}
		}

		if err := store.StoreSubmission(ctx, id, record); err != nil {
			return nil, fmt.Errorf("store submission %s: %w", id, err)
		}
		stored = append(stored, id)
	}

	if newCursor != cursor {
		if err := writeCursor(ctx, store, newCursor); err != nil {
			return nil, err
		}
	}
	p.logger.Printf("odk: synced %d submission(s) from form %s", len(stored), p.formID)
	return stored, nil
}

// fetchSubmissions queries the OData Submissions feed with repeat groups
// expanded, returning flattened records keyed by "/"-joined paths.
func (p *ODKPlatform) fetchSubmissions(ctx context.Context, cursor string, includeRejected bool) ([]map[string]any, error) {
	var clauses []string
	if cursor != "" {
		clauses = append(clauses, fmt.Sprintf(
			"(__system/updatedAt ge %s or __system/submissionDate ge %s)", cursor, cursor))
	}
	if !includeRejected {
		clauses = append(clauses, "__system/reviewState ne 'rejected'")
	}

	query := url.Values{}
	query.Set("$expand", "*")
	if len(clauses) > 0 {
		query.Set("$filter", strings.Join(clauses, " and "))
	}
	path := fmt.Sprintf("projects/%d/forms/%s.svc/Submissions?%s",
		p.projectID, url.PathEscape(p.formID), query.Encode())

	var feed struct {
		Value []map[string]any `json:"value"`
	}
	if err := p.client.getJSON(ctx, path, &feed); err != nil {
		return nil, err
	}

	records := make([]map[string]any, 0, len(feed.Value))
	for _, raw := range feed.Value {
		records = append(records, normalizeODKRecord(raw))
	}
	return records, nil
}

// normalizeODKRecord flattens a raw OData entity into "/"-joined keys,
// renames __id to the common ID field, and drops the OData bookkeeping
// columns (navigation links and the per-group __id fields beneath them).
func normalizeODKRecord(raw map[string]any) map[string]any {
	flat := make(map[string]any)
	flattenJSON("", raw, flat)

	if id, ok := flat["__id"]; ok {
		delete(flat, "__id")
		flat[IDField] = id
	}

	var groups []string
	for key := range flat {
		if group, ok := strings.CutSuffix(key, "@odata.navigationLink"); ok {
			groups = append(groups, group)
			delete(flat, key)
		}
	}
	for _, group := range groups {
		for key := range flat {
			if strings.HasPrefix(key, group+"/") && strings.HasSuffix(key, "/__id") {
				delete(flat, key)
			}
		}
	}
	return flat
}

// flattenJSON joins nested object keys with "/" and enumerates array
// elements by index.
func flattenJSON(prefix string, value any, out map[string]any) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			joined := key
			if prefix != "" {
				joined = prefix + "/" + key
			}
			flattenJSON(joined, child, out)
		}
	case []any:
		for i, child := range v {
			joined := strconv.Itoa(i)
			if prefix != "" {
				joined = prefix + "/" + joined
			}
			flattenJSON(joined, child, out)
		}
	default:
		out[prefix] = value
	}
}

// lastTouched returns the submission's last-modified timestamp: updatedAt
// when set, submissionDate otherwise.
func lastTouched(record map[string]any) (string, time.Time, error) {
	raw, _ := record["__system/updatedAt"].(string)
	if raw == "" {
		raw, _ = record["__system/submissionDate"].(string)
	}
	if raw == "" {
		return "", time.Time{}, fmt.Errorf("platform: submission missing __system timestamps")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse submission timestamp %q: %w", raw, err)
	}
	return raw, ts, nil
}

// attachmentsPresent reports whether the server holds attachments for the
// record.
func attachmentsPresent(record map[string]any) bool {
	count, ok := record["__system/attachmentsPresent"].(float64)
	return ok && count > 0
}

// transferAttachments lists the submission's attachments and streams each
// uploaded one into storage. Expected attachments that were never uploaded
// are skipped.
func (p *ODKPlatform) transferAttachments(ctx context.Context, attStore storage.StorageSystem, submissionID string) error {
	listPath := fmt.Sprintf("projects/%d/forms/%s/submissions/%s/attachments",
		p.projectID, url.PathEscape(p.formID), url.PathEscape(submissionID))

	var listing []struct {
		Name   string `json:"name"`
		Exists bool   `json:"exists"`
	}
	if err := p.client.getJSON(ctx, listPath, &listing); err != nil {
		return fmt.Errorf("list attachments for %s: %w", submissionID, err)
	}

	for _, att := range listing {
		if !att.Exists {
			continue
		}
		resp, err := p.client.get(ctx, listPath+"/"+url.PathEscape(att.Name))
		if err != nil {
			return fmt.Errorf("fetch attachment %s for %s: %w", att.Name, submissionID, err)
		}
		_, err = attStore.StoreAttachment(ctx, submissionID, att.Name, resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("store attachment %s for %s: %w", att.Name, submissionID, err)
		}
	}
	return nil
}
