package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/higherbar-ai/surveydata/storage"
)

// completionDateLayout is the timestamp format SurveyCTO uses for the
// CompletionDate field and for the date query parameter.
const completionDateLayout = "Jan 2, 2006 3:04:05 PM"

// SurveyCTOOptions configures a SurveyCTO connector.
type SurveyCTOOptions struct {
	// Server is the SurveyCTO server name ({server}.surveycto.com).
	Server string
	// FormID identifies the form to pull.
	FormID string
	// Username and Password authenticate API calls (basic auth).
	Username string
	Password string
	// PrivateKey holds the form decryption key, in PEM text, for
	// encrypted forms. Leave empty for unencrypted forms.
	PrivateKey string
	// BaseURL overrides the https://{server}.surveycto.com base.
	BaseURL string
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	// Schema, when set, validates each submission before it is stored.
	Schema *jsonschema.Schema
	Logger Logger
}

// SurveyCTOPlatform pulls submissions from a SurveyCTO server via its
// wide-JSON API.
type SurveyCTOPlatform struct {
	server     string
	formID     string
	username   string
	password   string
	privateKey string
	baseURL    string
	httpClient *http.Client
	schema     *jsonschema.Schema
	logger     Logger
}

// NewSurveyCTOPlatform returns a connector for one server and form.
func NewSurveyCTOPlatform(opts SurveyCTOOptions) *SurveyCTOPlatform {
	p := &SurveyCTOPlatform{
		server:     opts.Server,
		formID:     opts.FormID,
		username:   opts.Username,
		password:   opts.Password,
		privateKey: opts.PrivateKey,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		schema:     opts.Schema,
		logger:     opts.Logger,
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	if p.logger == nil {
		p.logger = nopLogger{}
	}
	return p
}

func (p *SurveyCTOPlatform) serverURL() string {
	if p.baseURL != "" {
		return p.baseURL
	}
	return "https://" + p.server + ".surveycto.com"
}

func (p *SurveyCTOPlatform) configured() bool {
	if p.formID == "" || p.username == "" || p.password == "" {
		return false
	}
	return p.server != "" || p.baseURL != ""
}

// attachmentPrefix is the URL prefix that marks a field value as a
// server-hosted attachment for this form.
func (p *SurveyCTOPlatform) attachmentPrefix(submissionID string) string {
	return fmt.Sprintf("%s/api/v2/forms/%s/submissions/%s/attachments/",
		p.serverURL(), p.formID, submissionID)
}

// SyncData pulls submissions completed at or after the stored cursor,
// transfers their attachments, and advances the cursor. Returns the IDs of
// submissions stored by this call.
func (p *SurveyCTOPlatform) SyncData(ctx context.Context, store storage.StorageSystem, opts SyncOptions) ([]string, error) {
	if !p.configured() {
		return nil, fmt.Errorf("%w: server, form ID, and credentials are required", ErrNotConfigured)
	}

	cursor, err := store.GetMetadata(ctx, CursorMetadataID)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	records, err := p.fetchSubmissions(ctx, cursor, opts.ReviewStatuses)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	attStore := resolveAttachmentStorage(store, opts)

	// Seed the candidate cursor from the last record in the batch, then
	// let any later timestamp seen during the scan replace it.
	newCursor, newCursorTime, err := completionDate(records[len(records)-1])
	if err != nil {
		return nil, err
	}

	var stored []string
	for _, record := range records {
		completed, completedAt, err := completionDate(record)
		if err != nil {
			return nil, err
		}
		if completedAt.After(newCursorTime) {
			newCursor, newCursorTime = completed, completedAt
		}

		id, _ := record[IDField].(string)
		if id == "" {
			return nil, fmt.Errorf("platform: submission missing %s field", IDField)
		}

		// The inclusive cursor query re-fetches submissions completed
		// exactly at the cursor; skip the ones already stored.
		if completed == cursor {
			present, err := store.QuerySubmission(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("query submission %s: %w", id, err)
			}
			if present {
				continue
			}
		}

		if attStore != nil {
			if err := p.transferAttachments(ctx, attStore, id, record); err != nil {
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
	p.logger.Printf("surveycto: synced %d submission(s) from form %s", len(stored), p.formID)
	return stored, nil
}

// fetchSubmissions queries the wide-JSON API for submissions completed at
// or after the cursor ("0" when unset). Encrypted forms post the private
// key as a multipart file.
func (p *SurveyCTOPlatform) fetchSubmissions(ctx context.Context, cursor string, reviewStatuses []string) ([]map[string]any, error) {
	query := url.Values{}
	if cursor == "" {
		query.Set("date", "0")
	} else {
		query.Set("date", cursor)
	}
	if len(reviewStatuses) > 0 {
		query.Set("r", strings.Join(reviewStatuses, "|"))
	}
	endpoint := fmt.Sprintf("%s/api/v2/forms/data/wide/json/%s?%s",
		p.serverURL(), p.formID, query.Encode())

	resp, err := p.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}
	return records, nil
}

// doRequest performs an authenticated GET, or a multipart POST carrying
// the private key when the form is encrypted.
func (p *SurveyCTOPlatform) doRequest(ctx context.Context, endpoint string) (*http.Response, error) {
	var req *http.Request
	var err error
	if p.privateKey != "" {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, ferr := writer.CreateFormFile("private_key", "private_key.pem")
		if ferr != nil {
			return nil, ferr
		}
		if _, ferr := io.WriteString(part, p.privateKey); ferr != nil {
			return nil, ferr
		}
		if ferr := writer.Close(); ferr != nil {
			return nil, ferr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
		if err == nil {
			req.Header.Set("Content-Type", writer.FormDataContentType())
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(p.username, p.password)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// transferAttachments downloads every attachment referenced by the record
// and rewrites each field from the server URL to the stored location.
func (p *SurveyCTOPlatform) transferAttachments(ctx context.Context, attStore storage.StorageSystem, submissionID string, record map[string]any) error {
	prefix := p.attachmentPrefix(submissionID)

	// Stable field order keeps transfer and logging deterministic.
	fields := make([]string, 0, len(record))
	for field := range record {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value, ok := record[field].(string)
		if !ok || !strings.HasPrefix(value, prefix) {
			continue
		}
		name := value[len(prefix):]

		resp, err := p.doRequest(ctx, value)
		if err != nil {
			return fmt.Errorf("fetch attachment %s for %s: %w", name, submissionID, err)
		}
		location, err := attStore.StoreAttachment(ctx, submissionID, name, resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("store attachment %s for %s: %w", name, submissionID, err)
		}
		record[field] = location
	}
	return nil
}

// completionDate extracts and parses the CompletionDate field.
func completionDate(record map[string]any) (string, time.Time, error) {
	raw, _ := record["CompletionDate"].(string)
	if raw == "" {
		return "", time.Time{}, fmt.Errorf("platform: submission missing CompletionDate field")
	}
	ts, err := time.Parse(completionDateLayout, raw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse CompletionDate %q: %w", raw, err)
	}
	return raw, ts, nil
}
