package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// SubmissionUpdate describes one review-workflow change to push back to
// SurveyCTO. Zero-value fields are left unchanged on the server.
type SubmissionUpdate struct {
	// SubmissionID is the submission's unique ID (its KEY field).
	SubmissionID string
	// ReviewStatus is one of "none", "approved", or "rejected".
	ReviewStatus string
	// QualityClassification is one of "good", "okay", "poor", or "fake".
	QualityClassification string
	// Comment is an optional review comment.
	Comment string
}

type reviewStatus struct {
	code  string
	label string
}

var reviewStatuses = map[string]reviewStatus{
	"none":     {"NONE", "set to pending"},
	"approved": {"APPROVED", "approved"},
	"rejected": {"REJECTED", "rejected"},
}

var qualityClassifications = map[string]reviewStatus{
	"good": {"ct_good", "GOOD"},
	"okay": {"ct_okay", "OKAY"},
	"poor": {"ct_poor", "POOR"},
	"fake": {"ct_fake", "FAKE"},
}

// UpdateSubmissions pushes review-status changes, quality classifications,
// and comments to the server. The reviews API sits behind the interactive
// console, so this logs in with the configured credentials and a CSRF
// token rather than using basic auth.
func (p *SurveyCTOPlatform) UpdateSubmissions(ctx context.Context, updates []SubmissionUpdate) error {
	if !p.configured() {
		return fmt.Errorf("%w: server, form ID, and credentials are required", ErrNotConfigured)
	}
	if len(updates) == 0 {
		return nil
	}

	reviews := make([]map[string]any, 0, len(updates))
	now := time.Now().UnixMilli()
	for _, update := range updates {
		if update.SubmissionID == "" {
			return fmt.Errorf("platform: submission update missing submission ID")
		}
		review := map[string]any{"instanceId": update.SubmissionID}
		if update.ReviewStatus != "" {
			status, ok := reviewStatuses[strings.ToLower(update.ReviewStatus)]
			if !ok {
				return fmt.Errorf("platform: invalid review status %q", update.ReviewStatus)
			}
			review["statusUpdate"] = map[string]any{
				"status":  status.code,
				"comment": "Review " + status.label + ".",
			}
		}
		if update.QualityClassification != "" {
			class, ok := qualityClassifications[strings.ToLower(update.QualityClassification)]
			if !ok {
				return fmt.Errorf("platform: invalid quality classification %q", update.QualityClassification)
			}
			review["classTagUpdate"] = map[string]any{
				"classTag": class.code,
				"comment":  "Quality classified as " + class.label + ".",
			}
		}
		if update.Comment != "" {
			review["comments"] = []map[string]any{
				{"text": update.Comment, "type": "USER"},
			}
		}
		reviews = append(reviews, map[string]any{
			"xReview":        review,
			"lastReviewDate": now,
		})
	}

	client, token, err := p.loginSession(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(reviews)
	if err != nil {
		return fmt.Errorf("encode reviews: %w", err)
	}
	endpoint := fmt.Sprintf("%s/forms/%s/save-reviews", p.serverURL(), p.formID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-csrf-token", token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("save reviews: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	return nil
}

// loginSession authenticates against the interactive console: fetch a CSRF
// token, post the login form, and return a cookie-carrying client plus the
// refreshed token for follow-up calls.
func (p *SurveyCTOPlatform) loginSession(ctx context.Context) (*http.Client, string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{
		Transport: p.httpClient.Transport,
		Timeout:   p.httpClient.Timeout,
		Jar:       jar,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.serverURL()+"/index.html", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch csrf token: %w", err)
	}
	resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, "", err
	}
	token := resp.Header.Get("X-csrf-token")

	form := url.Values{}
	form.Set("username", p.username)
	form.Set("password", p.password)
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL()+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-csrf-token", token)

	resp, err = client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, "", err
	}
	if resp.Header.Get("login_failure") != "" {
		return nil, "", fmt.Errorf("platform: surveycto login failed for user %s", p.username)
	}
	if refreshed := resp.Header.Get("X-csrf-token"); refreshed != "" {
		token = refreshed
	}
	return client, token, nil
}
