// Package client is the transport half of the reconciliation engine: it issues
// the bulk history fetch, the current-state poll, and the three writes (save,
// focus, delete) against a review API and returns parsed results. Retry policy
// is the caller's concern.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewd/internal/review"
)

// Options configures a Client. Organization and ContentType scope every call;
// they are opaque to the engine.
type Options struct {
	BaseURL      string
	Organization string
	ContentType  string
	Token        string
	HTTPClient   *http.Client
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	organization string
	contentType  string
	token        string
	instanceID   string
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		organization: opts.Organization,
		contentType:  opts.ContentType,
		token:        opts.Token,
		instanceID:   uuid.NewString(),
	}
}

// SetToken replaces the session token, e.g. after Login.
func (c *Client) SetToken(token string) { c.token = token }

// ContentType returns the session's content-type scope.
func (c *Client) ContentType() string { return c.contentType }

// Login exchanges a reviewer name for a session token.
func (c *Client) Login(ctx context.Context, name string) (string, error) {
	form := url.Values{"name": {name}}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/login/"+c.organization+"/", form)
	if err != nil {
		return "", &FetchError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{Op: "login", Status: resp.StatusCode}
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &FetchError{Op: "login", Err: err}
	}
	return body.Token, nil
}

// FetchHistory bulk-loads decisions and note history for a set of records.
// The response arrays are intended to be aligned with ids, but callers must
// re-key by the pk embedded in each entry: the upstream store's ordering is
// unspecified for records with no prior data.
func (c *Client) FetchHistory(ctx context.Context, ids []review.RecordID, subjectKeys []string) (review.History, error) {
	pks := make([]string, len(ids))
	for i, id := range ids {
		pks[i] = string(id)
	}
	query := url.Values{
		"logs": {"1"},
		"type": {c.contentType},
		"pks":  {strings.Join(pks, ",")},
	}
	if hasAny(subjectKeys) {
		query.Set("subjects", strings.Join(subjectKeys, ","))
	}
	endpoint := c.baseURL + "/history/" + c.organization + "/?" + query.Encode()

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return review.History{}, &FetchError{Op: "history", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return review.History{}, &FetchError{Op: "history", Status: resp.StatusCode}
	}
	var history review.History
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return review.History{}, &FetchError{Op: "history", Err: err}
	}
	return history, nil
}

// PollCurrent fetches the organization-wide snapshot of latest decisions and
// focus marks. The server does not filter by recency; the reconciler does.
func (c *Client) PollCurrent(ctx context.Context) (review.PollSnapshot, error) {
	endpoint := c.baseURL + "/current/" + c.organization + "/"
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return review.PollSnapshot{}, &FetchError{Op: "current", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return review.PollSnapshot{}, &FetchError{Op: "current", Status: resp.StatusCode}
	}
	var snapshot review.PollSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return review.PollSnapshot{}, &FetchError{Op: "current", Err: err}
	}
	return snapshot, nil
}

// SaveResult carries the server-assigned identifiers from a save.
type SaveResult struct {
	NoteID int64
}

// SaveReview writes decisions and an optional note for one record. The
// decisions string is the encoded "field:value;field:value" form.
func (c *Client) SaveReview(ctx context.Context, pk review.RecordID, decisions, note, subjectKey string) (SaveResult, error) {
	form := url.Values{
		"content_type": {c.contentType},
		"pk":           {string(pk)},
		"decisions":    {decisions},
	}
	if note != "" {
		form.Set("log", note)
	}
	if subjectKey != "" {
		form.Set("subject", subjectKey)
	}
	endpoint := c.baseURL + "/" + c.organization + "/" + c.contentType + "/" + string(pk) + "/"

	resp, err := c.do(ctx, http.MethodPost, endpoint, form)
	if err != nil {
		return SaveResult{}, &SaveError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SaveResult{}, &SaveError{Status: resp.StatusCode}
	}
	var body struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SaveResult{}, &SaveError{Err: err}
	}
	return SaveResult{NoteID: body.ID}, nil
}

// MarkFocus tells the server this session is attending a record.
func (c *Client) MarkFocus(ctx context.Context, pk review.RecordID) error {
	endpoint := c.baseURL + "/focus/" + c.organization + "/" + c.contentType + "/" + string(pk) + "/"
	resp, err := c.do(ctx, http.MethodPost, endpoint, url.Values{})
	if err != nil {
		return &FetchError{Op: "focus", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &FetchError{Op: "focus", Status: resp.StatusCode}
	}
	return nil
}

// DeleteNote commits a pending note deletion on the server.
func (c *Client) DeleteNote(ctx context.Context, pk review.RecordID, noteID int64) error {
	endpoint := c.baseURL + "/" + c.organization + "/" + c.contentType + "/" + string(pk) + "/" + strconv.FormatInt(noteID, 10) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return &DeleteError{Err: err}
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeleteError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DeleteError{Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.setHeaders(req)
	return c.httpClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Reviewer-Instance", c.instanceID)
}

func hasAny(values []string) bool {
	for _, value := range values {
		if value != "" {
			return true
		}
	}
	return false
}
