// Package bitable talks to the destination service: capacity-bounded tables
// ("shards") holding typed fields and rows, behind a rate-limited JSON REST
// API.
package bitable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://open.feishu.cn"

	// MaxRecordsPerCall is the destination's hard cap on rows per bulk
	// insert. It is independent of any configured batch size.
	MaxRecordsPerCall = 500
)

// ErrBatchTooLarge is returned before any network I/O when a bulk insert
// exceeds MaxRecordsPerCall rows.
var ErrBatchTooLarge = errors.New("batch size cannot exceed 500 records")

// APIError is a non-zero service response code with its message.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Msg)
}

// Config holds the destination credentials and limits.
type Config struct {
	AppID     string
	AppSecret string
	AppToken  string
	// BaseURL overrides the service endpoint, mainly for tests.
	BaseURL string
	// MaxRequestsPerSecond caps outgoing API calls; the client blocks the
	// calling goroutine when the budget for the current window is spent.
	MaxRequestsPerSecond int
}

// Client is a destination API client. All calls pass through a shared rate
// limiter, so it is the only intentional suspension point besides network
// latency.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	cfg     Config
	limiter *rate.Limiter

	mu          sync.Mutex
	tenantToken string
	tokenExpiry time.Time
}

// NewClient builds a client from the given config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("missing destination credentials")
	}
	var rps = cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	var base = cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// envelope is the common response wrapper of every endpoint.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// makeRequest performs one rate-limited API call and decodes data into out
// when non-nil.
func (c *Client) makeRequest(ctx context.Context, method, urlStr string, rawBody, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request budget: %w", err)
	}

	rel, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("parsing request url: %w", err)
	}
	var apiURL = c.baseURL.ResolveReference(rel)

	var reqBody *bytes.Reader
	if rawBody != nil {
		body, err := json.Marshal(rawBody)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("creating http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token, err := c.tenantAccessToken(ctx, urlStr); err != nil {
		return err
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected http status: %d", resp.StatusCode)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

const tokenEndpoint = "/open-apis/auth/v3/tenant_access_token/internal"

// tenantAccessToken returns a cached tenant token, refreshing it when it is
// within a minute of expiry. The token request itself is unauthenticated.
func (c *Client) tenantAccessToken(ctx context.Context, urlStr string) (string, error) {
	if urlStr == tokenEndpoint {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenantToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.tenantToken, nil
	}

	var body = map[string]string{"app_id": c.cfg.AppID, "app_secret": c.cfg.AppSecret}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshalling token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(&url.URL{Path: tokenEndpoint}).String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting tenant token: %w", err)
	}
	defer resp.Body.Close()

	var tokenResp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tokenResp.Code != 0 {
		return "", &APIError{Code: tokenResp.Code, Msg: tokenResp.Msg}
	}

	c.tenantToken = tokenResp.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.Expire) * time.Second)
	log.Debug("refreshed tenant access token")
	return c.tenantToken, nil
}

func (c *Client) tablesPath(parts ...string) string {
	var p = fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables", c.cfg.AppToken)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// TableInfo identifies one destination table.
type TableInfo struct {
	TableID  string `json:"table_id"`
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

// CreateTable creates a new table with the given field schema and returns
// its destination-assigned id.
func (c *Client) CreateTable(ctx context.Context, name string, fields []Field) (string, error) {
	type fieldSpec struct {
		FieldName string    `json:"field_name"`
		Type      FieldType `json:"type"`
	}
	var specs []fieldSpec
	for _, f := range fields {
		specs = append(specs, fieldSpec{FieldName: f.Name, Type: f.Type})
	}
	var body = map[string]any{
		"table": map[string]any{
			"name":              name,
			"default_view_name": "Default View",
			"fields":            specs,
		},
	}

	var data struct {
		TableID string `json:"table_id"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, c.tablesPath(), body, &data); err != nil {
		return "", fmt.Errorf("creating table %q: %w", name, err)
	}
	log.WithFields(log.Fields{"name": name, "tableID": data.TableID}).Info("created table")
	return data.TableID, nil
}

// ListTables returns every table in the app, following pagination.
func (c *Client) ListTables(ctx context.Context) ([]TableInfo, error) {
	var tables []TableInfo
	var pageToken string
	for {
		var urlStr = c.tablesPath() + "?page_size=100"
		if pageToken != "" {
			urlStr += "&page_token=" + url.QueryEscape(pageToken)
		}
		var data struct {
			Items     []TableInfo `json:"items"`
			HasMore   bool        `json:"has_more"`
			PageToken string      `json:"page_token"`
		}
		if err := c.makeRequest(ctx, http.MethodGet, urlStr, nil, &data); err != nil {
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		tables = append(tables, data.Items...)
		if !data.HasMore {
			return tables, nil
		}
		pageToken = data.PageToken
	}
}

// ListFields returns the field schema of a table.
func (c *Client) ListFields(ctx context.Context, tableID string) ([]Field, error) {
	var data struct {
		Items []Field `json:"items"`
	}
	var urlStr = c.tablesPath(tableID, "fields") + "?page_size=100"
	if err := c.makeRequest(ctx, http.MethodGet, urlStr, nil, &data); err != nil {
		return nil, fmt.Errorf("listing fields of table %q: %w", tableID, err)
	}
	return data.Items, nil
}

// CreateField adds a single field to an existing table.
func (c *Client) CreateField(ctx context.Context, tableID string, field Field) error {
	var body = map[string]any{"field_name": field.Name, "type": field.Type}
	if err := c.makeRequest(ctx, http.MethodPost, c.tablesPath(tableID, "fields"), body, nil); err != nil {
		return fmt.Errorf("creating field %q in table %q: %w", field.Name, tableID, err)
	}
	log.WithFields(log.Fields{"tableID": tableID, "field": field.Name, "type": field.Type.String()}).Info("created field")
	return nil
}

// BatchCreateRecords inserts up to MaxRecordsPerCall rows into a table and
// returns the created record ids. Oversize batches are rejected before any
// network I/O.
func (c *Client) BatchCreateRecords(ctx context.Context, tableID string, records []map[string]any) ([]string, error) {
	if len(records) > MaxRecordsPerCall {
		return nil, ErrBatchTooLarge
	}

	type recordSpec struct {
		Fields map[string]any `json:"fields"`
	}
	var specs = make([]recordSpec, 0, len(records))
	for _, rec := range records {
		specs = append(specs, recordSpec{Fields: rec})
	}
	var body = map[string]any{"records": specs}

	var data struct {
		Records []struct {
			RecordID string `json:"record_id"`
		} `json:"records"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, c.tablesPath(tableID, "records", "batch_create"), body, &data); err != nil {
		return nil, fmt.Errorf("creating records in table %q: %w", tableID, err)
	}

	var ids = make([]string, 0, len(data.Records))
	for _, rec := range data.Records {
		ids = append(ids, rec.RecordID)
	}
	log.WithFields(log.Fields{"tableID": tableID, "records": len(ids)}).Info("created records")
	return ids, nil
}

// TableRowCount reports how many rows a table currently holds.
func (c *Client) TableRowCount(ctx context.Context, tableID string) (int, error) {
	var data struct {
		Total int `json:"total"`
	}
	var urlStr = c.tablesPath(tableID, "records") + "?page_size=1"
	if err := c.makeRequest(ctx, http.MethodGet, urlStr, nil, &data); err != nil {
		return 0, fmt.Errorf("counting rows of table %q: %w", tableID, err)
	}
	return data.Total, nil
}
