// Package cico provides the HTTP client for the CICO grid API.
//
// # Client Architecture
//
// The Client wraps Go's standard net/http.Client and provides:
//
//   - Authentication: Delegates to the [Authenticator] interface for session management.
//   - Error classification: Maps remote responses onto the typed error taxonomy
//     (AuthError, PermissionError, ValidationError, RemoteError).
//   - Optional rate limiter: Proactive client-side rate limiting via golang.org/x/time/rate.
//
// # Request Model
//
// Each read or write performs exactly one network request — no retries and
// no local caching. Failures of every class propagate to the caller, which
// owns any retry policy. A write followed immediately by a read of the same
// record therefore always reflects the updated value.
//
// # URL Construction
//
// All data operations go through a single endpoint:
//
//	{BaseURL}{DataPath}?collname=...&reportname=...[&oper=edit]
//
// Reads and writes POST jqGrid-style form bodies; the report definition is
// fetched with a GET against the reports meta-collection. See GetReport,
// Rows, and SetFields for the exact request shapes.
//
// # Thread Safety
//
// The Client is safe for concurrent use. The underlying http.Client handles
// connection pooling, and the Authenticator ensures thread-safe session access.
package cico

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rsmoorthy/cicogrid/internal/config"
	"github.com/rsmoorthy/cicogrid/internal/observability"
)

// reportsCollection is the meta-collection holding grid definitions.
const reportsCollection = "reports"

// Client provides methods to interact with the CICO grid API.
// All methods are safe for concurrent use.
type Client interface {
	// GetReport resolves a grid by name into a Report carrying its
	// configured condition, column projection, and backing collection.
	GetReport(ctx context.Context, name string) (*Report, error)

	// Rows returns the rows matching the report's configured condition
	// narrowed by the extra filter. Extra can be nil to read everything the
	// grid's configuration (and the caller's role) permits. The report is
	// never mutated.
	Rows(ctx context.Context, report *Report, extra Filter) ([]Record, error)

	// SetFields updates the given fields of one record. Only fields marked
	// Inline Editable in the grid configuration are accepted by the remote
	// service; rejections surface as PermissionError or ValidationError.
	SetFields(ctx context.Context, report *Report, recordID string, fields Record) error

	// Close releases any resources held by the client.
	Close()
}

// httpClient is the concrete implementation of the Client interface.
type httpClient struct {
	baseURL  string
	dataPath string
	auth     Authenticator
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	pageSize int
}

// ClientOption is a functional option for configuring the HTTP client.
type ClientOption func(*httpClient)

// WithRateLimiter sets a client-side rate limiter.
func WithRateLimiter(rps float64) ClientOption {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps)))
		}
	}
}

// WithPageSize overrides the maximum number of rows a single Rows call requests.
func WithPageSize(n int) ClientOption {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a new CICO HTTP client.
//
// The client uses the provided Authenticator for all requests. The caller is
// responsible for calling Close() on both the client and the authenticator
// when they are no longer needed.
func NewClient(cfg config.CICOConfig, auth Authenticator, logger *slog.Logger, opts ...ClientOption) Client {
	c := &httpClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		dataPath: cfg.DataPath,
		auth:     auth,
		logger:   logger.With("component", "cico-client"),
		pageSize: cfg.PageSize,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close releases resources. Currently a no-op but included for interface
// compliance and future extensibility.
func (c *httpClient) Close() {}

// GetReport fetches a grid definition from the reports meta-collection:
//
//	GET {baseURL}{dataPath}?collname=reports&condition={"name":"<grid>"}&rows=1
//
// The returned row's filterRules, gridColNames, and db fields are translated
// into a Report for use with Rows and SetFields.
func (c *httpClient) GetReport(ctx context.Context, name string) (*Report, error) {
	condition, err := json.Marshal(Filter{"name": name})
	if err != nil {
		return nil, fmt.Errorf("marshaling report condition: %w", err)
	}

	params := url.Values{}
	params.Set("collname", reportsCollection)
	params.Set("condition", string(condition))
	params.Set("rows", "1")

	reqURL := c.baseURL + c.dataPath + "?" + params.Encode()

	c.logger.Debug("fetching report definition", "grid", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating report request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Rows []reportRow `json:"rows"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing report response: %w (body: %.200s)", err, string(body))
	}
	if len(resp.Rows) == 0 {
		return nil, fmt.Errorf("grid %q not found", name)
	}

	return buildReport(name, resp.Rows[0])
}

// Rows queries the grid's backing collection:
//
//	POST {baseURL}{dataPath}?collname=<db>&reportname=<grid>
//	Body: jqGrid form (rows, page, sidx, sord, ...) with JSON-encoded
//	      condition, fields, and context values.
//
// The response JSON has the structure: {"rows": [{...}, {...}, ...]}
func (c *httpClient) Rows(ctx context.Context, report *Report, extra Filter) ([]Record, error) {
	if report == nil {
		return nil, fmt.Errorf("report must not be nil; use GetReport to resolve the grid first")
	}

	form, err := c.buildRowsForm(report, extra)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching rows",
		"grid", report.Name,
		"extra_filter", extra,
	)

	req, err := c.newDataRequest(ctx, report, "", form)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp rowsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing rows response: %w (body: %.200s)", err, string(body))
	}

	return resp.Rows, nil
}

// SetFields updates one record through the grid's edit operation:
//
//	POST {baseURL}{dataPath}?collname=<db>&reportname=<grid>&oper=edit
//	Body: context, keyfields=["_id"], _id, fieldnames, plus one form
//	      field per updated column.
//
// The response is {"status":"ok"} on success. A non-ok status is classified
// into PermissionError or ValidationError based on the remote message; the
// remote service never applies a partial update.
func (c *httpClient) SetFields(ctx context.Context, report *Report, recordID string, fields Record) error {
	if report == nil {
		return fmt.Errorf("report must not be nil; use GetReport to resolve the grid first")
	}
	if recordID == "" {
		return fmt.Errorf("record id must not be empty")
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to set")
	}

	form, err := buildEditForm(report, recordID, fields)
	if err != nil {
		return err
	}

	c.logger.Debug("setting fields",
		"grid", report.Name,
		"record_id", recordID,
		"fields", fieldNames(fields),
	)

	req, err := c.newDataRequest(ctx, report, "edit", form)
	if err != nil {
		return err
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing edit response: %w (body: %.200s)", err, string(body))
	}
	if resp.Status != "ok" {
		return classifyEditError(resp.Status, resp.Message)
	}
	return nil
}

// newDataRequest builds a POST against the data endpoint for the given
// report. A non-empty oper is added as the oper query parameter.
func (c *httpClient) newDataRequest(ctx context.Context, report *Report, oper string, form url.Values) (*http.Request, error) {
	params := url.Values{}
	params.Set("collname", report.Collection)
	params.Set("reportname", report.Name)
	if oper != "" {
		params.Set("oper", oper)
	}

	reqURL := c.baseURL + c.dataPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating data request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// buildRowsForm assembles the jqGrid-style form body for a read. The extra
// filter is overlaid on a copy of the report's condition so the report stays
// reusable across calls.
func (c *httpClient) buildRowsForm(report *Report, extra Filter) (url.Values, error) {
	condition, err := json.Marshal(mergeConditions(report.Condition, extra))
	if err != nil {
		return nil, fmt.Errorf("marshaling condition: %w", err)
	}
	fields, err := json.Marshal(report.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling fields: %w", err)
	}
	contextJSON, err := json.Marshal(report.Context)
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}

	form := url.Values{}
	form.Set("rows", strconv.Itoa(c.pageSize))
	form.Set("page", "1")
	form.Set("sidx", "_id")
	form.Set("sord", "asc")
	form.Set("_search", "false")
	form.Set("splice", "none")
	form.Set("hook", "")
	form.Set("hookArgs", "")
	form.Set("condition", string(condition))
	form.Set("fields", string(fields))
	form.Set("context", string(contextJSON))
	return form, nil
}

// buildEditForm assembles the form body for a field update. Field names are
// sorted so identical updates produce identical requests.
func buildEditForm(report *Report, recordID string, fields Record) (url.Values, error) {
	contextJSON, err := json.Marshal(report.Context)
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}
	keyfields, err := json.Marshal([]string{"_id"})
	if err != nil {
		return nil, fmt.Errorf("marshaling keyfields: %w", err)
	}
	names := fieldNames(fields)
	fieldnames, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("marshaling fieldnames: %w", err)
	}

	form := url.Values{}
	form.Set("context", string(contextJSON))
	form.Set("keyfields", string(keyfields))
	form.Set("_id", recordID)
	form.Set("fieldnames", string(fieldnames))
	for _, name := range names {
		form.Set(name, formatValue(fields[name]))
	}
	return form, nil
}

// fieldNames returns the sorted field names of a record.
func fieldNames(fields Record) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// formatValue renders a field value as the form string CICO expects.
// Values are loosely typed on the wire; dates use the grid's configured
// format (dd-mm-yyyy hh:mm:ss for check-in times) and are passed through
// as strings by the caller.
func formatValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// do executes a single HTTP request against the data endpoint:
//
//  1. Wait for the rate limiter (if configured).
//  2. Attach the current session cookie.
//  3. Send the request and read the body.
//  4. Classify non-success responses into the error taxonomy.
//
// There is deliberately no retry loop — every Client operation maps to
// exactly one network request.
func (c *httpClient) do(req *http.Request) ([]byte, error) {
	ctx := req.Context()
	method := req.Method
	endpoint := req.URL.Path

	if err := ctx.Err(); err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "context_canceled").Inc()
		return nil, fmt.Errorf("request cancelled: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			observability.Metrics.APIErrorsTotal.WithLabelValues(method, "rate_limited").Inc()
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	sessionID, err := c.auth.SessionID(ctx)
	if err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "auth").Inc()
		return nil, fmt.Errorf("getting session: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})

	requestStart := time.Now()
	resp, err := c.http.Do(req)
	observability.Metrics.APIRequestsTotal.WithLabelValues(method, endpoint).Inc()
	observability.Metrics.APILatency.WithLabelValues(method, endpoint).Observe(time.Since(requestStart).Seconds())
	if err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "network").Inc()
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "read").Inc()
		return nil, fmt.Errorf("reading response body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		return nil, classifyHTTPError(resp.StatusCode, body)
	}

	// The PHP application answers an expired session with the login page
	// (HTTP 200, HTML body) rather than a 401.
	if looksLikeHTML(body) {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "session_expired").Inc()
		return nil, &AuthError{Reason: "received login page instead of JSON (session expired)"}
	}

	return body, nil
}
