package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/validator"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxRetryWait      = 2 * time.Minute
	maxBodyBytes      = 32 << 20
	minTLSVersion     = tls.VersionTLS12
	apiPrefix         = "/api/v2/"
	timeLayout        = "2006-01-02T15:04:05.000000Z07:00"
)

// API is the read side of the remote platform for one org. Listings are lazy:
// each page is requested only when iteration reaches it, and ranging over the
// same sequence again restarts from the first page.
type API interface {
	Contacts(ctx context.Context, q ContactQuery) iter.Seq2[*Contact, error]
	DeletedContacts(ctx context.Context, q ContactQuery) iter.Seq2[*DeletedContact, error]
	Groups(ctx context.Context) iter.Seq2[*Group, error]
	Boundaries(ctx context.Context) iter.Seq2[*Boundary, error]
	Flows(ctx context.Context) iter.Seq2[*Flow, error]
	Definitions(ctx context.Context, flowUUIDs []string) ([]*FlowDefinition, error)
	Runs(ctx context.Context, q RunQuery) iter.Seq2[*Run, error]
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL     string
	tokenSource func() oauth2.TokenSource
	httpClient  *http.Client
	limiter     *rate.Limiter
	validate    *validator.Validator
	maxRetries  int
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit throttles outgoing requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the timeout of a single page request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets how often a rate-limited request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithHTTPClient replaces the base transport. The token header is still added.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient = &http.Client{
			Timeout:   hc.Timeout,
			Transport: &oauth2.Transport{Source: c.tokenSource(), Base: base},
		}
	}
}

// NewClient creates a client for one org's API token.
func NewClient(baseURL, apiToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrRejected)
	}
	if apiToken == "" {
		return nil, fmt.Errorf("%w: API token is required", ErrAuth)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		validate:   validator.New(),
		maxRetries: defaultMaxRetries,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	c.tokenSource = staticToken(apiToken)

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c.httpClient = &http.Client{
		Timeout:   defaultTimeout,
		Transport: &oauth2.Transport{Source: c.tokenSource(), Base: transport},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Contacts lists contacts, optionally restricted to a group, a set of uuids,
// or a modification window.
func (c *Client) Contacts(ctx context.Context, q ContactQuery) iter.Seq2[*Contact, error] {
	params := contactParams(q)
	return paginate[Contact](ctx, c, "contacts.json", params)
}

// DeletedContacts lists contacts removed in the modification window.
func (c *Client) DeletedContacts(ctx context.Context, q ContactQuery) iter.Seq2[*DeletedContact, error] {
	params := contactParams(q)
	params.Set("deleted", "true")
	return paginate[DeletedContact](ctx, c, "contacts.json", params)
}

// Groups lists all contact groups of the org.
func (c *Client) Groups(ctx context.Context) iter.Seq2[*Group, error] {
	return paginate[Group](ctx, c, "groups.json", url.Values{})
}

// Boundaries lists all administrative boundaries with their geometry.
func (c *Client) Boundaries(ctx context.Context) iter.Seq2[*Boundary, error] {
	return paginate[Boundary](ctx, c, "boundaries.json", url.Values{"geometry": {"true"}})
}

// Flows lists all flows of the org.
func (c *Client) Flows(ctx context.Context) iter.Seq2[*Flow, error] {
	return paginate[Flow](ctx, c, "flows.json", url.Values{})
}

// Runs lists flow runs modified in the window.
func (c *Client) Runs(ctx context.Context, q RunQuery) iter.Seq2[*Run, error] {
	params := url.Values{}
	if q.ID != 0 {
		params.Set("id", strconv.FormatInt(q.ID, 10))
	}
	if q.Flow != "" {
		params.Set("flow", q.Flow)
	}
	setWindow(params, q.After, q.Before)
	return paginate[Run](ctx, c, "runs.json", params)
}

// Definitions exports the definitions of the given flows.
func (c *Client) Definitions(ctx context.Context, flowUUIDs []string) ([]*FlowDefinition, error) {
	if len(flowUUIDs) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, u := range flowUUIDs {
		params.Add("flow", u)
	}
	params.Set("dependencies", "none")

	var body struct {
		Flows []*FlowDefinition `json:"flows"`
	}
	if err := c.getJSON(ctx, c.endpoint("definitions.json", params), &body); err != nil {
		return nil, err
	}
	return body.Flows, nil
}

// page is the envelope of every listing endpoint.
type page struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// paginate walks a listing one page at a time. A record that fails to decode
// or validate is yielded as a *RecordError and iteration continues. Any other
// error is yielded once and ends the sequence.
func paginate[T any](ctx context.Context, c *Client, path string, params url.Values) iter.Seq2[*T, error] {
	first := c.endpoint(path, params)

	return func(yield func(*T, error) bool) {
		next := first
		for next != "" {
			var p page
			if err := c.getJSON(ctx, next, &p); err != nil {
				yield(nil, err)
				return
			}

			for _, raw := range p.Results {
				item := new(T)
				if err := json.Unmarshal(raw, item); err != nil {
					if !yield(nil, &RecordError{RemoteID: recordID(raw), Err: fmt.Errorf("%w: %w", ErrMalformed, err)}) {
						return
					}
					continue
				}
				if err := c.validate.Struct(item); err != nil {
					if !yield(nil, &RecordError{RemoteID: recordID(raw), Err: fmt.Errorf("%w: %w", ErrMalformed, err)}) {
						return
					}
					continue
				}
				if !yield(item, nil) {
					return
				}
			}

			next = ""
			if p.Next != nil && *p.Next != "" {
				if err := c.checkNext(*p.Next); err != nil {
					yield(nil, err)
					return
				}
				next = *p.Next
			}
		}
	}
}

// getJSON performs a throttled GET, retrying rate-limited responses, and
// decodes the body into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("%w: failed to create request: %w", ErrRejected, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.maxRetries {
			wait := retryAfter(resp, time.Second<<attempt, maxRetryWait)
			resp.Body.Close()
			logger.Debug().Str("url", redactURL(rawURL)).Dur("wait", wait).Msg("Remote rate limit hit, retrying")
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
			case <-time.After(wait):
			}
			continue
		}

		err = decodeResponse(resp, out)
		resp.Body.Close()
		return err
	}
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %w", ErrTransient, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		// A truncated page is indistinguishable from a dropped connection.
		return fmt.Errorf("%w: invalid page body: %w", ErrTransient, err)
	}
	return nil
}

// checkNext rejects continuation links that leave the API's scheme and host.
// Every request through httpClient carries the org's token.
func (c *Client) checkNext(rawURL string) error {
	next, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid next link: %w", ErrRejected, err)
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid base URL: %w", ErrRejected, err)
	}
	if !strings.EqualFold(next.Scheme, base.Scheme) || !strings.EqualFold(next.Host, base.Host) {
		return fmt.Errorf("%w: next link points to %s://%s, not %s", ErrRejected, next.Scheme, next.Host, base.Host)
	}
	return nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.baseURL + apiPrefix + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func contactParams(q ContactQuery) url.Values {
	params := url.Values{}
	if q.Group != "" {
		params.Set("group", q.Group)
	}
	for _, u := range q.UUIDs {
		params.Add("uuid", u)
	}
	setWindow(params, q.After, q.Before)
	return params
}

func setWindow(params url.Values, after, before *time.Time) {
	if after != nil {
		params.Set("after", after.UTC().Format(timeLayout))
	}
	if before != nil {
		params.Set("before", before.UTC().Format(timeLayout))
	}
}

// recordID extracts whichever identifier a raw record carries.
func recordID(raw json.RawMessage) string {
	var ids struct {
		UUID  string          `json:"uuid"`
		OsmID string          `json:"osm_id"`
		ID    json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ""
	}
	switch {
	case ids.UUID != "":
		return ids.UUID
	case ids.OsmID != "":
		return ids.OsmID
	case len(ids.ID) > 0 && string(ids.ID) != "null":
		return strings.Trim(string(ids.ID), `"`)
	}
	return ""
}

// redactURL drops the query string before logging.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}

func staticToken(apiToken string) func() oauth2.TokenSource {
	// The platform expects "Authorization: Token <key>".
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken, TokenType: "Token"})
	return func() oauth2.TokenSource { return src }
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}
