package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/hashicorp/go-retryablehttp"
)

type ClientConfig struct {
	// Host is the upstream API base URL, eg https://graph.example.com/v1.0/me/onenote
	Host  string
	Token string

	Limiter   *Limiter
	UserAgent string

	// Quota retry budget: attempts on 429, backoff doubling from Base and
	// capped at Max when the server provides no Retry-After hint.
	QuotaRetries     int
	QuotaBackoffBase time.Duration
	QuotaBackoffMax  time.Duration

	// Transient retry budget (network errors and 5xx), handled by the
	// underlying retryablehttp client.
	TransientRetries int

	Logger *slog.Logger
}

// HTTPClient implements Client against a Graph-style REST surface. Every
// request first acquires a slot from the shared limiter.
type HTTPClient struct {
	host    string
	token   string
	ua      string
	httpc   *http.Client
	limiter *Limiter
	logger  *slog.Logger

	quotaRetries int
	backoffBase  time.Duration
	backoffMax   time.Duration
}

type leveledSlog struct {
	inner *slog.Logger
}

// retries are expected, so client ERROR is rewritten to WARN
func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(msg, keysAndValues...)
}

func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("system", "fetch")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(DefaultLimiterConfig())
	}
	if cfg.QuotaRetries <= 0 {
		cfg.QuotaRetries = 5
	}
	if cfg.QuotaBackoffBase <= 0 {
		cfg.QuotaBackoffBase = 2 * time.Second
	}
	if cfg.QuotaBackoffMax <= 0 {
		cfg.QuotaBackoffMax = 60 * time.Second
	}
	if cfg.TransientRetries <= 0 {
		cfg.TransientRetries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "inkwell/0.1"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.TransientRetries
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger})
	// 429 is quota, not transience: it is handled above this client so the
	// quota budget, Retry-After hints, and limiter stats stay in one place.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	httpc := retryClient.StandardClient()
	httpc.Timeout = 60 * time.Second

	return &HTTPClient{
		host:         cfg.Host,
		token:        cfg.Token,
		ua:           cfg.UserAgent,
		httpc:        httpc,
		limiter:      cfg.Limiter,
		logger:       logger,
		quotaRetries: cfg.QuotaRetries,
		backoffBase:  cfg.QuotaBackoffBase,
		backoffMax:   cfg.QuotaBackoffMax,
	}
}

// Limiter exposes the shared limiter so callers can attribute wait/latency
// statistics to a sync run.
func (c *HTTPClient) Limiter() *Limiter {
	return c.limiter
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	d := c.backoffBase << uint(attempt)
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}

func retryAfterHint(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// do issues one logical GET, waiting on the limiter and retrying quota
// rejections with server-hinted or exponential backoff. The caller owns the
// response body.
func (c *HTTPClient) do(ctx context.Context, operation, url string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("User-Agent", c.ua)

		fetchRequests.WithLabelValues(operation).Inc()
		start := time.Now()
		resp, err := c.httpc.Do(req)
		if err != nil {
			fetchRequestErrors.WithLabelValues(operation).Inc()
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.limiter.RecordRateLimitHit()

			if attempt >= c.quotaRetries {
				fetchRequestErrors.WithLabelValues(operation).Inc()
				return nil, fmt.Errorf("%w: %d attempts on %s", ErrQuotaExhausted, attempt+1, operation)
			}

			delay, hinted := retryAfterHint(resp)
			if !hinted {
				delay = c.backoff(attempt)
			}
			c.logger.Warn("upstream quota rejection, backing off",
				"operation", operation, "attempt", attempt+1, "delay", delay, "hinted", hinted)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, ErrNotFound
		}
		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			fetchRequestErrors.WithLabelValues(operation).Inc()
			return nil, fmt.Errorf("%w: status %d on %s", ErrUpstream, resp.StatusCode, operation)
		}

		elapsed := time.Since(start)
		c.limiter.RecordLatency(elapsed)
		fetchRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
		return resp, nil
	}
}

// listEnvelope is the wire shape of enumeration responses; nextLink carries
// the pagination cursor when a collection spans multiple responses.
type listEnvelope struct {
	Value    json.RawMessage `json:"value"`
	NextLink string          `json:"nextLink"`
	OData    string          `json:"@odata.nextLink"`
}

func (e *listEnvelope) next() string {
	if e.NextLink != "" {
		return e.NextLink
	}
	return e.OData
}

// listAll follows pagination links, appending each response's value array
// via collect.
func (c *HTTPClient) listAll(ctx context.Context, operation, url string, collect func(raw json.RawMessage) error) error {
	for url != "" {
		resp, err := c.do(ctx, operation, url)
		if err != nil {
			return err
		}

		var env listEnvelope
		err = json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding %s response: %w", operation, err)
		}
		if err := collect(env.Value); err != nil {
			return err
		}
		url = env.next()
	}
	return nil
}

type notebookPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (c *HTTPClient) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	var out []Notebook
	err := c.listAll(ctx, "list_notebooks", c.host+"/notebooks", func(raw json.RawMessage) error {
		var payload []notebookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		for _, nb := range payload {
			out = append(out, Notebook{ID: nb.ID, DisplayName: nb.DisplayName})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type sectionPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func (c *HTTPClient) ListSections(ctx context.Context, notebookID string) ([]Section, error) {
	var out []Section
	url := fmt.Sprintf("%s/notebooks/%s/sections", c.host, notebookID)
	err := c.listAll(ctx, "list_sections", url, func(raw json.RawMessage) error {
		var payload []sectionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		for _, sec := range payload {
			out = append(out, Section{ID: sec.ID, NotebookID: notebookID, DisplayName: sec.DisplayName})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type pagePayload struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	CreatedBy            struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"createdBy"`
	Links struct {
		OneNoteWebURL struct {
			Href string `json:"href"`
		} `json:"oneNoteWebUrl"`
	} `json:"links"`
	ParentSection struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"parentSection"`
	ParentNotebook struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"parentNotebook"`
}

// upstream timestamps are nominally RFC3339 but have been observed in a few
// variant shapes; dateparse covers them
func parseUpstreamTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (p *pagePayload) meta() PageMeta {
	meta := PageMeta{
		ID:           p.ID,
		Title:        p.Title,
		Author:       p.CreatedBy.User.DisplayName,
		NotebookID:   p.ParentNotebook.ID,
		NotebookName: p.ParentNotebook.DisplayName,
		SectionID:    p.ParentSection.ID,
		SectionName:  p.ParentSection.DisplayName,
		WebURL:       p.Links.OneNoteWebURL.Href,
	}
	if t, ok := parseUpstreamTime(p.CreatedDateTime); ok {
		meta.CreatedAt = &t
	}
	if t, ok := parseUpstreamTime(p.LastModifiedDateTime); ok {
		meta.ModifiedAt = t
	}
	return meta
}

func (c *HTTPClient) ListPages(ctx context.Context, sectionID string) ([]PageMeta, error) {
	var out []PageMeta
	url := fmt.Sprintf("%s/sections/%s/pages", c.host, sectionID)
	err := c.listAll(ctx, "list_pages", url, func(raw json.RawMessage) error {
		var payload []pagePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		for i := range payload {
			meta := payload[i].meta()
			if meta.SectionID == "" {
				meta.SectionID = sectionID
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetPageContent(ctx context.Context, pageID string) (*PageContent, error) {
	url := fmt.Sprintf("%s/pages/%s/content", c.host, pageID)
	resp, err := c.do(ctx, "get_page_content", url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading page content: %w", err)
	}

	html := string(body)
	return &PageContent{
		HTML:      html,
		PlainText: ExtractText(html),
		Images:    ExtractImages(html),
	}, nil
}

func (c *HTTPClient) GetPageImage(ctx context.Context, resourceURL string) (*ImageData, error) {
	url := resourceURL
	if len(url) > 0 && url[0] == '/' {
		url = c.host + url
	}

	resp, err := c.do(ctx, "get_page_image", url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image bytes: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return &ImageData{Data: data, MimeType: mime}, nil
}
