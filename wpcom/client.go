// Package wpcom is a WordPress.com REST API client for reader streams and
// site blocking.
package wpcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robertmeta/reader-sync/logger"
	"github.com/robertmeta/reader-sync/model"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 5.0
	defaultBurst     = 5
	maxErrorBody     = 4 << 10
)

// ErrUnsupportedTopic is returned for topic kinds the API does not stream.
var ErrUnsupportedTopic = errors.New("topic kind not supported by wpcom")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wpcom API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wpcom API error (%d): %s", e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string `json:"-"`
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// Client talks to the WordPress.com REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a Client.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("wpcom base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid wpcom base URL: %w", err)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:        log.WithComponent("wpcom"),
	}, nil
}

type postsResponse struct {
	Found int    `json:"found"`
	Posts []post `json:"posts"`
}

type post struct {
	ID       int64     `json:"ID"`
	SiteID   int64     `json:"site_ID"`
	SiteName string    `json:"site_name"`
	GlobalID string    `json:"global_ID"`
	Title    string    `json:"title"`
	URL      string    `json:"URL"`
	Content  string    `json:"content"`
	Excerpt  string    `json:"excerpt"`
	Date     time.Time `json:"date"`

	Discover *struct {
		Permalink string `json:"permalink"`
		Featured  *struct {
			BlogID int64 `json:"blog_id"`
			PostID int64 `json:"post_id"`
		} `json:"featured_post_wpcom_data"`
	} `json:"discover_metadata"`
}

func (p post) toItem() *model.StreamItem {
	item := &model.StreamItem{
		GUID:     p.GlobalID,
		SiteID:   strconv.FormatInt(p.SiteID, 10),
		SiteName: p.SiteName,
		Title:    p.Title,
		Link:     p.URL,
		Content:  p.Content,
		SortDate: p.Date,
	}
	if item.GUID == "" {
		item.GUID = fmt.Sprintf("%d-%d", p.SiteID, p.ID)
	}
	if item.Content == "" {
		item.Content = p.Excerpt
	}
	if d := p.Discover; d != nil && d.Featured != nil {
		item.Attribution = &model.Attribution{
			SiteID: strconv.FormatInt(d.Featured.BlogID, 10),
			PostID: strconv.FormatInt(d.Featured.PostID, 10),
			URL:    d.Permalink,
		}
	}
	return item
}

// StreamPath returns the API path of a topic's post stream.
func StreamPath(topic model.Topic) (string, error) {
	switch topic.Kind {
	case model.TopicTag:
		return "/read/tags/" + url.PathEscape(topic.Slug) + "/posts", nil
	case model.TopicSite:
		return "/read/sites/" + url.PathEscape(topic.Slug) + "/posts", nil
	case model.TopicList:
		// List slugs are "owner/list".
		return "/read/list/" + topic.Slug + "/posts", nil
	default:
		return "", fmt.Errorf("%s: %w", topic.Key(), ErrUnsupportedTopic)
	}
}

// FetchItems returns up to limit posts of topic older than olderThan, newest
// first. A full page means more posts may exist.
func (c *Client) FetchItems(ctx context.Context, topic model.Topic, olderThan *time.Time, limit int) ([]*model.StreamItem, bool, error) {
	path, err := StreamPath(topic)
	if err != nil {
		return nil, false, err
	}

	query := url.Values{}
	query.Set("number", strconv.Itoa(limit))
	if olderThan != nil {
		query.Set("before", olderThan.UTC().Format(time.RFC3339))
	}

	var resp postsResponse
	if err := c.do(ctx, http.MethodGet, path, query, &resp); err != nil {
		return nil, false, err
	}

	items := make([]*model.StreamItem, 0, len(resp.Posts))
	for _, p := range resp.Posts {
		items = append(items, p.toItem())
	}
	hasMore := limit > 0 && len(resp.Posts) >= limit
	c.log.Debug("Fetched posts", "path", path, "count", len(items), "has_more", hasMore)
	return items, hasMore, nil
}

// SetSiteBlocked blocks or unblocks a site for the authenticated user.
func (c *Client) SetSiteBlocked(ctx context.Context, siteID string, blocked bool) error {
	action := "delete"
	if blocked {
		action = "new"
	}
	path := "/me/block/sites/" + url.PathEscape(siteID) + "/" + action

	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{StatusCode: http.StatusOK, Message: "block request was not applied"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Error != "" || payload.Message != "") {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
