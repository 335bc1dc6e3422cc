package wpcom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robertmeta/reader-sync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second, RateLimit: 100, Burst: 10}, nil)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestClient_FetchItems(t *testing.T) {
	before := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/read/tags/travel/posts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("number"))
		assert.Equal(t, "2024-01-03T10:00:00Z", r.URL.Query().Get("before"))

		json.NewEncoder(w).Encode(map[string]any{
			"found": 10,
			"posts": []map[string]any{
				{
					"ID": 22, "site_ID": 7, "site_name": "Beta", "global_ID": "g22",
					"title": "Second", "URL": "https://beta.example.com/second",
					"content": "<p>Body</p>", "date": "2024-01-02T10:00:00+00:00",
				},
				{
					"ID": 11, "site_ID": 8, "title": "First", "URL": "https://gamma.example.com/first",
					"excerpt": "Excerpt", "date": "2024-01-01T10:00:00+00:00",
					"discover_metadata": map[string]any{
						"permalink":                "https://origin.example.com/post",
						"featured_post_wpcom_data": map[string]any{"blog_id": 99, "post_id": 5},
					},
				},
			},
		})
	})

	items, hasMore, err := c.FetchItems(context.Background(), model.Topic{Kind: model.TopicTag, Slug: "travel"}, &before, 2)
	require.NoError(t, err)
	assert.True(t, hasMore, "A full page may have more behind it")
	require.Len(t, items, 2)

	assert.Equal(t, "g22", items[0].GUID)
	assert.Equal(t, "7", items[0].SiteID)
	assert.Equal(t, "Beta", items[0].SiteName)
	assert.Equal(t, "<p>Body</p>", items[0].Content)
	assert.True(t, items[0].SortDate.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	assert.Nil(t, items[0].Attribution)

	assert.Equal(t, "8-11", items[1].GUID, "Missing global IDs fall back to site and post")
	assert.Equal(t, "Excerpt", items[1].Content)
	require.NotNil(t, items[1].Attribution)
	assert.Equal(t, "99", items[1].Attribution.SiteID)
	assert.Equal(t, "5", items[1].Attribution.PostID)
	assert.Equal(t, "https://origin.example.com/post", items[1].Attribution.URL)
}

func TestClient_FetchItems_ShortPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("before"))
		w.Write([]byte(`{"found":1,"posts":[{"ID":1,"site_ID":2,"date":"2024-01-01T00:00:00Z"}]}`))
	})

	items, hasMore, err := c.FetchItems(context.Background(), model.Topic{Kind: model.TopicSite, Slug: "12345"}, nil, 20)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, hasMore)
}

func TestClient_FetchItems_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"unauthorized","message":"User cannot view this stream"}`))
	})

	_, _, err := c.FetchItems(context.Background(), model.Topic{Kind: model.TopicTag, Slug: "travel"}, nil, 20)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "User cannot view this stream")
}

func TestClient_FetchItems_PlainTextError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, _, err := c.FetchItems(context.Background(), model.Topic{Kind: model.TopicTag, Slug: "travel"}, nil, 20)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.Empty(t, apiErr.Code)
}

func TestClient_FetchItems_UnsupportedTopic(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, _, err := c.FetchItems(context.Background(), model.Topic{Kind: model.TopicFeed, Slug: "x", URL: "https://x"}, nil, 20)
	assert.ErrorIs(t, err, ErrUnsupportedTopic)
}

func TestClient_SetSiteBlocked(t *testing.T) {
	tests := []struct {
		blocked  bool
		wantPath string
	}{
		{blocked: true, wantPath: "/me/block/sites/42/new"},
		{blocked: false, wantPath: "/me/block/sites/42/delete"},
	}

	for _, tt := range tests {
		t.Run(tt.wantPath, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, tt.wantPath, r.URL.Path)
				w.Write([]byte(`{"success":true}`))
			})
			require.NoError(t, c.SetSiteBlocked(context.Background(), "42", tt.blocked))
		})
	}
}

func TestClient_SetSiteBlocked_NotApplied(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	})

	err := c.SetSiteBlocked(context.Background(), "42", true)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestClient_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SetSiteBlocked(ctx, "42", true))
}

func TestStreamPath(t *testing.T) {
	tests := []struct {
		topic model.Topic
		want  string
	}{
		{model.Topic{Kind: model.TopicTag, Slug: "travel"}, "/read/tags/travel/posts"},
		{model.Topic{Kind: model.TopicSite, Slug: "12345"}, "/read/sites/12345/posts"},
		{model.Topic{Kind: model.TopicList, Slug: "alice/favorites"}, "/read/list/alice/favorites/posts"},
	}

	for _, tt := range tests {
		t.Run(tt.topic.Key(), func(t *testing.T) {
			got, err := StreamPath(tt.topic)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
