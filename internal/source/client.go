// Package source implements the source-network collaborator: fetching
// profiles and new posts over the network's JSON API, with an HTML profile
// fallback scraped via Colly. Its own contract covers rate limiting toward
// the source; the pipeline only sees pass/fail outcomes.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// Config controls Client behavior.
type Config struct {
	BaseURL        string
	RequestsPerSec float64
	Timeout        time.Duration
	UserAgent      string
}

// Client implements relay.SourceClient.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	baseURL   string
	userAgent string
	logger    *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

type profileDoc struct {
	Handle         string `json:"screen_name"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Protected      bool   `json:"protected"`
	FollowersCount int    `json:"followers_count"`
}

type postDoc struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// FetchUser resolves a handle into a profile, falling back to scraping the
// public profile page when the JSON endpoint is unavailable.
func (c *Client) FetchUser(ctx context.Context, handle string) (relay.Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return relay.Profile{}, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := c.baseURL + "/api/users/show.json?screen_name=" + url.QueryEscape(handle)
	var doc profileDoc
	err := c.getJSON(ctx, endpoint, &doc)
	if err == nil {
		return relay.Profile{
			Handle:        doc.Handle,
			DisplayName:   doc.Name,
			Description:   doc.Description,
			Protected:     doc.Protected,
			FollowerCount: doc.FollowersCount,
		}, nil
	}
	c.logger.Debug("profile endpoint failed, scraping page",
		zap.String("handle", handle),
		zap.Error(err),
	)
	return c.scrapeProfile(ctx, handle)
}

// FetchNewPosts returns the account's posts newer than its watermark,
// oldest first.
func (c *Client) FetchNewPosts(ctx context.Context, account relay.SourceAccount) ([]relay.Post, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := c.baseURL + "/api/statuses/user_timeline.json?screen_name=" + url.QueryEscape(account.Handle)
	if account.LastPostID > relay.NeverSynced {
		endpoint += "&since_id=" + strconv.FormatInt(account.LastPostID, 10)
	}
	var docs []postDoc
	if err := c.getJSON(ctx, endpoint, &docs); err != nil {
		return nil, err
	}

	posts := make([]relay.Post, 0, len(docs))
	for _, doc := range docs {
		if doc.ID <= account.LastPostID {
			continue
		}
		post := relay.Post{
			ID:       doc.ID,
			AuthorID: account.ID,
			Author:   account.Handle,
			Text:     doc.Text,
			URL:      c.baseURL + "/" + account.Handle + "/status/" + strconv.FormatInt(doc.ID, 10),
		}
		if t, err := time.Parse(time.RubyDate, doc.CreatedAt); err == nil {
			post.PublishedAt = t
		}
		posts = append(posts, post)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// scrapeProfile extracts a minimal profile from the public HTML page.
func (c *Client) scrapeProfile(ctx context.Context, handle string) (relay.Profile, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.SetClient(c.http)
	if c.userAgent != "" {
		collector.UserAgent = c.userAgent
	}

	profile := relay.Profile{Handle: handle}
	found := false
	collector.OnHTML(`meta[property="og:title"]`, func(e *colly.HTMLElement) {
		profile.DisplayName = e.Attr("content")
		found = true
	})
	collector.OnHTML(`meta[property="og:description"]`, func(e *colly.HTMLElement) {
		profile.Description = e.Attr("content")
	})

	if err := ctx.Err(); err != nil {
		return relay.Profile{}, err
	}
	if err := collector.Visit(c.baseURL + "/" + url.PathEscape(handle)); err != nil {
		return relay.Profile{}, fmt.Errorf("scrape profile %s: %w", handle, err)
	}
	collector.Wait()
	if !found {
		return relay.Profile{}, fmt.Errorf("profile %s not found", handle)
	}
	return profile, nil
}
