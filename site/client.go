// Package site is the HTTP face of the contest platform: plain page
// fetches, the fixed login form-post recipe, contest participation, and
// on-demand contest metadata. It holds the session cookie jar; everything
// that needs an authenticated session goes through one Client.
package site

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/omc-mirror/omctrans/locator"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// Metadata is the read-only contest descriptor fetched on demand and never
// cached.
type Metadata struct {
	ContestID   string `json:"contest_id"`
	DurationMin int    `json:"duration_min"`
}

// Client is an HTTP client bound to one contest platform instance.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

// New builds a Client with a fresh cookie jar. The jar is what carries the
// authenticated session after Login.
func New(baseURL string, log *zap.SugaredLogger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		log: log,
	}, nil
}

// BaseURL returns the platform root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches a URL and returns the body. Non-2xx statuses are errors.
func (c *Client) Get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body of %s: %w", rawURL, err)
	}
	return string(body), nil
}

// Document fetches a URL and parses it with goquery.
func (c *Client) Document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := locator.ParseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", rawURL, err)
	}
	return doc, nil
}

// postForm submits form values and returns the response document plus the
// final URL after redirects.
func (c *Client) postForm(ctx context.Context, action string, values url.Values) (*goquery.Document, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to post %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("POST %s: status %d", action, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse response of %s: %w", action, err)
	}
	return doc, resp.Request.URL.String(), nil
}

// Login performs the fixed login recipe: fetch the login page, scrape the
// CSRF token, post credentials, and verify the redirect left the login
// page. The session lives in the client's cookie jar afterwards.
func (c *Client) Login(ctx context.Context, username, password string) error {
	loginURL := c.baseURL + "/login"
	doc, err := c.Document(ctx, loginURL)
	if err != nil {
		return fmt.Errorf("failed to load login page: %w", err)
	}

	token, ok := doc.Find(`input[name="_token"]`).First().Attr("value")
	if !ok || token == "" {
		return fmt.Errorf("login page has no CSRF token")
	}

	values := url.Values{
		"_token":       {token},
		"display_name": {username},
		"password":     {password},
	}
	_, finalURL, err := c.postForm(ctx, loginURL, values)
	if err != nil {
		return err
	}
	if strings.HasSuffix(strings.TrimRight(finalURL, "/"), "/login") {
		return fmt.Errorf("login rejected for user %s", username)
	}

	c.log.Infow("logged in", "user", username)
	return nil
}

// Participate registers the logged-in user for a contest by replaying its
// join form's hidden inputs. Returns false when the page has no join form
// (already joined, or registration closed) — not an error.
func (c *Client) Participate(ctx context.Context, contestID string) (bool, error) {
	contestURL := c.baseURL + "/contests/" + strings.ToLower(contestID)
	doc, err := c.Document(ctx, contestURL)
	if err != nil {
		return false, err
	}

	form := doc.Find("form#join_form").First()
	if form.Length() == 0 {
		return false, nil
	}

	action, _ := form.Attr("action")
	action = c.resolve(action)
	values := url.Values{}
	form.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := in.Attr("value")
		values.Set(name, value)
	})

	_, finalURL, err := c.postForm(ctx, action, values)
	if err != nil {
		return false, err
	}

	joined := strings.HasSuffix(strings.TrimRight(finalURL, "/"), "/contests/"+strings.ToLower(contestID))
	return joined, nil
}

// ContestMetadata fetches a contest page and extracts its duration.
func (c *Client) ContestMetadata(ctx context.Context, contestID string) (Metadata, error) {
	doc, err := c.Document(ctx, c.baseURL+"/contests/"+contestID)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ContestID:   contestID,
		DurationMin: locator.ContestDuration(doc),
	}, nil
}

// resolve turns a possibly-relative form action into an absolute URL.
func (c *Client) resolve(action string) string {
	if action == "" {
		return c.baseURL
	}
	u, err := url.Parse(action)
	if err != nil {
		return c.baseURL
	}
	if u.IsAbs() {
		return action
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return action
	}
	return base.ResolveReference(u).String()
}
