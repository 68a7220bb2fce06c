// Package browser is a thin client for the browser-control HTTP API the DOM
// transport and the doctor command drive. All endpoints live under a
// per-profile prefix.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one browser-control profile.
type Client struct {
	baseURL string
	profile string
	http    *http.Client
}

// NewClient creates a browser-control client for the given profile.
func NewClient(baseURL, profile string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		profile: profile,
		http:    &http.Client{Timeout: timeout},
	}
}

// Action is one scripted DOM interaction for the /act endpoint.
type Action struct {
	Action   string `json:"action"` // click, fill, press, eval
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Script   string `json:"script,omitempty"`
}

// Cookie mirrors the control API's cookie shape.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Start launches the profile's browser instance.
func (c *Client) Start(ctx context.Context) error {
	return c.post(ctx, "/start", nil, nil)
}

// OpenTab opens a new tab at the given URL and returns its id.
func (c *Client) OpenTab(ctx context.Context, url string) (string, error) {
	var out struct {
		TabID string `json:"tab_id"`
	}
	err := c.post(ctx, "/tabs/open", map[string]string{"url": url}, &out)
	return out.TabID, err
}

// FocusTab brings a tab to the foreground.
func (c *Client) FocusTab(ctx context.Context, tabID string) error {
	return c.post(ctx, "/tabs/focus", map[string]string{"tab_id": tabID}, nil)
}

// CloseTab closes a tab.
func (c *Client) CloseTab(ctx context.Context, tabID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("/tabs/"+tabID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Navigate loads a URL in the focused tab.
func (c *Client) Navigate(ctx context.Context, url string) error {
	return c.post(ctx, "/navigate", map[string]string{"url": url}, nil)
}

// Act performs one DOM action and returns the raw result payload. For eval
// actions the payload carries the script's return value under "result".
func (c *Client) Act(ctx context.Context, action Action) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, "/act", action, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns the accessibility snapshot of the focused tab.
func (c *Client) Snapshot(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, "/snapshot", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Screenshot returns a PNG of the focused tab.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/screenshot"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser control returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Cookies returns the profile's cookies.
func (c *Client) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := c.get(ctx, "/cookies", &out)
	return out, err
}

// SetCookies installs cookies into the profile.
func (c *Client) SetCookies(ctx context.Context, cookies []Cookie) error {
	return c.post(ctx, "/cookies/set", cookies, nil)
}

// ClearCookies clears all cookies in the profile.
func (c *Client) ClearCookies(ctx context.Context) error {
	return c.post(ctx, "/cookies/clear", nil, nil)
}

// HookFileChooser arms the file-chooser hook with a file path.
func (c *Client) HookFileChooser(ctx context.Context, path string) error {
	return c.post(ctx, "/hooks/file-chooser", map[string]string{"path": path}, nil)
}

// HookDialog arms the dialog hook with an accept/dismiss choice.
func (c *Client) HookDialog(ctx context.Context, accept bool) error {
	return c.post(ctx, "/hooks/dialog", map[string]bool{"accept": accept}, nil)
}

// Ping reports whether the control API answers for this profile.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.get(ctx, "/snapshot", &out)
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + c.profile + path
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("browser control request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("browser control %s returned HTTP %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
