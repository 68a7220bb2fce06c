package transport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tokenSuccessMarker = "SUCCESS::调用成功"

// TokenClient fetches WebSocket access tokens from the signed token API.
// The session cookie must carry both `unb` (the account's user id) and
// `_m_h5_tk` (whose first segment is the signing seed).
type TokenClient struct {
	endpoint  string
	appKey    string
	cookie    string
	userAgent string
	http      *http.Client
}

// NewTokenClient creates a token client. Returns an error when the cookie
// is missing the required fields.
func NewTokenClient(endpoint, appKey, cookie, userAgent string) (*TokenClient, error) {
	c := &TokenClient{
		endpoint:  endpoint,
		appKey:    appKey,
		cookie:    cookie,
		userAgent: userAgent,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
	if c.UserID() == "" {
		return nil, fmt.Errorf("cookie is missing the unb field")
	}
	if c.tokenSeed() == "" {
		return nil, fmt.Errorf("cookie is missing the _m_h5_tk field")
	}
	return c, nil
}

// UserID returns the account user id from the cookie.
func (c *TokenClient) UserID() string {
	return cookieField(c.cookie, "unb")
}

// Cookie returns the raw session cookie for connection headers.
func (c *TokenClient) Cookie() string {
	return c.cookie
}

func (c *TokenClient) tokenSeed() string {
	tk := cookieField(c.cookie, "_m_h5_tk")
	if i := strings.Index(tk, "_"); i > 0 {
		return tk[:i]
	}
	return tk
}

// Sign computes md5(seed & timestamp & appKey & data) in hex.
func Sign(seed, timestamp, appKey, data string) string {
	sum := md5.Sum([]byte(seed + "&" + timestamp + "&" + appKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

// Fetch obtains a fresh access token.
func (c *TokenClient) Fetch(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{"appKey": c.appKey})
	if err != nil {
		return "", err
	}
	data := string(payload)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	params := url.Values{}
	params.Set("jsv", "2.7.2")
	params.Set("appKey", c.appKey)
	params.Set("t", ts)
	params.Set("sign", Sign(c.tokenSeed(), ts, c.appKey, data))
	params.Set("v", "1.0")
	params.Set("type", "originaljson")
	params.Set("api", "mtop.taobao.idlemessage.pc.login.token")

	form := url.Values{}
	form.Set("data", data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"?"+params.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", c.cookie)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Ret  []string `json:"ret"`
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token response is not JSON: %w", err)
	}

	success := false
	for _, r := range body.Ret {
		if strings.Contains(r, tokenSuccessMarker) {
			success = true
			break
		}
	}
	if !success {
		return "", fmt.Errorf("token API rejected the request: %v", body.Ret)
	}
	if body.Data.AccessToken == "" {
		return "", fmt.Errorf("token API returned an empty accessToken")
	}
	return body.Data.AccessToken, nil
}

func cookieField(cookie, name string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, name+"=") {
			return strings.TrimPrefix(part, name+"=")
		}
	}
	return ""
}
