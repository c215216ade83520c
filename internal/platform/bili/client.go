package bili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"biliwatch/internal/credential"
	"biliwatch/internal/logger"
)

const (
	// UserAgent is sent on every platform request, page fetches included.
	UserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	maxRedirects = 10
)

type Options struct {
	APIBaseURL string
	WWWBaseURL string
	Cred       *credential.Store
	Timeout    time.Duration
}

// Client talks to the promotion platform's HTTP API and fetches its
// promotion pages. API calls that change state carry the session cookie
// and the csrf token from the credential store.
type Client struct {
	apiBase string
	wwwBase string
	cred    *credential.Store
	http    *http.Client
	pages   *http.Client
	log     *logger.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiBase: strings.TrimRight(opts.APIBaseURL, "/"),
		wwwBase: strings.TrimRight(opts.WWWBaseURL, "/"),
		cred:    opts.Cred,
		http:    &http.Client{Timeout: timeout},
		pages: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		log: logger.New("BiliClient"),
	}
}

func (c *Client) WWWBase() string { return c.wwwBase }

func (c *Client) ActivityURL(sid string) string {
	return fmt.Sprintf("%s/blackboard/activity-%s.html", c.wwwBase, sid)
}

// WinList fetches the current winner-list snapshot for one promotion.
// No authentication required.
func (c *Client) WinList(ctx context.Context, sid string) (*Envelope, []WinItem, error) {
	env, err := c.getJSON(ctx, c.apiBase+"/x/lottery/x/win/list?sid="+url.QueryEscape(sid), false)
	if err != nil {
		return nil, nil, err
	}
	var items []WinItem
	if env.Code == CodeSuccess && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return nil, nil, fmt.Errorf("win list payload: %w", err)
		}
	}
	return env, items, nil
}

// MyTimes fetches the remaining draw allowance for one promotion.
func (c *Client) MyTimes(ctx context.Context, sid string) (*Envelope, *MyTimes, error) {
	cred, err := c.cred.Load()
	if err != nil {
		return nil, nil, err
	}
	u := fmt.Sprintf("%s/x/lottery/x/mytimes?csrf=%s&sid=%s", c.apiBase, url.QueryEscape(cred.CSRF), url.QueryEscape(sid))
	env, err := c.getJSON(ctx, u, true)
	if err != nil {
		return nil, nil, err
	}
	var times MyTimes
	if env.Code == CodeSuccess && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &times); err != nil {
			return nil, nil, fmt.Errorf("mytimes payload: %w", err)
		}
	}
	return env, &times, nil
}

// Do submits one draw request spending num units of allowance. vtoken is
// the per-page anti-replay token; an empty value is submitted as-is and
// may be rejected by the platform.
func (c *Client) Do(ctx context.Context, sid string, num int, vtoken string) (*Envelope, error) {
	cred, err := c.cred.Load()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"sid":         {sid},
		"num":         {strconv.Itoa(num)},
		"csrf":        {cred.CSRF},
		"gaia_vtoken": {vtoken},
	}
	return c.postForm(ctx, c.apiBase+"/x/lottery/x/do", form, cred.Cookie)
}

// SendPoints claims task-completion points for a resolved taskId/counter
// pair. The platform requires a fresh unix timestamp on every call.
func (c *Client) SendPoints(ctx context.Context, activity, business string) (*Envelope, error) {
	cred, err := c.cred.Load()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"activity":  {activity},
		"business":  {business},
		"csrf":      {cred.CSRF},
		"timestamp": {strconv.FormatInt(time.Now().Unix(), 10)},
	}
	return c.postForm(ctx, c.apiBase+"/x/activity/task/send_points", form, cred.Cookie)
}

// ActivityPage fetches the promotion's activity page with the session
// cookie attached; the anti-replay token is embedded in its markup.
func (c *Client) ActivityPage(ctx context.Context, sid string) (string, error) {
	cred, err := c.cred.Load()
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ActivityURL(sid), nil)
	if err != nil {
		return "", err
	}
	c.pageHeaders(req)
	req.Header.Set("Cookie", cred.Cookie)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("activity page: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FetchPage performs an unauthenticated GET with redirect following and
// returns the body together with the final resolved URL.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (body string, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	c.pageHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := c.pages.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	return string(b), resp.Request.URL.String(), nil
}

func (c *Client) pageHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Referer", c.wwwBase+"/")
}

func (c *Client) getJSON(ctx context.Context, u string, authed bool) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.pageHeaders(req)
	if authed {
		cred, err := c.cred.Load()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Cookie", cred.Cookie)
	}
	return c.doJSON(req)
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values, cookie string) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	c.pageHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookie)
	return c.doJSON(req)
}

func (c *Client) doJSON(req *http.Request) (*Envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return &env, nil
}
