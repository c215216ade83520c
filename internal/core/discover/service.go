// Package discover crawls a seed page and collects links that look
// like promotion pages, so they can be turned into tasks without
// hand-copying URLs.
package discover

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"biliwatch/internal/core/resolve"
	"biliwatch/internal/logger"

	"github.com/gocolly/colly"
)

type Service struct {
	log       *logger.Logger
	userAgent string
}

func New(userAgent string) *Service {
	return &Service{log: logger.New("DiscoverService"), userAgent: userAgent}
}

type Request struct {
	URL   string `json:"url" form:"url"`
	Depth int    `json:"depth" form:"depth"`
	Limit int    `json:"limit" form:"limit"`
}

type Result struct {
	Links []string `json:"links"`
}

// Discover visits the seed page and returns every supported promotion
// link found within it, deduplicated, up to req.Limit.
func (s *Service) Discover(req Request) (*Result, error) {
	seed, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || seed.Scheme == "" || seed.Host == "" {
		return nil, fmt.Errorf("invalid seed url %q", req.URL)
	}

	s.log.LogDebugf("discover start url=%s depth=%d limit=%d", req.URL, req.Depth, req.Limit)
	links := make(map[string]struct{})
	var mu sync.Mutex

	c := colly.NewCollector(colly.MaxDepth(max(1, req.Depth)), colly.Async(true))
	c.UserAgent = s.userAgent

	c.OnRequest(func(r *colly.Request) {
		mu.Lock()
		reached := req.Limit > 0 && len(links) >= req.Limit
		mu.Unlock()
		if reached {
			r.Abort()
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := normalize(e.Request.AbsoluteURL(e.Attr("href")))
		if link == "" {
			return
		}
		if resolve.SupportedLink(link) {
			mu.Lock()
			if req.Limit <= 0 || len(links) < req.Limit {
				links[link] = struct{}{}
			}
			mu.Unlock()
			return
		}
		// Only keep crawling within the seed's own host.
		if e.Request.Depth < max(1, req.Depth) && sameHost(link, seed.Host) {
			_ = e.Request.Visit(link)
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		s.log.LogWarnf("discover fetch error %s %d: %v", r.Request.URL, r.StatusCode, err)
	})

	c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: 4, RandomDelay: 250 * time.Millisecond})

	if err := c.Visit(seed.String()); err != nil {
		return nil, fmt.Errorf("visit: %w", err)
	}
	c.Wait()

	out := make([]string, 0, len(links))
	for l := range links {
		out = append(out, l)
	}
	s.log.LogInfof("discover done url=%s found=%d", req.URL, len(out))
	return &Result{Links: out}, nil
}

func normalize(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func sameHost(link, host string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
