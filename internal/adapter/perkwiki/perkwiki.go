// Package perkwiki reads the current Dead by Daylight perk totals from the community wiki.
package perkwiki

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"github.com/pscheid92/trailblazer/internal/platform/version"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	PerksURL     = "https://deadbydaylight.fandom.com/wiki/Perks"
	fetchTimeout = 15 * time.Second
	maxPageBytes = 8 << 20
)

var headings = map[domain.PerkClassType]*regexp.Regexp{
	domain.PerkKiller:   regexp.MustCompile(`Killer Perks \((\d+)\)`),
	domain.PerkSurvivor: regexp.MustCompile(`Survivor Perks \((\d+)\)`),
}

// Client scrapes the Perks page. It is meant to sit behind redis.PerkCountCache.
type Client struct {
	url  string
	http *http.Client
	cb   *gobreaker.CircuitBreaker[int]
}

var _ domain.PerkCounter = (*Client)(nil)

func NewClient(cb *gobreaker.CircuitBreaker[int]) *Client {
	return &Client{
		url:  PerksURL,
		http: &http.Client{Timeout: fetchTimeout},
		cb:   cb,
	}
}

func (c *Client) TotalPerks(ctx context.Context, class domain.PerkClassType) (n int, err error) {
	ctx, span := telemetry.StartSpan(ctx, "perkwiki.total_perks", attribute.String("perk.class", string(class)))
	defer func() { telemetry.End(span, err) }()

	re, ok := headings[class]
	if !ok {
		return 0, fmt.Errorf("perk class %q: %w", class, domain.ErrPerkClassNotFound)
	}

	return c.cb.Execute(func() (int, error) {
		page, err := c.fetch(ctx)
		if err != nil {
			return 0, err
		}
		return parseCount(re, page)
	})
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build wiki request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch perks page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch perks page: unexpected status %d", resp.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read perks page: %w", err)
	}
	return page, nil
}

func parseCount(re *regexp.Regexp, page []byte) (int, error) {
	m := re.FindSubmatch(page)
	if m == nil {
		return 0, fmt.Errorf("perks page: no match for %s", re)
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("perks page: bad count %q", m[1])
	}
	return n, nil
}
