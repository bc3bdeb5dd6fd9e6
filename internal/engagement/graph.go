package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/headline-goat/creative-goat/internal/logging"
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultGraphVersion = "v18.0"

	postFields  = "likes.summary(true).limit(0),comments.summary(true).limit(0),shares"
	reachMetric = "post_impressions_unique"
)

// GraphConfig configures the Graph API gateway.
type GraphConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Version     string        `yaml:"version" env:"VERSION"`
	AccessToken string        `yaml:"access_token" env:"ACCESS_TOKEN"`
	RateLimit   float64       `yaml:"rate_limit" env:"RATE_LIMIT"` // requests per second, 0 disables limiting
	Burst       int           `yaml:"burst" env:"BURST"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Weights     Weights       `yaml:"weights" env:"WEIGHTS"`
}

func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		BaseURL:   DefaultGraphBaseURL,
		Version:   DefaultGraphVersion,
		RateLimit: 5,
		Burst:     5,
		Timeout:   15 * time.Second,
		Weights:   DefaultWeights(),
	}
}

// GraphGateway reads post engagement from the Facebook Graph API.
type GraphGateway struct {
	cfg     GraphConfig
	client  *http.Client
	limiter *rate.Limiter
	scorer  Scorer
	logger  *zap.Logger
	now     func() time.Time
}

type GraphOption func(*GraphGateway)

func WithHTTPClient(c *http.Client) GraphOption {
	return func(g *GraphGateway) { g.client = c }
}

func WithGraphLogger(l *zap.Logger) GraphOption {
	return func(g *GraphGateway) { g.logger = logging.Component(l, "graph_gateway") }
}

func WithGraphClock(now func() time.Time) GraphOption {
	return func(g *GraphGateway) { g.now = now }
}

func NewGraphGateway(cfg GraphConfig, opts ...GraphOption) (*GraphGateway, error) {
	scorer, err := NewScorer(cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("invalid score weights: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultGraphVersion
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	g := &GraphGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		scorer:  scorer,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type graphSummary struct {
	Summary struct {
		TotalCount int64 `json:"total_count"`
	} `json:"summary"`
}

type graphPost struct {
	ID       string       `json:"id"`
	Likes    graphSummary `json:"likes"`
	Comments graphSummary `json:"comments"`
	Shares   struct {
		Count int64 `json:"count"`
	} `json:"shares"`
}

type graphInsights struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int64 `json:"value"`
		} `json:"values"`
	} `json:"data"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Fetch returns the counters of one post. Reach comes from the insights edge;
// pages without insights permission report reach 0 instead of failing.
func (g *GraphGateway) Fetch(ctx context.Context, ref string) (Metrics, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Metrics{}, fmt.Errorf("%w: empty published reference", ErrMetricsUnavailable)
	}

	var post graphPost
	if err := g.get(ctx, ref, url.Values{"fields": {postFields}}, &post); err != nil {
		return Metrics{}, err
	}

	counts := Counts{
		Likes:    post.Likes.Summary.TotalCount,
		Comments: post.Comments.Summary.TotalCount,
		Shares:   post.Shares.Count,
	}

	var insights graphInsights
	if err := g.get(ctx, ref+"/insights", url.Values{"metric": {reachMetric}}, &insights); err != nil {
		g.logger.Debug("reach unavailable, scoring without it", zap.String("ref", ref), zap.Error(err))
	} else {
		counts.Reach = insights.reach()
	}

	return Metrics{
		Counts:          counts,
		EngagementScore: g.scorer.Score(counts),
		FetchedAt:       g.now().UTC(),
	}, nil
}

func (i graphInsights) reach() int64 {
	for _, d := range i.Data {
		if d.Name == reachMetric && len(d.Values) > 0 {
			return d.Values[len(d.Values)-1].Value
		}
	}
	return 0
}

func (g *GraphGateway) get(ctx context.Context, path string, query url.Values, dest any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrMetricsUnavailable, err)
	}

	if g.cfg.AccessToken != "" {
		query.Set("access_token", g.cfg.AccessToken)
	}
	endpoint := fmt.Sprintf("%s/%s/%s?%s",
		strings.TrimRight(g.cfg.BaseURL, "/"), g.cfg.Version, path, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", ErrMetricsUnavailable, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetricsUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrMetricsUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			return fmt.Errorf("%w: graph api %d: %s", ErrMetricsUnavailable, resp.StatusCode, ge.Error.Message)
		}
		return fmt.Errorf("%w: graph api returned status %d", ErrMetricsUnavailable, resp.StatusCode)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrMetricsUnavailable, err)
	}
	return nil
}
