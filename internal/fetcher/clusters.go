package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// ClustersOptions parameterise the cluster summary fetcher.
type ClustersOptions struct {
	BaseURL     string
	APIKey      string
	OutputAsset string
	Timeout     time.Duration
	UserAgent   string
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
}

// Clusters reads balances from the cluster summary endpoint.
type Clusters struct {
	opts    ClustersOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewClusters constructs a cluster summary fetcher.
func NewClusters(opts ClustersOptions, logger zerolog.Logger) *Clusters {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.OutputAsset == "" {
		opts.OutputAsset = "NATIVE"
	}

	c := &Clusters{
		opts:    opts,
		logger:  logger.With().Str("component", "balance_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c
}

type summaryResponse struct {
	Balance *float64 `json:"balance"`
}

// FetchBalance retrieves the cluster balance for address on asset.
func (c *Clusters) FetchBalance(ctx context.Context, address, asset string) (float64, error) {
	if address == "" || asset == "" {
		return 0, fmt.Errorf("%w: address and asset are required", ErrLookupFailed)
	}
	if c.baseURL == "" {
		return 0, fmt.Errorf("%w: base url not configured", ErrLookupFailed)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("%w: rate limiter: %v", ErrLookupFailed, err)
		}
	}

	endpoint := c.endpoint(address, asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: create request: %v", ErrLookupFailed, err)
	}
	req.Header.Set("token", c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s on %s: %v", ErrLookupFailed, address, asset, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: read body: %v", ErrLookupFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, parseHTTPError(resp.StatusCode, payload)
	}
	c.logger.Debug().Str("address", address).Str("asset", asset).Msg("lookup returned 200")

	var summary summaryResponse
	if err := json.Unmarshal(payload, &summary); err != nil {
		return 0, fmt.Errorf("%w: decode summary: %v", ErrLookupFailed, err)
	}
	if summary.Balance == nil {
		return 0, fmt.Errorf("%w: summary has no balance field", ErrLookupFailed)
	}
	return *summary.Balance, nil
}

func (c *Clusters) endpoint(address, asset string) string {
	q := url.Values{}
	q.Set("outputAsset", c.opts.OutputAsset)
	return fmt.Sprintf("%s/clusters/%s/%s/summary?%s",
		c.baseURL, url.PathEscape(address), url.PathEscape(asset), q.Encode())
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: status %d: %s", ErrLookupFailed, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: status %d: %s", ErrLookupFailed, status, apiErr.Error)
		}
	}
	body := strings.TrimSpace(string(payload))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if body != "" {
		return fmt.Errorf("%w: status %d: %s", ErrLookupFailed, status, body)
	}
	return fmt.Errorf("%w: status %d", ErrLookupFailed, status)
}

var _ BalanceFetcher = (*Clusters)(nil)
