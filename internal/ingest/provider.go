package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lox/wxdb/internal/httputil"
	"github.com/lox/wxdb/internal/metrics"
	"github.com/lox/wxdb/internal/models"
)

// ErrProvider wraps every failure reported by a provider: transport errors,
// error statuses and malformed responses.
var ErrProvider = errors.New("provider error")

// FetchResult is the outcome of one provider request.
type FetchResult struct {
	Observations []models.Observation
	Body         []byte
	HTTPStatus   int
	ParseErrors  int
	ParseError   string // first parse error, for the ingest run record
}

func (r *FetchResult) parseError(err error) {
	r.ParseErrors++
	if r.ParseError == "" {
		r.ParseError = err.Error()
	}
}

// Provider fetches observations for one station over a time range.
type Provider interface {
	Name() models.Source
	Endpoint() string
	Fetch(ctx context.Context, stationID string, start, end time.Time) (*FetchResult, error)
}

// fetcher performs paced, retried GET requests for a provider.
type fetcher struct {
	source     models.Source
	client     *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

func newFetcher(source models.Source, timeout time.Duration, rps float64) fetcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return fetcher{
		source:  source,
		client:  httputil.NewClient(timeout),
		limiter: rate.NewLimiter(limit, 1),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		},
	}
}

// get fetches url, retrying transport errors, 429 and 5xx responses. The
// returned status is that of the last attempt.
func (f *fetcher) get(ctx context.Context, stationID, url string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		started := time.Now()
		resp, err := f.client.Do(req)
		metrics.ProviderLatency.WithLabelValues(string(f.source)).Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(string(f.source), stationID, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		metrics.ProviderCallsTotal.WithLabelValues(string(f.source), stationID, strconv.Itoa(status)).Inc()

		if httputil.Retryable(status) {
			return fmt.Errorf("status %d", status)
		}
		if status != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("status %d: %s", status, b))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(f.newBackOff(), ctx)); err != nil {
		return nil, status, fmt.Errorf("%w: %s %s: %w", ErrProvider, f.source, stationID, err)
	}
	return body, status, nil
}
