package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/heliotrack/heliotrack/pkg/common"
	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/levenlabs/go-lflag"
)

const (
	sitesListPath      = "/solaredge-web/p/sitesList"
	chartExportPathFmt = "/solaredge-web/p/charts/%s/chartExport"

	apiKeyHeader = "X-API-Key"

	retryBaseWait = 500 * time.Millisecond
	retryMaxWait  = 10 * time.Second
)

// FetchError describes a portal request that could not be satisfied.
// Retryable reports whether a later run may succeed (transport
// failures and 5xx) as opposed to a request the portal rejected
// outright.
type FetchError struct {
	URL       string
	Status    int
	Attempts  int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("portal fetch failed after %d attempt(s)", e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client talks to the public monitoring portal.
type Client struct {
	rc          *resty.Client
	dl          *resty.Client
	maxAttempts int
	pageSize    int
}

// Configured sets up the portal client based on flags.
func Configured() *Client {
	baseURL := lflag.String("monitor-base-url", "https://monitoringpublic.solaredge.com", "Base URL of the public monitoring portal")
	apiKey := lflag.String("monitor-api-key", "", "Optional API key header sent with every portal request")
	timeout := lflag.Duration("monitor-timeout", 30*time.Second, "Per-request timeout for portal listing calls")
	downloadTimeout := lflag.Duration("monitor-download-timeout", 5*time.Minute, "Per-request timeout for chart exports")
	maxAttempts := lflag.Int("monitor-max-attempts", 4, "Attempts per portal request before giving up")
	pageSize := lflag.Int("monitor-page-size", 100, "Sites requested per listing page")

	c := &Client{}

	lflag.Do(func() {
		*c = *newClient(*baseURL, *apiKey, *timeout, *downloadTimeout, *maxAttempts, *pageSize)
	})

	return c
}

func newClient(baseURL, apiKey string, timeout, downloadTimeout time.Duration, maxAttempts, pageSize int) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := strings.TrimRight(baseURL, "/")

	rc := resty.NewWithClient(common.HTTPClient(timeout))
	rc.SetBaseURL(base)
	rc.SetRetryCount(maxAttempts - 1)
	rc.SetRetryWaitTime(retryBaseWait)
	rc.SetRetryMaxWaitTime(retryMaxWait)
	rc.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	// exports stream straight to disk, so this client hands back the
	// raw body and retries are handled per request instead
	dl := resty.NewWithClient(common.HTTPClient(downloadTimeout))
	dl.SetBaseURL(base)
	dl.SetDoNotParseResponse(true)

	if apiKey != "" {
		rc.SetHeader(apiKeyHeader, apiKey)
		dl.SetHeader(apiKeyHeader, apiKey)
	}

	return &Client{
		rc:          rc,
		dl:          dl,
		maxAttempts: maxAttempts,
		pageSize:    pageSize,
	}
}

// PageSize returns the configured number of sites per listing page.
func (c *Client) PageSize() int {
	return c.pageSize
}

// FetchPage fetches one page of the portal's site listing and reports
// the portal's total record count.
func (c *Client) FetchPage(ctx context.Context, offset, limit int) ([]SiteRecord, int, error) {
	list, err := c.fetchPageOnce(ctx, offset, limit)
	var pe *ParseError
	if errors.As(err, &pe) {
		// glitched bodies are usually transient, worth one fresh GET
		log.Ctx(ctx).WarnContext(ctx, "portal page undecodable, refetching once",
			slog.Int("offset", offset), slog.Any("error", err))
		list, err = c.fetchPageOnce(ctx, offset, limit)
	}
	if err != nil {
		if errors.As(err, &pe) {
			return nil, 0, &FetchError{URL: sitesListPath, Attempts: 2, Retryable: false, Err: err}
		}
		return nil, 0, err
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched portal page",
		slog.Int("offset", offset),
		slog.Int("records", len(list.Records)),
		slog.Int("totalCount", list.TotalCount))
	return list.Records, list.TotalCount, nil
}

func (c *Client) fetchPageOnce(ctx context.Context, offset, limit int) (*SiteList, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParams(map[string]string{
			"start":    strconv.Itoa(offset),
			"limit":    strconv.Itoa(limit),
			"sort":     "maxImpact",
			"dir":      "ASC",
			"status":   "0",
			"category": "0",
			"filter":   "",
			"showMap":  "false",
		}).
		Get(sitesListPath)
	if err != nil {
		return nil, &FetchError{URL: sitesListPath, Attempts: c.maxAttempts, Retryable: true, Err: err}
	}
	switch {
	case resp.StatusCode() >= http.StatusInternalServerError:
		// the retry conditions already ran out upstream of here
		return nil, &FetchError{
			URL:       resp.Request.URL,
			Status:    resp.StatusCode(),
			Attempts:  c.maxAttempts,
			Retryable: true,
			Err:       fmt.Errorf("status %d", resp.StatusCode()),
		}
	case resp.StatusCode() != http.StatusOK:
		return nil, &FetchError{
			URL:       resp.Request.URL,
			Status:    resp.StatusCode(),
			Attempts:  1,
			Retryable: false,
			Err:       fmt.Errorf("status %d", resp.StatusCode()),
		}
	}
	return DecodeSiteList(resp.Body())
}

// DownloadCSV streams one site's production chart export into w. The
// export range is sent as epoch milliseconds.
func (c *Client) DownloadCSV(ctx context.Context, siteID string, start, end time.Time, w io.Writer) error {
	path := fmt.Sprintf(chartExportPathFmt, siteID)
	params := url.Values{}
	params.Set("st", strconv.FormatInt(start.UTC().UnixMilli(), 10))
	params.Set("et", strconv.FormatInt(end.UTC().UnixMilli(), 10))
	params.Set("fid", siteID)
	params.Set("timeUnit", "2")
	params.Set("pn0", "Power")
	params.Set("id0", "0")
	params.Set("t0", "0")
	params.Set("hasMeters", "false")

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffWait(attempt - 1)):
			}
		}
		err := c.downloadOnce(ctx, path, params, w)
		if err == nil {
			if attempt > 1 {
				log.Ctx(ctx).DebugContext(ctx, "chart export succeeded after retry",
					slog.String("siteID", siteID), slog.Int("attempt", attempt))
			}
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Retryable {
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "chart export attempt failed",
			slog.String("siteID", siteID), slog.Int("attempt", attempt), slog.Any("error", err))
		lastErr = err
	}
	var fe *FetchError
	if errors.As(lastErr, &fe) {
		fe.Attempts = c.maxAttempts
		return fe
	}
	return lastErr
}

func (c *Client) downloadOnce(ctx context.Context, path string, params url.Values, w io.Writer) error {
	resp, err := c.dl.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(path)
	if err != nil {
		return &FetchError{URL: path, Attempts: 1, Retryable: true, Err: err}
	}
	raw := resp.RawBody()
	defer raw.Close()

	switch {
	case resp.StatusCode() >= http.StatusInternalServerError:
		return &FetchError{
			URL:       resp.Request.URL,
			Status:    resp.StatusCode(),
			Attempts:  1,
			Retryable: true,
			Err:       fmt.Errorf("status %d", resp.StatusCode()),
		}
	case resp.StatusCode() != http.StatusOK:
		return &FetchError{
			URL:       resp.Request.URL,
			Status:    resp.StatusCode(),
			Attempts:  1,
			Retryable: false,
			Err:       fmt.Errorf("status %d", resp.StatusCode()),
		}
	}
	if _, err := io.Copy(w, raw); err != nil {
		// w already holds part of the body, restarting the request
		// against it would corrupt the file
		return &FetchError{
			URL:       resp.Request.URL,
			Attempts:  1,
			Retryable: false,
			Err:       fmt.Errorf("export stream interrupted: %w", err),
		}
	}
	return nil
}

// backoffWait returns how long to wait before retry n (1-based),
// exponential with jitter.
func backoffWait(n int) time.Duration {
	d := retryBaseWait << uint(n-1)
	if d > retryMaxWait || d <= 0 {
		d = retryMaxWait
	}
	return d/2 + rand.N(d/2+1)
}
