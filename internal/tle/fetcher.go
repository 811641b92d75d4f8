package tle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://celestrak.org/NORAD/elements/gp.php"

	// maxBodyBytes bounds a single download; a full GNSS group is ~30 KB.
	maxBodyBytes = 50 << 20
)

// Groups maps a system name to its CelesTrak group.
var Groups = map[string]string{
	"gps":     "gps-ops",
	"glonass": "glo-ops",
	"galileo": "galileo",
	"beidou":  "beidou",
}

// Fetcher retrieves raw TLE data from CelesTrak-style endpoints.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher querying baseURL?GROUP=<group>&FORMAT=tle.
func NewFetcher(baseURL string, logger *slog.Logger) *Fetcher {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Fetcher{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SourceURL returns the request URL for a system.
func (f *Fetcher) SourceURL(system string) (string, error) {
	group, ok := Groups[system]
	if !ok {
		return "", fmt.Errorf("no CelesTrak group for system %q", system)
	}
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	q := u.Query()
	q.Set("GROUP", group)
	q.Set("FORMAT", "tle")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch performs an HTTP GET to retrieve the raw TLE data of a system.
func (f *Fetcher) Fetch(ctx context.Context, system string) ([]byte, error) {
	src, err := f.SourceURL(system)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching TLE data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, src)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", src, maxBodyBytes)
	}

	f.logger.Debug("fetched TLE data",
		"system", system,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}
