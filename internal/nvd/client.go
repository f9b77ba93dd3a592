// Package nvd fetches vulnerability data from the NIST National
// Vulnerability Database REST API.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	requestTimeout = 30 * time.Second
	resultsPerPage = 100

	// NVD publishes these limits: roughly one request per 6 seconds
	// without an API key, one per 600ms with one.
	keyedInterval   = 600 * time.Millisecond
	unkeyedInterval = 6 * time.Second
)

// Client queries the NVD CVE API. Requests are paced with a rate limiter
// matching NVD's published limits for keyed and unkeyed access.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates an NVD client. The API key is optional; without one the
// request pacing is ten times slower.
func NewClient(apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	interval := unkeyedInterval
	if apiKey != "" {
		interval = keyedInterval
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger,
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Vulnerability is one entry from the NVD response.
type Vulnerability struct {
	CVE struct {
		ID           string `json:"id"`
		Published    string `json:"published"`
		LastModified string `json:"lastModified"`
		Descriptions []struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"descriptions"`
		Metrics json.RawMessage `json:"metrics"`
	} `json:"cve"`
}

// Description returns the English description, or the first available one.
func (v Vulnerability) Description() string {
	for _, d := range v.CVE.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(v.CVE.Descriptions) > 0 {
		return v.CVE.Descriptions[0].Value
	}
	return ""
}

// Severity is the CVSS assessment extracted from a vulnerability record.
type Severity struct {
	Version  string  `json:"version"`
	Score    float64 `json:"score"`
	Severity string  `json:"severity"`
	Vector   string  `json:"vector"`
}

// LookupCVE fetches a single CVE by identifier. Returns nil when the CVE is
// unknown to NVD.
func (c *Client) LookupCVE(ctx context.Context, cveID string) (*Vulnerability, error) {
	params := url.Values{"cveId": {cveID}}

	result, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(result.Vulnerabilities) == 0 {
		return nil, nil
	}
	return &result.Vulnerabilities[0], nil
}

// SearchRecentCVEs returns CVEs published within the last given days.
func (c *Client) SearchRecentCVEs(ctx context.Context, days int) ([]Vulnerability, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	const layout = "2006-01-02T15:04:05.000"
	params := url.Values{
		"pubStartDate":   {start.Format(layout)},
		"pubEndDate":     {end.Format(layout)},
		"resultsPerPage": {strconv.Itoa(resultsPerPage)},
	}

	result, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	return result.Vulnerabilities, nil
}

// SearchByKeyword returns CVEs matching a keyword, optionally filtered by
// CVSS v3 severity.
func (c *Client) SearchByKeyword(ctx context.Context, keyword, severity string) ([]Vulnerability, error) {
	params := url.Values{
		"keywordSearch":  {keyword},
		"resultsPerPage": {strconv.Itoa(resultsPerPage)},
	}
	if severity != "" {
		params.Set("cvssV3Severity", severity)
	}

	result, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	return result.Vulnerabilities, nil
}

// ExtractSeverity pulls the CVSS assessment out of a vulnerability record,
// preferring v3.1, then v3.0, then v2.0.
func ExtractSeverity(v Vulnerability) Severity {
	if len(v.CVE.Metrics) == 0 {
		return Severity{Severity: "UNKNOWN"}
	}

	var metrics struct {
		V31 []cvssMetric `json:"cvssMetricV31"`
		V30 []cvssMetric `json:"cvssMetricV30"`
		V2  []struct {
			CVSSData struct {
				BaseScore    float64 `json:"baseScore"`
				VectorString string  `json:"vectorString"`
			} `json:"cvssData"`
			BaseSeverity string `json:"baseSeverity"`
		} `json:"cvssMetricV2"`
	}
	if err := json.Unmarshal(v.CVE.Metrics, &metrics); err != nil {
		return Severity{Severity: "UNKNOWN"}
	}

	switch {
	case len(metrics.V31) > 0:
		m := metrics.V31[0].CVSSData
		return Severity{Version: "3.1", Score: m.BaseScore, Severity: m.BaseSeverity, Vector: m.VectorString}
	case len(metrics.V30) > 0:
		m := metrics.V30[0].CVSSData
		return Severity{Version: "3.0", Score: m.BaseScore, Severity: m.BaseSeverity, Vector: m.VectorString}
	case len(metrics.V2) > 0:
		m := metrics.V2[0]
		return Severity{Version: "2.0", Score: m.CVSSData.BaseScore, Severity: m.BaseSeverity, Vector: m.CVSSData.VectorString}
	}
	return Severity{Severity: "UNKNOWN"}
}

type cvssMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

type apiResponse struct {
	TotalResults    int             `json:"totalResults"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

func (c *Client) get(ctx context.Context, params url.Values) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NVD request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}
