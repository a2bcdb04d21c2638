package dast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Alert is one finding as reported by the daemon's core/view/alerts
type Alert struct {
	ID          string `json:"id"`
	PluginID    string `json:"pluginId"`
	Name        string `json:"name"`
	Alert       string `json:"alert"`
	Risk        string `json:"risk"`
	Confidence  string `json:"confidence"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	Param       string `json:"param"`
	Attack      string `json:"attack"`
	Evidence    string `json:"evidence"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
	Other       string `json:"other"`
	CWEID       string `json:"cweid"`
	WASCID      string `json:"wascid"`
}

// ScannerAPI is the subset of the daemon's control API a scan drives
type ScannerAPI interface {
	Version(ctx context.Context) (string, error)
	Configure(ctx context.Context) error
	AccessURL(ctx context.Context, target string) error

	StartSpider(ctx context.Context, target string, maxChildren int) (string, error)
	SpiderStatus(ctx context.Context, id string) (int, error)
	StopSpider(ctx context.Context, id string) error

	StartAjaxSpider(ctx context.Context, target string) error
	AjaxSpiderRunning(ctx context.Context) (bool, error)
	StopAjaxSpider(ctx context.Context) error

	RecordsToScan(ctx context.Context) (int, error)

	StartActiveScan(ctx context.Context, target string) (string, error)
	ActiveScanStatus(ctx context.Context, id string) (int, error)
	StopActiveScan(ctx context.Context, id string) error

	Alerts(ctx context.Context, baseURL string) ([]Alert, error)
	Shutdown(ctx context.Context) error
}

// APIError is an error the daemon reported about a request it understood,
// as opposed to a transport failure.
type APIError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Endpoint, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Code)
}

// Client speaks the daemon's JSON API
type Client struct {
	base   string
	apiKey string
	http   *http.Client

	// ScanPolicy tuning applied by Configure
	MaxDepth      int
	ThreadPerHost int
}

const alertPage = 500

func NewClient(host string, port int, apiKey string) *Client {
	return &Client{
		base:          fmt.Sprintf("http://%s:%d", host, port),
		apiKey:        apiKey,
		http:          &http.Client{Timeout: 60 * time.Second},
		MaxDepth:      10,
		ThreadPerHost: 10,
	}
}

// NewClientURL is NewClient for an already formatted base URL
func NewClientURL(base, apiKey string) *Client {
	c := NewClient("", 0, apiKey)
	c.base = strings.TrimRight(base, "/")
	return c
}

func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.base + "/JSON/" + endpoint + "/"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("X-ZAP-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
		return &APIError{Endpoint: endpoint, Code: apiErr.Code, Message: apiErr.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: endpoint, Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}

func (c *Client) action(ctx context.Context, endpoint string, params url.Values) error {
	return c.call(ctx, endpoint, params, nil)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "core/view/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

type apiStep struct {
	endpoint string
	params   url.Values
}

// Configure enables every passive and active rule, raises attack strength
// and lowers alert thresholds on all policy categories.
func (c *Client) Configure(ctx context.Context) error {
	steps := []apiStep{
		{"pscan/action/enableAllScanners", nil},
		{"pscan/action/setMaxAlertsPerRule", url.Values{"maxAlerts": {"0"}}},
		{"ascan/action/enableAllScanners", nil},
		{"ascan/action/setOptionThreadPerHost", url.Values{"Integer": {strconv.Itoa(c.ThreadPerHost)}}},
		{"ascan/action/setOptionHostPerScan", url.Values{"Integer": {"0"}}},
		{"ascan/action/setOptionMaxRuleDurationInMins", url.Values{"Integer": {"0"}}},
		{"spider/action/setOptionMaxDepth", url.Values{"Integer": {strconv.Itoa(c.MaxDepth)}}},
	}
	// policy categories 0-4: information gathering, client browser, server security, misc, injection
	for id := 0; id <= 4; id++ {
		cat := strconv.Itoa(id)
		steps = append(steps,
			apiStep{"ascan/action/setPolicyAttackStrength", url.Values{"id": {cat}, "attackStrength": {"HIGH"}}},
			apiStep{"ascan/action/setPolicyAlertThreshold", url.Values{"id": {cat}, "alertThreshold": {"LOW"}}},
		)
	}
	for _, s := range steps {
		if err := c.action(ctx, s.endpoint, s.params); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) AccessURL(ctx context.Context, target string) error {
	return c.action(ctx, "core/action/accessUrl", url.Values{"url": {target}, "followRedirects": {"true"}})
}

func (c *Client) StartSpider(ctx context.Context, target string, maxChildren int) (string, error) {
	var out struct {
		Scan string `json:"scan"`
	}
	params := url.Values{"url": {target}, "recurse": {"true"}, "maxChildren": {strconv.Itoa(maxChildren)}}
	if err := c.call(ctx, "spider/action/scan", params, &out); err != nil {
		return "", err
	}
	return out.Scan, nil
}

func (c *Client) SpiderStatus(ctx context.Context, id string) (int, error) {
	return c.progress(ctx, "spider/view/status", id)
}

func (c *Client) StopSpider(ctx context.Context, id string) error {
	return c.action(ctx, "spider/action/stop", url.Values{"scanId": {id}})
}

func (c *Client) StartAjaxSpider(ctx context.Context, target string) error {
	return c.action(ctx, "ajaxSpider/action/scan", url.Values{"url": {target}, "inScope": {"false"}})
}

func (c *Client) AjaxSpiderRunning(ctx context.Context) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "ajaxSpider/view/status", nil, &out); err != nil {
		return false, err
	}
	return out.Status == "running", nil
}

func (c *Client) StopAjaxSpider(ctx context.Context) error {
	return c.action(ctx, "ajaxSpider/action/stop", nil)
}

func (c *Client) RecordsToScan(ctx context.Context) (int, error) {
	var out struct {
		RecordsToScan string `json:"recordsToScan"`
	}
	if err := c.call(ctx, "pscan/view/recordsToScan", nil, &out); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out.RecordsToScan)
	if err != nil {
		return 0, fmt.Errorf("pscan/view/recordsToScan: unexpected value %q", out.RecordsToScan)
	}
	return n, nil
}

func (c *Client) StartActiveScan(ctx context.Context, target string) (string, error) {
	var out struct {
		Scan string `json:"scan"`
	}
	if err := c.call(ctx, "ascan/action/scan", url.Values{"url": {target}, "recurse": {"true"}}, &out); err != nil {
		return "", err
	}
	return out.Scan, nil
}

func (c *Client) ActiveScanStatus(ctx context.Context, id string) (int, error) {
	return c.progress(ctx, "ascan/view/status", id)
}

func (c *Client) StopActiveScan(ctx context.Context, id string) error {
	return c.action(ctx, "ascan/action/stop", url.Values{"scanId": {id}})
}

// Alerts pages through every alert recorded for baseURL
func (c *Client) Alerts(ctx context.Context, baseURL string) ([]Alert, error) {
	var all []Alert
	for start := 0; ; start += alertPage {
		var out struct {
			Alerts []Alert `json:"alerts"`
		}
		params := url.Values{
			"baseurl": {baseURL},
			"start":   {strconv.Itoa(start)},
			"count":   {strconv.Itoa(alertPage)},
		}
		if err := c.call(ctx, "core/view/alerts", params, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Alerts...)
		if len(out.Alerts) < alertPage {
			return all, nil
		}
	}
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.action(ctx, "core/action/shutdown", nil)
}

func (c *Client) progress(ctx context.Context, endpoint, id string) (int, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, endpoint, url.Values{"scanId": {id}}, &out); err != nil {
		return 0, err
	}
	pct, err := strconv.Atoi(out.Status)
	if err != nil {
		return 0, &APIError{Endpoint: endpoint, Code: "bad_status", Message: out.Status}
	}
	return pct, nil
}

// IsAPIError reports whether err carries a daemon-reported error
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
