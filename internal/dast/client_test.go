package dast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type daemonStub struct {
	mu       sync.Mutex
	requests []string
	handlers map[string]func(q map[string][]string) (int, any)
}

func (d *daemonStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.Trim(strings.TrimPrefix(r.URL.Path, "/JSON/"), "/")
	d.mu.Lock()
	d.requests = append(d.requests, endpoint)
	d.mu.Unlock()

	if r.Header.Get("X-ZAP-API-Key") != "secret" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "bad_api_key", "message": "Bad API key"})
		return
	}
	h, ok := d.handlers[endpoint]
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]string{"Result": "OK"})
		return
	}
	status, body := h(r.URL.Query())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (d *daemonStub) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func newStubClient(t *testing.T, handlers map[string]func(q map[string][]string) (int, any)) (*Client, *daemonStub) {
	t.Helper()
	stub := &daemonStub{handlers: handlers}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return NewClientURL(srv.URL, "secret"), stub
}

func TestClientVersionAndKey(t *testing.T) {
	c, _ := newStubClient(t, map[string]func(map[string][]string) (int, any){
		"core/view/version": func(map[string][]string) (int, any) {
			return http.StatusOK, map[string]string{"version": "2.15.0"}
		},
	})
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.15.0", v)

	bad := NewClientURL(c.base, "wrong")
	_, err = bad.Version(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad_api_key", apiErr.Code)
	assert.True(t, IsAPIError(err))
}

func TestClientProgress(t *testing.T) {
	c, _ := newStubClient(t, map[string]func(map[string][]string) (int, any){
		"spider/action/scan": func(q map[string][]string) (int, any) {
			if q["url"][0] != "http://app" || q["maxChildren"][0] != "3" {
				return http.StatusBadRequest, map[string]string{"code": "illegal_parameter"}
			}
			return http.StatusOK, map[string]string{"scan": "4"}
		},
		"spider/view/status": func(q map[string][]string) (int, any) {
			return http.StatusOK, map[string]string{"status": "42"}
		},
		"ascan/view/status": func(q map[string][]string) (int, any) {
			return http.StatusOK, map[string]string{"status": "does not exist"}
		},
		"pscan/view/recordsToScan": func(map[string][]string) (int, any) {
			return http.StatusOK, map[string]string{"recordsToScan": "17"}
		},
		"ajaxSpider/view/status": func(map[string][]string) (int, any) {
			return http.StatusOK, map[string]string{"status": "running"}
		},
	})
	ctx := context.Background()

	id, err := c.StartSpider(ctx, "http://app", 3)
	require.NoError(t, err)
	assert.Equal(t, "4", id)

	pct, err := c.SpiderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 42, pct)

	_, err = c.ActiveScanStatus(ctx, "9")
	assert.True(t, IsAPIError(err))

	n, err := c.RecordsToScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	running, err := c.AjaxSpiderRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)
}

func TestClientAlertsPaging(t *testing.T) {
	const total = alertPage + 3
	c, _ := newStubClient(t, map[string]func(map[string][]string) (int, any){
		"core/view/alerts": func(q map[string][]string) (int, any) {
			start, _ := strconv.Atoi(q["start"][0])
			var page []Alert
			for i := start; i < total && i < start+alertPage; i++ {
				page = append(page, Alert{ID: strconv.Itoa(i), Risk: "Low", URL: q["baseurl"][0]})
			}
			return http.StatusOK, map[string]any{"alerts": page}
		},
	})
	alerts, err := c.Alerts(context.Background(), "http://app")
	require.NoError(t, err)
	require.Len(t, alerts, total)
	assert.Equal(t, "0", alerts[0].ID)
	assert.Equal(t, fmt.Sprint(total-1), alerts[total-1].ID)
}

func TestClientConfigureRunsEveryStep(t *testing.T) {
	c, stub := newStubClient(t, nil)
	c.MaxDepth = 7
	require.NoError(t, c.Configure(context.Background()))

	seen := stub.seen()
	assert.Contains(t, seen, "pscan/action/enableAllScanners")
	assert.Contains(t, seen, "ascan/action/enableAllScanners")
	strength := 0
	for _, s := range seen {
		if s == "ascan/action/setPolicyAttackStrength" {
			strength++
		}
	}
	assert.Equal(t, 5, strength)
}

func TestClientHTTPErrorWithoutCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClientURL(srv.URL, "k").AccessURL(context.Background(), "http://app")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "502", apiErr.Code)
	assert.Equal(t, "gateway down", apiErr.Message)
}

func TestClientTransportErrorIsNotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewClientURL(base, "k").Version(context.Background())
	require.Error(t, err)
	assert.False(t, IsAPIError(err))
}
