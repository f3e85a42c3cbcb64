package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/version"
)

var userAgent = version.UserAgent("loadtest")

// codeTransport записывается вместо HTTP статуса, если ответа нет.
const codeTransport = "transport_error"

// request описывает один вызов API; name служит ключом в отчёте.
type request struct {
	name   string
	method string
	path   string
	body   []byte
	header http.Header
	want   int
}

func jsonRequest(name, path string, payload any, header http.Header, want int) (request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("%s: encode body: %w", name, err)
	}
	return request{name: name, method: http.MethodPost, path: path, body: body, header: header, want: want}, nil
}

// statusError описывает ответ API с неожиданным статусом.
type statusError struct {
	method string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.method, e.status, e.body)
}

// apiClient вызывает REST API и пишет каждую попытку в collector.
type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	stats   *collector
}

func (c *apiClient) send(ctx context.Context, r request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, bytes.NewReader(r.body))
	if err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	maps.Copy(req.Header, r.header)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.stats.record(r.name, time.Since(started), codeTransport, false)
		return fmt.Errorf("%s: %w", r.name, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	c.stats.record(r.name, time.Since(started), strconv.Itoa(resp.StatusCode), readErr == nil && resp.StatusCode == r.want)
	switch {
	case readErr != nil:
		return fmt.Errorf("%s: read body: %w", r.name, readErr)
	case resp.StatusCode != r.want:
		return &statusError{method: r.name, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	case out == nil:
		return nil
	}
	return json.Unmarshal(raw, out)
}
