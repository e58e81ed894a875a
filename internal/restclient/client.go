// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package restclient is the small JSON-over-HTTP helper shared by the
// gateway and inbox adapters.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 8192

// UpstreamError is returned when a remote API answers with a non-2xx status.
type UpstreamError struct {
	Service string
	Method  string
	URL     string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s %s returned HTTP %d: %s", e.Service, e.Method, e.URL, e.Status, e.Body)
}

// Client issues authenticated JSON requests against one upstream service.
type Client struct {
	httpClient *http.Client
	service    string
	authHeader string
}

// New creates a client. authHeader names the header the token goes into
// ("Token" for the gateway, "api_access_token" for the inbox).
func New(httpClient *http.Client, service, authHeader string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, service: service, authHeader: authHeader}
}

// Service returns the label used in errors.
func (c *Client) Service() string { return c.service }

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx response into dest
// (if non-nil).
func (c *Client) DoJSON(ctx context.Context, method, url, token string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.service, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Do(req, token, dest)
}

// Do sends a prepared request, attaching the auth token, and decodes a 2xx
// response into dest (if non-nil).
func (c *Client) Do(req *http.Request, token string, dest any) error {
	if token != "" {
		req.Header.Set(c.authHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.service, req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{
			Service: c.service,
			Method:  req.Method,
			URL:     req.URL.Path,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(data)),
		}
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

// StatusOf returns the HTTP status of an upstream error, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, 429 and 5xx responses. Other 4xx answers are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status == http.StatusTooManyRequests || ue.Status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown errors (decode failures, refused connections wrapped by
	// url.Error) default to retryable.
	return true
}
