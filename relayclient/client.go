// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/reviewrelay/lib/netutil"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
	"github.com/bureau-foundation/reviewrelay/lib/version"
)

// requestTimeout bounds each HTTP call. Sends and fetches are single
// homeserver round trips on the relay side.
const requestTimeout = 60 * time.Second

// StatusError is a non-2xx relay response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	// Message is the relay's error text, with its hint when present.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client talks to one relay.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	pushURL    string
	userAgent  string
}

// New creates a Client for the relay at baseURL ("http://host:port" or
// "https://host:port"). The push channel URL is derived from it.
func New(baseURL string) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing relay URL %q: %w", baseURL, err)
	}
	var pushScheme string
	switch parsed.Scheme {
	case "http":
		pushScheme = "ws"
	case "https":
		pushScheme = "wss"
	default:
		return nil, fmt.Errorf("relay URL %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("relay URL %q has no host", baseURL)
	}
	push := *parsed
	push.Scheme = pushScheme
	push.Path = "/"
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    parsed,
		pushURL:    push.String(),
		userAgent:  version.UserAgent("review-ask"),
	}, nil
}

// BaseURL returns the relay's HTTP base URL.
func (client *Client) BaseURL() string {
	return client.baseURL.String()
}

// PushURL returns the push channel URL.
func (client *Client) PushURL() string {
	return client.pushURL
}

// Send asks the relay to transmit message to target on behalf of
// vmUser. Returns the relay's acknowledgement text.
func (client *Client) Send(ctx context.Context, vmUser, target, message string) (string, error) {
	request := schema.SendRequest{VMUser: vmUser, Target: target, Message: message}
	var response schema.SendResponse
	if err := client.post(ctx, "/message", request, &response); err != nil {
		return "", err
	}
	if !response.Success {
		return "", fmt.Errorf("relay did not acknowledge the message: %s", response.Message)
	}
	return response.Message, nil
}

// Fetch returns vmUser's unseen reviewer replies, oldest first. Each
// call consumes what it returns: the relay will not return the same
// reply twice.
func (client *Client) Fetch(ctx context.Context, vmUser string) ([]schema.Message, error) {
	var messages []schema.Message
	if err := client.get(ctx, "/messages/"+url.PathEscape(vmUser), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Health returns the relay's health report.
func (client *Client) Health(ctx context.Context) (*schema.HealthResponse, error) {
	var response schema.HealthResponse
	if err := client.get(ctx, "/health", &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (client *Client) get(ctx context.Context, path string, result any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.endpoint(path), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return client.do(request, path, result)
}

func (client *Client) post(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return client.do(request, path, result)
}

func (client *Client) do(request *http.Request, path string, result any) error {
	request.Header.Set("User-Agent", client.userAgent)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", request.Method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &StatusError{
			Method:     request.Method,
			Path:       path,
			StatusCode: response.StatusCode,
			Message:    netutil.ErrorBody(response.Body),
		}
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", request.Method, path, err)
	}
	return nil
}

func (client *Client) endpoint(path string) string {
	return client.baseURL.String() + path
}
