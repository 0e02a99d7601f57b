// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

// newTestAPI serves the relay router over the fixture.
func newTestAPI(t *testing.T, f *fixture) (*httptest.Server, *SessionManager) {
	t.Helper()
	hub := NewHub(HubConfig{Logger: testLogger()})
	manager := f.newManager(t, hub)
	server := httptest.NewServer(NewRouter(manager, hub, testLogger()))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return server, manager
}

func postMessage(t *testing.T, server *httptest.Server, body string) (*http.Response, []byte) {
	t.Helper()
	response, err := http.Post(server.URL+"/message", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return response, data
}

func getPath(t *testing.T, server *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	response, err := http.Get(server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return response, data
}

func decodeError(t *testing.T, data []byte) schema.ErrorResponse {
	t.Helper()
	var body schema.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decoding error body %q: %v", data, err)
	}
	return body
}

func TestPostMessageRelays(t *testing.T) {
	f := newFixture(t, "alpha")
	server, manager := newTestAPI(t, f)

	response, data := postMessage(t, server, `{"vm_user":"alpha","target":"reviewer","message":"hello"}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, data)
	}
	var body schema.SendResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !body.Success || body.Message != "Message sent to "+f.reviewer.String() {
		t.Errorf("response = %+v", body)
	}

	messages := f.homeserver.Messages(f.conversation(t, manager, ref.MustParseTenant("alpha")))
	if len(messages) != 1 || messages[0].Content["body"] != "[alpha] hello" {
		t.Errorf("room messages = %+v", messages)
	}
}

func TestPostMessageRejectsBadRequests(t *testing.T) {
	f := newFixture(t, "alpha")
	server, manager := newTestAPI(t, f)
	room := f.conversation(t, manager, ref.MustParseTenant("alpha"))

	tests := []struct {
		name    string
		body    string
		mention string
	}{
		{"missing message", `{"vm_user":"alpha","target":"reviewer"}`, "message"},
		{"missing target", `{"vm_user":"alpha","message":"hi"}`, "target"},
		{"missing vm_user", `{"target":"reviewer","message":"hi"}`, "vm_user"},
		{"invalid vm_user", `{"vm_user":"../alpha","target":"reviewer","message":"hi"}`, "tenant"},
		{"malformed JSON", `{"vm_user":`, "JSON"},
		{"oversized", `{"vm_user":"alpha","target":"reviewer","message":"` + strings.Repeat("x", maxRequestBody) + `"}`, "exceeds"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, data := postMessage(t, server, test.body)
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", response.StatusCode, data)
			}
			if body := decodeError(t, data); !strings.Contains(body.Error, test.mention) {
				t.Errorf("error %q does not mention %q", body.Error, test.mention)
			}
		})
	}

	if messages := f.homeserver.Messages(room); len(messages) != 0 {
		t.Errorf("bad requests transmitted %d messages", len(messages))
	}
}

func TestPostMessageWithoutCredentialIsUnavailable(t *testing.T) {
	f := newFixture(t)
	server, _ := newTestAPI(t, f)

	response, data := postMessage(t, server, `{"vm_user":"ghost","target":"reviewer","message":"hi"}`)
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", response.StatusCode)
	}
	if response.Header.Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", response.Header.Get("Retry-After"))
	}
	if body := decodeError(t, data); body.Hint == "" {
		t.Error("503 response carries no hint")
	}
}

func TestPostMessagePlatformFailureIsServerError(t *testing.T) {
	f := newFixture(t, "alpha")
	server, manager := newTestAPI(t, f)
	alpha := ref.MustParseTenant("alpha")
	f.conversation(t, manager, alpha)

	f.homeserver.FailSends(f.bots[alpha].userID, 1)
	response, _ := postMessage(t, server, `{"vm_user":"alpha","target":"reviewer","message":"hi"}`)
	if response.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", response.StatusCode)
	}
}

func TestGetMessages(t *testing.T) {
	f := newFixture(t, "alpha")
	server, manager := newTestAPI(t, f)
	alpha := ref.MustParseTenant("alpha")

	response, data := getPath(t, server, "/messages/alpha")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, data)
	}
	if got := string(bytes.TrimSpace(data)); got != "[]" {
		t.Errorf("empty fetch body = %s, want []", got)
	}

	f.reply(t, manager, alpha, "ship it")
	response, data = getPath(t, server, "/messages/alpha")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, data)
	}
	var raw []map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	if len(raw) != 1 || raw[0]["content"] != "ship it" || raw[0]["author"] != f.reviewer.String() {
		t.Fatalf("messages = %v", raw)
	}
	if timestamp := raw[0]["timestamp"]; !strings.HasSuffix(timestamp, "Z") || len(timestamp) != len("2006-01-02T15:04:05.000Z") {
		t.Errorf("timestamp %q is not RFC 3339 UTC with milliseconds", timestamp)
	}
}

func TestGetMessagesRejectsInvalidTenant(t *testing.T) {
	f := newFixture(t)
	server, _ := newTestAPI(t, f)

	response, _ := getPath(t, server, "/messages/.hidden")
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "alpha")
	server, manager := newTestAPI(t, f)
	f.conversation(t, manager, ref.MustParseTenant("alpha"))

	response, data := getPath(t, server, "/health")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}
	var health schema.HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 || health.Channels != 0 {
		t.Errorf("health = %+v", health)
	}

	response, data = getPath(t, server, "/metrics")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", response.StatusCode)
	}
	if !strings.Contains(string(data), `reviewrelay_http_requests_total{method="GET",route="/health",status="200"}`) {
		t.Error("metrics do not include the health request under its route pattern")
	}
}

func TestRootWithoutUpgrade(t *testing.T) {
	f := newFixture(t)
	server, _ := newTestAPI(t, f)

	response, _ := getPath(t, server, "/")
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
	response, _ = getPath(t, server, "/nowhere")
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", response.StatusCode)
	}
}
