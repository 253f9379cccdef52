package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// testWebhook points a webhook at an httptest server, bypassing the HTTPS
// requirement enforced by newWebhook.
func testWebhook(channel string, server *httptest.Server) *webhook {
	return &webhook{channel: channel, url: server.URL, client: server.Client()}
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr string
	}{
		{"https://hooks.slack.com/services/T/B/X", ""},
		{"", "required"},
		{"http://hooks.slack.com/services/T/B/X", "HTTPS"},
		{"hooks.slack.com/services", "not absolute"},
		{"https://", "not absolute"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateWebhookURL(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookPostAcceptsAny2xx(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := testWebhook("teams", server).post(context.Background(), map[string]string{"k": "v"})
		server.Close()
		if err != nil {
			t.Errorf("status %d: unexpected error %v", status, err)
		}
	}
}

func TestWebhookPostErrorNamesChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	err := testWebhook("teams", server).post(context.Background(), struct{}{})
	if err == nil {
		t.Fatal("expected error for 410")
	}
	for _, want := range []string{"teams", "status 410", "gone"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestNewWebhookDefaultsTimeout(t *testing.T) {
	hook, err := newWebhook("slack", "https://hooks.slack.com/services/T/B/X", 0)
	if err != nil {
		t.Fatalf("newWebhook: %v", err)
	}
	if hook.client.Timeout != defaultWebhookTimeout {
		t.Errorf("timeout = %v, want %v", hook.client.Timeout, defaultWebhookTimeout)
	}
	if _, err := newWebhook("slack", "http://insecure", 0); err == nil || !strings.Contains(err.Error(), "invalid slack config") {
		t.Errorf("insecure URL error = %v", err)
	}
}
