package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var gotAuth, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/summaries" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		var body summarizeRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"Customer paid","topics":["payment"],"interactionType":"sale","sentiment":"positive"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second)
	s, err := c.Summarize(context.Background(), "hola\nquiero pagar")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s == nil || s.Summary != "Customer paid" || len(s.Topics) != 1 || s.Sentiment != "positive" {
		t.Fatalf("summary = %+v", s)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotText != "hola\nquiero pagar" {
		t.Errorf("text = %q", gotText)
	}
}

func TestSummarizeToleratesAbsenceAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		client *Client
	}{
		{"unconfigured", NewClient("", "", 0)},
		{"server error", NewClient(srv.URL, "", time.Second)},
		{"unreachable", NewClient("http://127.0.0.1:1", "", 200*time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.client.Summarize(context.Background(), "text")
			if s != nil || err != nil {
				t.Errorf("Summarize = %+v, %v; want nil, nil", s, err)
			}
		})
	}
}
