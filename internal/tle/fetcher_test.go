package tle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func readTestdata(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/gnss.txt")
	if err != nil {
		t.Fatalf("reading testdata: %v", err)
	}
	return data
}

// TestFetcherBodyLimit verifies that responses exceeding the 50 MB limit
// return an error instead of consuming unbounded memory.
func TestFetcherBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		chunk := strings.Repeat("A", 1024*1024)
		for i := 0; i < 52; i++ {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return // Client closed connection.
			}
		}
	}))
	defer server.Close()

	fetcher := NewFetcher(server.URL, testLogger)
	_, err := fetcher.Fetch(context.Background(), "gps")
	if err == nil {
		t.Fatal("expected error for oversized response, got nil")
	}
	if !strings.Contains(err.Error(), "byte limit") {
		t.Errorf("expected body limit error, got: %v", err)
	}
}

// TestFetcherSuccess verifies the group query and the returned body.
func TestFetcherSuccess(t *testing.T) {
	body := readTestdata(t)
	var gotGroup, gotFormat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotGroup = r.URL.Query().Get("GROUP")
		gotFormat = r.URL.Query().Get("FORMAT")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer server.Close()

	fetcher := NewFetcher(server.URL, testLogger)
	data, err := fetcher.Fetch(context.Background(), "glonass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != string(body) {
		t.Errorf("body mismatch: got %d bytes, want %d", len(data), len(body))
	}
	if gotGroup != "glo-ops" || gotFormat != "tle" {
		t.Errorf("query = GROUP=%q FORMAT=%q, want glo-ops/tle", gotGroup, gotFormat)
	}
}

// TestFetcherHTTPError verifies error handling for non-200 responses.
func TestFetcherHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := NewFetcher(server.URL, testLogger)
	if _, err := fetcher.Fetch(context.Background(), "gps"); err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}

// TestFetcherUnknownSystem verifies systems without a CelesTrak group are
// rejected before any request is made.
func TestFetcherUnknownSystem(t *testing.T) {
	fetcher := NewFetcher("", testLogger)
	if _, err := fetcher.Fetch(context.Background(), "navic"); err == nil {
		t.Fatal("expected error for unknown system")
	}
	src, err := fetcher.SourceURL("beidou")
	if err != nil {
		t.Fatalf("SourceURL: %v", err)
	}
	if !strings.HasPrefix(src, defaultBaseURL) || !strings.Contains(src, "GROUP=beidou") {
		t.Errorf("unexpected source URL %q", src)
	}
}
