package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPFetcherReturnsOriginResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "abc" {
			t.Errorf("request header not forwarded")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte(r.Method+":"), body...))
	}))
	defer origin.Close()

	req, err := NewRequest(http.MethodPost, origin.URL+"/submit", http.Header{"X-Trace": {"abc"}}, []byte("payload"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := NewHTTPFetcher(origin.Client(), 0).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != "POST:payload" {
		t.Fatalf("unexpected response %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("missing content type")
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header leaked")
	}
}

func TestHTTPFetcherNon2xxIsNotAnError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer origin.Close()

	req, _ := NewRequest(http.MethodGet, origin.URL+"/missing", nil, nil)
	resp, err := NewHTTPFetcher(origin.Client(), 0).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusNotFound || resp.OK() {
		t.Fatalf("expected non-ok 404, got %d", resp.Status)
	}
}

func TestHTTPFetcherTransportFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := origin.URL
	origin.Close()

	req, _ := NewRequest(http.MethodGet, target+"/", nil, nil)
	_, err := NewHTTPFetcher(nil, 0).Fetch(context.Background(), req)
	if !IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestHTTPFetcherStreamsOversizeBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer origin.Close()

	req, _ := NewRequest(http.MethodGet, origin.URL+"/big", nil, nil)
	resp, err := NewHTTPFetcher(origin.Client(), 4).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("oversize body should not fail: %v", err)
	}
	defer resp.Close()
	if resp.Buffered() || len(resp.Body) != 0 {
		t.Fatalf("oversize body should be streamed, got buffered %q", resp.Body)
	}
	if !resp.OK() {
		t.Fatalf("status should pass through, got %d", resp.Status)
	}
	full, err := io.ReadAll(resp.Stream)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(full) != "0123456789" {
		t.Fatalf("stream lost bytes: %q", full)
	}
}

func TestHTTPFetcherBuffersWithinLimit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123"))
	}))
	defer origin.Close()

	req, _ := NewRequest(http.MethodGet, origin.URL+"/small", nil, nil)
	resp, err := NewHTTPFetcher(origin.Client(), 4).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !resp.Buffered() || string(resp.Body) != "0123" {
		t.Fatalf("expected buffered body, got %q (stream=%v)", resp.Body, resp.Stream != nil)
	}
}

func TestNewRequestRejectsBadURL(t *testing.T) {
	if _, err := NewRequest(http.MethodGet, "://nope", nil, nil); err == nil {
		t.Fatalf("expected parse error")
	}
	req, err := NewRequest(http.MethodGet, "https://docs.example.com/a", nil, nil)
	if err != nil || req.Header == nil {
		t.Fatalf("expected request with empty header, got %+v %v", req, err)
	}
}

func TestResponseOK(t *testing.T) {
	cases := map[int]bool{200: true, 204: true, 206: false, 304: false, 404: false, 500: false}
	for status, want := range cases {
		if got := (&Response{Status: status}).OK(); got != want {
			t.Fatalf("status %d: expected %v", status, want)
		}
	}
	var nilResp *Response
	if nilResp.OK() {
		t.Fatalf("nil response must not be ok")
	}
}
