package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckOrigin_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := CheckOrigin(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckOrigin: %v", err)
	}
}

func TestCheckOrigin_partialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "" {
			t.Error("expected ranged GET")
		}
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()
	if err := CheckOrigin(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckOrigin: %v", err)
	}
}

func TestCheckOrigin_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	if err := CheckOrigin(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestCheckOrigin_emptyURL(t *testing.T) {
	if err := CheckOrigin(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestCheckEndpoints_ok(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if err := CheckEndpoints(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckEndpoints: %v", err)
	}
}

func TestCheckEndpoints_missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	if err := CheckEndpoints(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}
