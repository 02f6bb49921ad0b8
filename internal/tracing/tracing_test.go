package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/protortyp/melon/internal/logging"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	p, err := Init(Config{ServiceName: "melond", Enabled: false}, logging.New(logging.FATAL, false))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer() == nil {
		t.Fatal("expected a non-nil tracer even when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	p, err := Init(Config{ServiceName: "melond", Enabled: false}, logging.New(logging.FATAL, false))
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	called := false
	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc/jobs", nil))

	if !called {
		t.Fatal("expected wrapped handler to run")
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status to pass through, got %d", rec.Code)
	}
}
