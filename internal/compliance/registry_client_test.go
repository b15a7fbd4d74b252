package compliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRegistryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/numbers/+15550100":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"listed":true}`))
		case "/v1/numbers/+15550101":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, time.Second)

	listed, err := reg.IsListed(context.Background(), "+15550100")
	if err != nil || !listed {
		t.Fatalf("listed number: got (%v, %v), want (true, nil)", listed, err)
	}

	listed, err = reg.IsListed(context.Background(), "+15550101")
	if err != nil || listed {
		t.Fatalf("unlisted number: got (%v, %v), want (false, nil)", listed, err)
	}

	if _, err = reg.IsListed(context.Background(), "+15550102"); err == nil {
		t.Fatal("expected error on registry failure")
	}
}
