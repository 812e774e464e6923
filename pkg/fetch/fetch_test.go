package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoharvest/stacharvest/pkg/stac"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

func itemBody(id string) string {
	return fmt.Sprintf(`{
	  "id": %q,
	  "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]},
	  "properties": {"datetime": "2023-01-15T10:00:00Z"}
	}`, id)
}

func refsFor(srv *httptest.Server, n int) []stac.ItemRef {
	refs := make([]stac.ItemRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, stac.ItemRef{
			Provider: "test",
			URL:      fmt.Sprintf("%s/items/item-%02d.json", srv.URL, i),
		})
	}
	return refs
}

func TestFetchAllRespectsConcurrencyLimit(t *testing.T) {
	const limit = 4

	var inflight, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inflight, 1)
		defer atomic.AddInt64(&inflight, -1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, itemBody(r.URL.Path))
	}))
	defer srv.Close()

	f := &Fetcher{Client: whttp.NewClient(limit, 0, 5*time.Second), Concurrency: limit}
	result := f.FetchAll(context.Background(), refsFor(srv, 20))

	if len(result.Items) != 20 {
		t.Fatalf("expected 20 items, got %d (failures: %v)", len(result.Items), result.Failures)
	}
	if p := atomic.LoadInt64(&peak); p > limit {
		t.Fatalf("observed %d simultaneous requests, limit is %d", p, limit)
	}
}

func TestFetchAllFailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/item-01.json":
			http.NotFound(w, r)
		case "/items/item-02.json":
			fmt.Fprint(w, `{"id": "broken", not json`)
		default:
			fmt.Fprint(w, itemBody(r.URL.Path))
		}
	}))
	defer srv.Close()

	f := &Fetcher{Client: whttp.NewClient(4, 0, 5*time.Second), Concurrency: 2}
	result := f.FetchAll(context.Background(), refsFor(srv, 5))

	if len(result.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(result.Items))
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %v", result.Failures)
	}

	reasons := map[stac.Reason]int{}
	for _, fail := range result.Failures {
		reasons[fail.Reason]++
	}
	if reasons[stac.ReasonPermanent] != 1 {
		t.Fatalf("expected 1 permanent failure, got %v", reasons)
	}
	if reasons[stac.ReasonParse] != 1 {
		t.Fatalf("expected 1 parse failure, got %v", reasons)
	}
}

func TestFetchAllTransientExhausted(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		http.Error(w, "upstream sad", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &Fetcher{Client: whttp.NewClient(2, 1, 5*time.Second), Concurrency: 1}
	result := f.FetchAll(context.Background(), refsFor(srv, 1))

	if len(result.Items) != 0 || len(result.Failures) != 1 {
		t.Fatalf("expected one failure, got %+v", result)
	}
	if result.Failures[0].Reason != stac.ReasonTransient {
		t.Fatalf("expected transient failure, got %v", result.Failures[0])
	}
	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Fatalf("expected original attempt plus one retry, got %d hits", n)
	}
}

func TestFetchAllCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemBody(r.URL.Path))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &Fetcher{Client: whttp.NewClient(2, 0, 5*time.Second), Concurrency: 2}
	result := f.FetchAll(ctx, refsFor(srv, 50))

	if len(result.Items) == 50 {
		t.Fatal("cancelled fetch should not complete the whole batch")
	}
	// Aborted requests are not item failures; the caller reports the
	// cancellation once on the run.
	for _, fail := range result.Failures {
		t.Fatalf("cancellation recorded as item failure: %+v", fail)
	}
}
