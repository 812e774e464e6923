package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geoharvest/stacharvest/pkg/discover"
	"github.com/geoharvest/stacharvest/pkg/geoparquet"
	"github.com/geoharvest/stacharvest/pkg/harmonize"
	"github.com/geoharvest/stacharvest/pkg/providers"
	"github.com/geoharvest/stacharvest/pkg/stac"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testOptions(t *testing.T) Options {
	t.Helper()
	client := whttp.NewClient(4, 0, 5*time.Second)
	t.Cleanup(client.Close)
	return Options{
		Formats:     []harmonize.Variant{harmonize.Viz, harmonize.ARD},
		OutputDir:   t.TempDir(),
		Concurrency: 4,
		MinYield:    0.5,
		Client:      client,
		Log:         quietLog(),
	}
}

func itemBody(id string) string {
	return fmt.Sprintf(`{
	  "id": %q,
	  "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]},
	  "properties": {"datetime": "2023-01-15T10:00:00Z", "sar:looks": 3},
	  "assets": {"data": {"href": "./%s.tif", "type": "image/tiff"}}
	}`, id, id)
}

// flatServer lists n items; malformed items return bodies that are not JSON.
func flatServer(t *testing.T, n int, malformed map[int]bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/collection.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "flat", "links": [`)
		for i := 0; i < n; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"rel": "item", "href": "items/item-%d.json"}`, i)
		}
		fmt.Fprint(w, `]}`)
	})
	for i := 0; i < n; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/items/item-%d.json", i), func(w http.ResponseWriter, r *http.Request) {
			if malformed[i] {
				fmt.Fprint(w, `{"id": "oops", this is not json`)
				return
			}
			fmt.Fprint(w, itemBody(fmt.Sprintf("item-%d", i)))
		})
	}
	return httptest.NewServer(mux)
}

func flatSpec(srv *httptest.Server) providers.Spec {
	return providers.Spec{
		Name: "testprov",
		Catalog: discover.CatalogRef{
			Provider: "testprov",
			RootURL:  srv.URL + "/collection.json",
			Topology: discover.Flat,
		},
	}
}

func TestRunFlatWithMalformedItem(t *testing.T) {
	srv := flatServer(t, 5, map[int]bool{2: true})
	defer srv.Close()

	report := Run(context.Background(), flatSpec(srv), testOptions(t))
	if report.Failed() {
		t.Fatalf("run should succeed despite one bad item: %v", report.Err)
	}
	if report.Discovered != 5 || report.Fetched != 4 || report.Harmonized != 4 {
		t.Fatalf("wrong counts: %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].Reason != stac.ReasonParse {
		t.Fatalf("expected exactly one parse-error, got %v", report.Failures)
	}
	if len(report.Files) != 2 {
		t.Fatalf("expected viz and ard files, got %v", report.Files)
	}

	for _, path := range report.Files {
		rows, err := geoparquet.ReadTable(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if len(rows) != 4 {
			t.Fatalf("%s: expected 4 records, got %d", path, len(rows))
		}
	}
}

func TestRunNestedUnreachableBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "root", "links": [
		  {"rel": "child", "href": "good/collection.json", "title": "GOOD"},
		  {"rel": "child", "href": "gone/collection.json", "title": "GONE"}
		]}`)
	})
	mux.HandleFunc("/good/collection.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "good", "links": [
		  {"rel": "item", "href": "item-a.json"},
		  {"rel": "item", "href": "item-b.json"}
		]}`)
	})
	mux.HandleFunc("/good/item-a.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemBody("item-a"))
	})
	mux.HandleFunc("/good/item-b.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemBody("item-b"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	spec := providers.Spec{
		Name: "testprov",
		Catalog: discover.CatalogRef{
			Provider: "testprov",
			RootURL:  srv.URL + "/catalog.json",
			Topology: discover.Nested,
		},
	}
	report := Run(context.Background(), spec, testOptions(t))

	if report.Failed() {
		t.Fatalf("degraded discovery must not be fatal: %v", report.Err)
	}
	if report.Discovered != 2 || report.Harmonized != 2 {
		t.Fatalf("wrong counts: %+v", report)
	}
	var discoveryErrors int
	for _, f := range report.Failures {
		if f.Reason == stac.ReasonDiscovery {
			discoveryErrors++
		}
	}
	if discoveryErrors != 1 {
		t.Fatalf("expected one discovery-error, got %v", report.Failures)
	}
}

func TestRunBelowYieldThresholdFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collection.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "flat", "links": [
		  {"rel": "item", "href": "items/ok.json"},
		  {"rel": "item", "href": "items/m1.json"},
		  {"rel": "item", "href": "items/m2.json"},
		  {"rel": "item", "href": "items/m3.json"}
		]}`)
	})
	mux.HandleFunc("/items/ok.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, itemBody("ok"))
	})
	// Everything else 404s.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	report := Run(context.Background(), flatSpec(srv), testOptions(t))
	if !report.Failed() {
		t.Fatalf("expected failure at 25%% yield with 50%% minimum: %+v", report)
	}
	if report.Fetched != 1 {
		t.Fatalf("wrong fetch count: %+v", report)
	}
}

func TestRunRootUnreachableIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	report := Run(context.Background(), flatSpec(srv), testOptions(t))
	if !report.Failed() {
		t.Fatal("unreachable root must fail the provider run")
	}
	if report.Discovered != 0 {
		t.Fatalf("no refs should be discovered: %+v", report)
	}
}

func TestRunAllProviderIsolation(t *testing.T) {
	good := flatServer(t, 3, nil)
	defer good.Close()
	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()

	specs := []providers.Spec{
		flatSpec(bad),
		{
			Name: "goodprov",
			Catalog: discover.CatalogRef{
				Provider: "goodprov",
				RootURL:  good.URL + "/collection.json",
				Topology: discover.Flat,
			},
		},
	}
	reports := RunAll(context.Background(), specs, testOptions(t))

	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if !reports[0].Failed() {
		t.Fatal("bad provider should fail")
	}
	if reports[1].Failed() {
		t.Fatalf("good provider must be unaffected: %v", reports[1].Err)
	}
	if reports[1].Harmonized != 3 {
		t.Fatalf("wrong counts for good provider: %+v", reports[1])
	}
}

func TestRunPartitionsByProductType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collection.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": "flat", "links": [
		  {"rel": "item", "href": "items/geo.json"},
		  {"rel": "item", "href": "items/slc.json"},
		  {"rel": "item", "href": "items/untyped.json"}
		]}`)
	})
	writeItem := func(id, ptype string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			props := `"datetime": "2023-01-15T10:00:00Z"`
			if ptype != "" {
				props += fmt.Sprintf(`, "sar:product_type": %q`, ptype)
			}
			fmt.Fprintf(w, `{
			  "id": %q,
			  "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]},
			  "properties": {%s}
			}`, id, props)
		}
	}
	mux.HandleFunc("/items/geo.json", writeItem("geo-1", "GEO"))
	mux.HandleFunc("/items/slc.json", writeItem("slc-1", "SLC"))
	mux.HandleFunc("/items/untyped.json", writeItem("untyped-1", ""))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	spec := flatSpec(srv)
	spec.Rules = harmonize.Rules{PartitionProperty: "sar:product_type"}

	opts := testOptions(t)
	opts.Formats = []harmonize.Variant{harmonize.ARD}
	report := Run(context.Background(), spec, opts)
	if report.Failed() {
		t.Fatalf("unexpected failure: %v", report.Err)
	}
	if len(report.Files) != 3 {
		t.Fatalf("expected one table per product type, got %v", report.Files)
	}

	want := map[string]bool{
		filepath.Join(opts.OutputDir, "testprov", "testprov_GEO_ard.parquet"):     true,
		filepath.Join(opts.OutputDir, "testprov", "testprov_SLC_ard.parquet"):     true,
		filepath.Join(opts.OutputDir, "testprov", "testprov_unknown_ard.parquet"): true,
	}
	for _, f := range report.Files {
		if !want[f] {
			t.Fatalf("unexpected output file %s", f)
		}
	}
}

func TestRunIdempotentOutput(t *testing.T) {
	srv := flatServer(t, 4, nil)
	defer srv.Close()

	optsA := testOptions(t)
	optsA.Formats = []harmonize.Variant{harmonize.ARD}
	reportA := Run(context.Background(), flatSpec(srv), optsA)
	if reportA.Failed() {
		t.Fatalf("first run failed: %v", reportA.Err)
	}

	optsB := testOptions(t)
	optsB.Formats = []harmonize.Variant{harmonize.ARD}
	reportB := Run(context.Background(), flatSpec(srv), optsB)
	if reportB.Failed() {
		t.Fatalf("second run failed: %v", reportB.Err)
	}

	if len(reportA.Files) != 1 || len(reportB.Files) != 1 {
		t.Fatalf("expected single files: %v %v", reportA.Files, reportB.Files)
	}
	a, err := os.ReadFile(reportA.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(reportB.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("unchanged catalog produced different output bytes")
	}
}
