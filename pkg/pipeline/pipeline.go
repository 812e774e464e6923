// Package pipeline runs the per-provider harvest: discover the catalog,
// fetch every item, harmonize into the requested variants, and write one
// GeoParquet table per (product type, variant). Providers are isolated:
// one failing run never aborts a sibling's.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geoharvest/stacharvest/pkg/discover"
	"github.com/geoharvest/stacharvest/pkg/fetch"
	"github.com/geoharvest/stacharvest/pkg/geoparquet"
	"github.com/geoharvest/stacharvest/pkg/harmonize"
	"github.com/geoharvest/stacharvest/pkg/providers"
	"github.com/geoharvest/stacharvest/pkg/stac"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

// Options carries the run-scoped knobs shared by all providers.
type Options struct {
	Formats     []harmonize.Variant
	OutputDir   string
	Concurrency int
	// MinYield is the minimum fraction of discovered items that must be
	// fetched and parsed for a run to count as successful. Zero disables
	// the check.
	MinYield float64
	Client   *whttp.Client
	Lister   discover.ObjectLister
	Log      *logrus.Logger
}

// Report summarizes one provider run for operators: stage counts, the
// enumerated failures, the files written, and the fatal error if the run
// was aborted.
type Report struct {
	Provider   string
	StartedAt  time.Time
	Elapsed    time.Duration
	Discovered int
	Fetched    int
	Harmonized int
	Failures   []stac.Failure
	Files      []string
	Err        error
}

// Failed reports whether the run was aborted outright. A degraded run with
// dropped items but no fatal error is still a success.
func (r *Report) Failed() bool { return r.Err != nil }

func (r *Report) Summary() string {
	status := "ok"
	if r.Failed() {
		status = "failed: " + r.Err.Error()
	}
	return fmt.Sprintf("%s: discovered=%d fetched=%d harmonized=%d dropped=%d files=%d (%s)",
		r.Provider, r.Discovered, r.Fetched, r.Harmonized, len(r.Failures), len(r.Files), status)
}

// RunAll runs every provider pipeline concurrently and returns one report
// per spec, in spec order.
func RunAll(ctx context.Context, specs []providers.Spec, opts Options) []*Report {
	reports := make([]*Report, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec providers.Spec) {
			defer wg.Done()
			reports[i] = Run(ctx, spec, opts)
		}(i, spec)
	}
	wg.Wait()
	return reports
}

// Run executes one provider's pipeline end to end. The returned report is
// never nil; Report.Err carries discovery-fatal, below-threshold yield and
// write errors.
func Run(ctx context.Context, spec providers.Spec, opts Options) *Report {
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	report := &Report{Provider: spec.Name, StartedAt: time.Now().UTC()}
	defer func() { report.Elapsed = time.Since(report.StartedAt) }()

	d := &discover.Discoverer{Client: opts.Client, Lister: opts.Lister, Log: log}
	refs, discoveryFailures, err := d.Discover(ctx, spec.Catalog)
	report.Failures = append(report.Failures, discoveryFailures...)
	if err != nil {
		report.Err = fmt.Errorf("discovery failed for %s: %w", spec.Name, err)
		return report
	}
	report.Discovered = len(refs)
	log.Infof("%s: discovered %d items", spec.Name, len(refs))
	if len(refs) == 0 {
		log.Warnf("%s: catalog lists no items, nothing to write", spec.Name)
		return report
	}

	f := &fetch.Fetcher{Client: opts.Client, Concurrency: opts.Concurrency, Log: log}
	fetched := f.FetchAll(ctx, refs)
	report.Fetched = len(fetched.Items)
	report.Failures = append(report.Failures, fetched.Failures...)
	if err := ctx.Err(); err != nil {
		report.Err = err
		return report
	}
	if opts.MinYield > 0 {
		yield := float64(report.Fetched) / float64(report.Discovered)
		if yield < opts.MinYield {
			report.Err = fmt.Errorf("%s: fetch yield %.2f below minimum %.2f", spec.Name, yield, opts.MinYield)
			return report
		}
	}

	h := &harmonize.Harmonizer{Rules: spec.Rules}
	tables := map[harmonize.Variant]map[string][]*harmonize.Record{}
	for _, v := range opts.Formats {
		tables[v] = map[string][]*harmonize.Record{}
	}

	for _, item := range fetched.Items {
		recs := map[harmonize.Variant]*harmonize.Record{}
		var itemErr error
		for _, v := range opts.Formats {
			rec, err := h.Harmonize(item, v)
			if err != nil {
				itemErr = err
				break
			}
			recs[v] = rec
		}
		if itemErr != nil {
			// The variants share identity and geometry, so a failure in
			// one drops the item from both.
			log.Debugf("%s: dropping item %s: %v", spec.Name, item.ID, itemErr)
			report.Failures = append(report.Failures, stac.Failure{
				Item: item.ID, Reason: stac.ReasonHarmonize, Detail: itemErr.Error(),
			})
			continue
		}
		report.Harmonized++
		for v, rec := range recs {
			tables[v][partitionKey(spec, rec)] = append(tables[v][partitionKey(spec, rec)], rec)
		}
	}

	for _, v := range opts.Formats {
		for key, recs := range tables[v] {
			if err := ctx.Err(); err != nil {
				report.Err = err
				return report
			}
			path := tablePath(opts.OutputDir, spec.Name, key, v)
			if err := geoparquet.WriteTable(path, recs, v); err != nil {
				report.Err = fmt.Errorf("write failed for %s: %w", path, err)
				return report
			}
			log.Infof("%s: wrote %d records to %s", spec.Name, len(recs), path)
			report.Files = append(report.Files, path)
		}
	}

	return report
}

// partitionKey buckets a record for output. Providers without a partition
// property produce a single unkeyed table; with one, records lacking a
// value land in "unknown" rather than being dropped.
func partitionKey(spec providers.Spec, rec *harmonize.Record) string {
	if spec.Rules.PartitionProperty == "" {
		return ""
	}
	if rec.ProductType == "" {
		return "unknown"
	}
	return rec.ProductType
}

var fileNameSanitizer = strings.NewReplacer(" ", "_", "/", "_", ":", "_")

func tablePath(outDir, provider, key string, v harmonize.Variant) string {
	name := provider
	if key != "" {
		name += "_" + fileNameSanitizer.Replace(key)
	}
	if v == harmonize.ARD {
		name += "_ard"
	}
	return filepath.Join(outDir, provider, name+".parquet")
}
