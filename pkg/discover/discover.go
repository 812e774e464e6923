package discover

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/geoharvest/stacharvest/pkg/stac"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

// Topology describes how a provider lays out its catalog.
type Topology string

const (
	// Flat catalogs enumerate every item directly in the root document.
	Flat Topology = "flat"
	// Nested catalogs are trees of child catalogs/collections with item
	// documents at the leaves.
	Nested Topology = "nested"
)

// CatalogRef identifies one provider's catalog root. When Bucket is set the
// nested traversal may be replaced by an object-storage listing; that is a
// pure performance optimization and must yield the same item set as link
// traversal over the same content.
type CatalogRef struct {
	Provider string
	RootURL  string
	Topology Topology

	Bucket string
	Prefix string
	Suffix string
	Region string
}

// ObjectLister lists object keys under a bucket prefix. Implemented by
// S3Lister for real buckets and by fakes in tests.
type ObjectLister interface {
	List(ctx context.Context, bucket, prefix, region string) ([]string, error)
}

// Discoverer walks a catalog and yields the complete, deduplicated set of
// item document locations. Output order is sorted by URL so that
// consecutive runs against unchanged catalogs diff cleanly.
type Discoverer struct {
	Client *whttp.Client
	Lister ObjectLister // optional object-storage fast path
	Log    *logrus.Logger
}

// Discover resolves every ItemRef reachable from cat. Unreachable
// sub-branches are reported as discovery-error failures and skipped; an
// unreachable root returns a non-nil error and no refs.
func (d *Discoverer) Discover(ctx context.Context, cat CatalogRef) ([]stac.ItemRef, []stac.Failure, error) {
	var (
		refs     []stac.ItemRef
		failures []stac.Failure
		err      error
	)

	switch cat.Topology {
	case Flat:
		refs, err = d.discoverFlat(ctx, cat)
	case Nested:
		if cat.Bucket != "" && d.Lister != nil {
			refs, err = d.discoverObjectStore(ctx, cat)
			if err != nil {
				d.logf("object-storage listing for %s failed (%v), falling back to link traversal", cat.Provider, err)
				refs, failures, err = d.discoverNested(ctx, cat)
			}
		} else {
			refs, failures, err = d.discoverNested(ctx, cat)
		}
	default:
		return nil, nil, fmt.Errorf("unknown catalog topology %q", cat.Topology)
	}
	if err != nil {
		return nil, nil, err
	}

	return dedupe(refs), failures, nil
}

// discoverFlat handles catalogs whose root lists every item directly.
func (d *Discoverer) discoverFlat(ctx context.Context, cat CatalogRef) ([]stac.ItemRef, error) {
	doc, err := d.getDocument(ctx, cat.RootURL)
	if err != nil {
		return nil, fmt.Errorf("catalog root %s unreachable: %w", cat.RootURL, err)
	}
	return d.itemLinks(doc, cat.RootURL, cat.Provider, ""), nil
}

// discoverNested walks the catalog tree breadth-first following child
// links. A visited set guards against cycles; failed branches degrade the
// result instead of aborting it.
func (d *Discoverer) discoverNested(ctx context.Context, cat CatalogRef) ([]stac.ItemRef, []stac.Failure, error) {
	root, err := d.getDocument(ctx, cat.RootURL)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog root %s unreachable: %w", cat.RootURL, err)
	}

	var (
		refs     []stac.ItemRef
		failures []stac.Failure
	)
	visited := map[string]bool{cat.RootURL: true}

	type branch struct {
		url   string
		label string
	}
	queue := []branch{}

	enqueue := func(doc gjson.Result, base, label string) {
		for _, link := range childLinks(doc, base) {
			if visited[link.url] {
				continue
			}
			visited[link.url] = true
			l := label
			if l == "" {
				l = link.label
			}
			queue = append(queue, branch{url: link.url, label: l})
		}
	}

	refs = append(refs, d.itemLinks(root, cat.RootURL, cat.Provider, "")...)
	enqueue(root, cat.RootURL, "")

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]

		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		doc, err := d.getDocument(ctx, b.url)
		if err != nil {
			d.logf("skipping unreachable catalog branch %s: %v", b.url, err)
			failures = append(failures, stac.Failure{Item: b.url, Reason: stac.ReasonDiscovery, Detail: err.Error()})
			continue
		}

		label := b.label
		if label == "" {
			label = doc.Get("id").String()
		}
		refs = append(refs, d.itemLinks(doc, b.url, cat.Provider, label)...)
		enqueue(doc, b.url, label)
	}

	return refs, failures, nil
}

// discoverObjectStore lists item documents straight out of the provider's
// bucket, skipping one HTTP round-trip per catalog node.
func (d *Discoverer) discoverObjectStore(ctx context.Context, cat CatalogRef) ([]stac.ItemRef, error) {
	keys, err := d.Lister.List(ctx, cat.Bucket, cat.Prefix, cat.Region)
	if err != nil {
		return nil, err
	}

	var refs []stac.ItemRef
	for _, key := range keys {
		if cat.Suffix != "" && !strings.HasSuffix(key, cat.Suffix) {
			continue
		}
		refs = append(refs, stac.ItemRef{
			Provider: cat.Provider,
			URL:      fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cat.Bucket, cat.Region, key),
		})
	}
	return refs, nil
}

func (d *Discoverer) getDocument(ctx context.Context, docURL string) (gjson.Result, error) {
	body, status, err := d.Client.GetJSON(ctx, docURL)
	if err != nil {
		return gjson.Result{}, err
	}
	if status != 200 {
		return gjson.Result{}, fmt.Errorf("status %d", status)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("document is not valid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// itemLinks extracts rel=item links from a catalog document, resolved
// against the document's own URL.
func (d *Discoverer) itemLinks(doc gjson.Result, base, provider, label string) []stac.ItemRef {
	var refs []stac.ItemRef
	doc.Get("links").ForEach(func(_, link gjson.Result) bool {
		if link.Get("rel").String() != "item" {
			return true
		}
		href := link.Get("href").String()
		if href == "" {
			return true
		}
		refs = append(refs, stac.ItemRef{
			Provider:    provider,
			URL:         resolveURL(base, href),
			ProductType: label,
		})
		return true
	})
	return refs
}

type childLink struct {
	url   string
	label string
}

func childLinks(doc gjson.Result, base string) []childLink {
	var links []childLink
	doc.Get("links").ForEach(func(_, link gjson.Result) bool {
		if link.Get("rel").String() != "child" {
			return true
		}
		href := link.Get("href").String()
		if href == "" {
			return true
		}
		links = append(links, childLink{
			url:   resolveURL(base, href),
			label: link.Get("title").String(),
		})
		return true
	})
	return links
}

func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}

// dedupe drops refs sharing a resolved location (first one wins) and sorts
// the rest by URL for run-to-run stability.
func dedupe(refs []stac.ItemRef) []stac.ItemRef {
	seen := make(map[string]bool, len(refs))
	out := make([]stac.ItemRef, 0, len(refs))
	for _, ref := range refs {
		if seen[ref.URL] {
			continue
		}
		seen[ref.URL] = true
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (d *Discoverer) logf(format string, args ...interface{}) {
	if d.Log != nil {
		d.Log.Warnf(format, args...)
	}
}
