// Package providers is the registry of supported open-data SAR catalogs.
// Everything provider-specific lives here as data: where the catalog root
// is, how it is laid out, and which harmonization rules apply. The rest of
// the pipeline is provider-agnostic.
package providers

import (
	"fmt"
	"sort"

	"github.com/geoharvest/stacharvest/pkg/discover"
	"github.com/geoharvest/stacharvest/pkg/harmonize"
)

// Spec couples a provider's catalog location with its harmonization rules.
type Spec struct {
	Name    string
	Catalog discover.CatalogRef
	Rules   harmonize.Rules
}

var registry = map[string]Spec{
	"capella": {
		Name: "capella",
		Catalog: discover.CatalogRef{
			Provider: "capella",
			RootURL:  "https://capella-open-data.s3.us-west-2.amazonaws.com/stac/capella-open-data-by-product-type/catalog.json",
			Topology: discover.Nested,
		},
		Rules: harmonize.Rules{
			DropProperties:    []string{"proj:centroid"},
			ShapeProperty:     "proj:shape",
			PartitionProperty: "sar:product_type",
		},
	},
	"iceye": {
		Name: "iceye",
		Catalog: discover.CatalogRef{
			Provider: "iceye",
			RootURL:  "https://iceye-open-data-catalog.s3-us-west-2.amazonaws.com/collections/iceye-sar.json",
			Topology: discover.Flat,
		},
		Rules: harmonize.Rules{
			DropProperties: []string{"proj:centroid", "raster:bands"},
			ShapeProperty:  "proj:shape",
			Collapse:       map[string]string{"processing:software": "processor"},
		},
	},
	"umbra": {
		Name: "umbra",
		Catalog: discover.CatalogRef{
			Provider: "umbra",
			RootURL:  "https://umbra-open-data-catalog.s3.us-west-2.amazonaws.com/stac/catalog.json",
			Topology: discover.Nested,
			Bucket:   "umbra-open-data-catalog",
			Prefix:   "sar-data/",
			Suffix:   ".stac.v2.json",
			Region:   "us-west-2",
		},
		Rules: harmonize.Rules{
			AssetColumnsFromTitle: true,
		},
	},
}

// Names returns the supported provider names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered provider spec in name order.
func All() []Spec {
	specs := make([]Spec, 0, len(registry))
	for _, name := range Names() {
		specs = append(specs, registry[name])
	}
	return specs
}

// Get resolves provider names to specs; an empty list means all providers.
func Get(names []string) ([]Spec, error) {
	if len(names) == 0 {
		return All(), nil
	}
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		spec, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q (supported: %v)", name, Names())
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
