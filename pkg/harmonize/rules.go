package harmonize

import (
	"net/url"
	"strings"

	"github.com/geoharvest/stacharvest/pkg/stac"
)

// Rules captures one provider's schema quirks as data. Every provider
// shares the same harmonization code path; only these values differ.
type Rules struct {
	// DropProperties are removed before flattening (e.g. proj:centroid,
	// which duplicates the geometry and confuses columnar readers).
	DropProperties []string

	// ShapeProperty names a [rows, cols] array property to split into
	// scalar "rows" and "cols" columns.
	ShapeProperty string

	// Collapse replaces an object-valued property with one of its fields,
	// keyed by property name → field name.
	Collapse map[string]string

	// AssetColumnsFromTitle derives ARD asset column names from the asset
	// title instead of the asset key, and the href by swapping the item
	// URL's last path segment for the key. Umbra items need this: their
	// asset hrefs point at local paths while titles carry the stable name.
	AssetColumnsFromTitle bool

	// PartitionProperty names the property whose value partitions the
	// provider's output into separate tables (empty = single table).
	PartitionProperty string
}

var assetNameSanitizer = strings.NewReplacer("-", "_", ".", "_", " ", "_")

// apply runs drops, collapses and the shape split on a copy of the raw
// property map, then flattens nested objects by dotted path.
func (r Rules) apply(props map[string]interface{}) map[string]interface{} {
	work := make(map[string]interface{}, len(props))
	for k, v := range props {
		work[k] = v
	}

	for _, name := range r.DropProperties {
		delete(work, name)
	}

	for name, field := range r.Collapse {
		if m, ok := work[name].(map[string]interface{}); ok {
			work[name] = m[field]
		}
	}

	if r.ShapeProperty != "" {
		if shape, ok := work[r.ShapeProperty].([]interface{}); ok {
			if len(shape) > 0 {
				work["rows"] = shape[0]
			}
			if len(shape) > 1 {
				work["cols"] = shape[1]
			}
			delete(work, r.ShapeProperty)
		}
	}

	return flatten(work, "")
}

// flatten expands nested objects into dotted-path keys. Arrays are kept
// as values; the column type pass decides how to serialize them.
func flatten(m map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(nested, key) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// assetColumns maps every asset of an item to a deterministic ARD column
// name and href value. Absent assets simply produce no entry; the table
// schema still carries the column as null via the cross-item union.
func (r Rules) assetColumns(item *stac.RawItem) map[string]string {
	cols := make(map[string]string, len(item.Assets))
	for key, a := range item.Assets {
		if r.AssetColumnsFromTitle {
			if a.Title == "" {
				continue
			}
			name := assetNameSanitizer.Replace(strings.ToLower(a.Title))
			cols["asset_"+name+"_href"] = swapLastSegment(item.Ref.URL, key)
			continue
		}
		name := assetNameSanitizer.Replace(key)
		cols["asset_"+name+"_href"] = a.Href
	}
	return cols
}

// swapLastSegment replaces the final path segment of itemURL with seg.
func swapLastSegment(itemURL, seg string) string {
	i := strings.LastIndex(itemURL, "/")
	if i < 0 {
		return seg
	}
	return itemURL[:i+1] + seg
}

// absoluteHref resolves href against the item document's URL.
func absoluteHref(base, href string) string {
	if href == "" {
		return href
	}
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
