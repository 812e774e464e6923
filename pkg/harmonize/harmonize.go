package harmonize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/geoharvest/stacharvest/pkg/stac"
)

// Variant selects one of the two canonical record shapes.
type Variant string

const (
	// Viz is the map-rendering shape: GeoJSON geometry, nested bbox
	// struct, compact asset list, absolute links.
	Viz Variant = "viz"
	// ARD is the analysis shape: WKB geometry, flat bbox columns, one
	// column per asset, full flattened property set.
	ARD Variant = "ard"
)

// Variants parses a CLI-style format selector into variants.
func Variants(format string) ([]Variant, error) {
	switch strings.ToLower(format) {
	case "viz":
		return []Variant{Viz}, nil
	case "ard":
		return []Variant{ARD}, nil
	case "both", "":
		return []Variant{Viz, ARD}, nil
	}
	return nil, fmt.Errorf("unknown format %q (want viz, ard or both)", format)
}

// Record is one row of canonical output. Geometry is held decoded; the
// writer picks the on-disk encoding per variant. Columns holds everything
// else; a missing key is a null in the output table.
type Record struct {
	Provider    string
	ID          string
	ProductType string
	Geometry    orb.Geometry
	Columns     map[string]interface{}
}

// Harmonizer maps raw items into canonical records according to one
// provider's rules.
type Harmonizer struct {
	Rules Rules
}

// Harmonize builds the requested variant of one item. An undecodable or
// missing geometry is a hard per-item error; the caller drops the item and
// records a harmonize failure.
func (h *Harmonizer) Harmonize(item *stac.RawItem, v Variant) (*Record, error) {
	geom, err := decodeGeometry(item.GeometryJSON)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}

	props := h.Rules.apply(item.Properties)
	start, end := temporalExtent(props)
	delete(props, "datetime")
	delete(props, "start_datetime")
	delete(props, "end_datetime")

	rec := &Record{
		Provider: item.Ref.Provider,
		ID:       item.ID,
		Geometry: geom,
		Columns:  map[string]interface{}{"item_url": item.Ref.URL},
	}

	if h.Rules.PartitionProperty != "" {
		if s, ok := props[h.Rules.PartitionProperty].(string); ok {
			rec.ProductType = s
		}
	}
	if rec.ProductType == "" {
		rec.ProductType = item.Ref.ProductType
	}

	xmin, ymin, xmax, ymax := boundingBox(item, geom)
	if start != nil {
		rec.Columns["start_datetime"] = *start
	}
	if end != nil {
		rec.Columns["end_datetime"] = *end
	}

	switch v {
	case Viz:
		rec.Columns["bbox"] = map[string]interface{}{
			"xmin": xmin, "ymin": ymin, "xmax": xmax, "ymax": ymax,
		}
		rec.Columns["assets"] = compactAssets(item)
		rec.Columns["links"] = encodeLinks(item, true)
	case ARD:
		rec.Columns["bbox_xmin"] = xmin
		rec.Columns["bbox_ymin"] = ymin
		rec.Columns["bbox_xmax"] = xmax
		rec.Columns["bbox_ymax"] = ymax
		rec.Columns["links"] = encodeLinks(item, false)
		for name, href := range h.Rules.assetColumns(item) {
			rec.Columns[name] = href
		}
		for k, v := range props {
			rec.Columns[k] = v
		}
	default:
		return nil, fmt.Errorf("unknown variant %q", v)
	}

	return rec, nil
}

// boundingBox prefers the bbox supplied by the source document (2D or 3D)
// and falls back to the geometry's own bound.
func boundingBox(item *stac.RawItem, geom orb.Geometry) (xmin, ymin, xmax, ymax float64) {
	switch len(item.BBox) {
	case 4:
		return item.BBox[0], item.BBox[1], item.BBox[2], item.BBox[3]
	case 6:
		return item.BBox[0], item.BBox[1], item.BBox[3], item.BBox[4]
	}
	b := geom.Bound()
	return b.Min[0], b.Min[1], b.Max[0], b.Max[1]
}

// temporalExtent resolves the item's start/end timestamps, falling back to
// the single datetime field for either end. Unparsable values come back
// nil, never an empty value.
func temporalExtent(props map[string]interface{}) (start, end *time.Time) {
	pick := func(keys ...string) *time.Time {
		for _, k := range keys {
			s, ok := props[k].(string)
			if !ok {
				continue
			}
			if t, ok := parseTimestamp(s); ok {
				return &t
			}
		}
		return nil
	}
	return pick("start_datetime", "datetime"), pick("end_datetime", "datetime")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

type assetEntry struct {
	Name  string   `json:"name"`
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// compactAssets reduces the asset map to the viz allow-list (name, href,
// media type, roles), with hrefs resolved against the item's own location.
func compactAssets(item *stac.RawItem) string {
	entries := make([]assetEntry, 0, len(item.Assets))
	for name, a := range item.Assets {
		entries = append(entries, assetEntry{
			Name:  name,
			Href:  absoluteHref(item.Ref.URL, a.Href),
			Type:  a.Type,
			Roles: a.Roles,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	out, _ := json.Marshal(entries)
	return string(out)
}

type linkEntry struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// encodeLinks serializes the item's links; viz resolves them to absolute
// form, ARD keeps them exactly as provided.
func encodeLinks(item *stac.RawItem, absolute bool) string {
	entries := make([]linkEntry, 0, len(item.Links))
	for _, l := range item.Links {
		href := l.Href
		if absolute {
			href = absoluteHref(item.Ref.URL, href)
		}
		entries = append(entries, linkEntry{Rel: l.Rel, Href: href, Type: l.Type})
	}
	out, _ := json.Marshal(entries)
	return string(out)
}
