package stac

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ItemRef is the resolved location of one STAC item document, as produced
// by discovery. Refs are unique by URL within a provider run.
type ItemRef struct {
	Provider    string
	URL         string
	ProductType string // optional label taken from the catalog tree position
}

// Asset is one named download reference attached to an item.
type Asset struct {
	Href  string
	Title string
	Type  string
	Roles []string
}

// Link is one entry of an item's links array.
type Link struct {
	Rel   string
	Href  string
	Type  string
	Title string
}

// RawItem is a parsed item document. Geometry is kept as the raw GeoJSON
// fragment; decoding (and geometry validation) happens during harmonization
// so that a bad geometry counts as a harmonize failure, not a parse failure.
type RawItem struct {
	Ref          ItemRef
	ID           string
	GeometryJSON []byte
	BBox         []float64
	Properties   map[string]interface{}
	Assets       map[string]Asset
	Links        []Link
}

var (
	ErrInvalidJSON = errors.New("document is not valid JSON")
	ErrNoID        = errors.New("item document has no id")
)

// ParseItem parses a STAC item document body into a RawItem. It is tolerant
// of extra fields and of servers that mislabel content types; the only hard
// requirements at this stage are valid JSON and a non-empty id.
func ParseItem(ref ItemRef, body []byte) (*RawItem, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}
	doc := gjson.ParseBytes(body)

	id := doc.Get("id").String()
	if id == "" {
		return nil, ErrNoID
	}

	item := &RawItem{
		Ref:    ref,
		ID:     id,
		Assets: map[string]Asset{},
	}

	if geom := doc.Get("geometry"); geom.Exists() && geom.Type == gjson.JSON {
		item.GeometryJSON = []byte(geom.Raw)
	}

	for _, v := range doc.Get("bbox").Array() {
		item.BBox = append(item.BBox, v.Float())
	}

	if props, ok := doc.Get("properties").Value().(map[string]interface{}); ok {
		item.Properties = props
	} else {
		item.Properties = map[string]interface{}{}
	}

	doc.Get("assets").ForEach(func(key, value gjson.Result) bool {
		a := Asset{
			Href:  value.Get("href").String(),
			Title: value.Get("title").String(),
			Type:  value.Get("type").String(),
		}
		for _, r := range value.Get("roles").Array() {
			a.Roles = append(a.Roles, r.String())
		}
		item.Assets[key.String()] = a
		return true
	})

	doc.Get("links").ForEach(func(_, value gjson.Result) bool {
		item.Links = append(item.Links, Link{
			Rel:   value.Get("rel").String(),
			Href:  value.Get("href").String(),
			Type:  value.Get("type").String(),
			Title: value.Get("title").String(),
		})
		return true
	})

	return item, nil
}
