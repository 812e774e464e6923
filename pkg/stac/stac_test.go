package stac

import (
	"errors"
	"testing"
)

var itemDoc = []byte(`{
  "type": "Feature",
  "id": "CAPELLA_C05_SM_GEO_HH_20230115",
  "bbox": [10.0, 20.0, 11.0, 21.0],
  "geometry": {"type": "Polygon", "coordinates": [[[10,20],[11,20],[11,21],[10,21],[10,20]]]},
  "properties": {
    "datetime": "2023-01-15T10:00:00Z",
    "sar:product_type": "GEO",
    "proj:shape": [1000, 2000]
  },
  "assets": {
    "thumbnail": {"href": "./thumb.png", "type": "image/png", "roles": ["thumbnail"], "title": "Thumbnail"},
    "data": {"href": "https://example.com/data.tif", "type": "image/tiff"}
  },
  "links": [
    {"rel": "self", "href": "item.json"},
    {"rel": "collection", "href": "../collection.json", "type": "application/json"}
  ]
}`)

func TestParseItem(t *testing.T) {
	ref := ItemRef{Provider: "capella", URL: "https://example.com/stac/item.json"}
	item, err := ParseItem(ref, itemDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item.ID != "CAPELLA_C05_SM_GEO_HH_20230115" {
		t.Fatalf("wrong id: %s", item.ID)
	}
	if len(item.GeometryJSON) == 0 {
		t.Fatal("geometry fragment not captured")
	}
	if len(item.BBox) != 4 || item.BBox[2] != 11.0 {
		t.Fatalf("wrong bbox: %v", item.BBox)
	}
	if item.Properties["sar:product_type"] != "GEO" {
		t.Fatalf("missing property, got %v", item.Properties)
	}

	thumb, ok := item.Assets["thumbnail"]
	if !ok {
		t.Fatal("thumbnail asset missing")
	}
	if thumb.Href != "./thumb.png" || thumb.Type != "image/png" {
		t.Fatalf("wrong asset: %+v", thumb)
	}
	if len(thumb.Roles) != 1 || thumb.Roles[0] != "thumbnail" {
		t.Fatalf("wrong roles: %v", thumb.Roles)
	}

	if len(item.Links) != 2 || item.Links[1].Rel != "collection" {
		t.Fatalf("wrong links: %+v", item.Links)
	}
}

func TestParseItemInvalidJSON(t *testing.T) {
	_, err := ParseItem(ItemRef{}, []byte(`{"id": "x", truncated`))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestParseItemNoID(t *testing.T) {
	_, err := ParseItem(ItemRef{}, []byte(`{"type": "Feature", "properties": {}}`))
	if !errors.Is(err, ErrNoID) {
		t.Fatalf("expected ErrNoID, got %v", err)
	}
}

func TestParseItemWithoutGeometry(t *testing.T) {
	item, err := ParseItem(ItemRef{}, []byte(`{"id": "x", "geometry": null, "properties": {}}`))
	if err != nil {
		t.Fatalf("missing geometry must not fail parsing: %v", err)
	}
	if item.GeometryJSON != nil {
		t.Fatalf("expected no geometry fragment, got %s", item.GeometryJSON)
	}
}
