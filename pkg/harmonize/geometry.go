package harmonize

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/tidwall/gjson"
)

var errNoGeometry = errors.New("item has no usable geometry")

// decodeGeometry parses a GeoJSON Polygon or MultiPolygon fragment into an
// orb geometry. Coordinates are reduced to 2D (some providers emit Z
// values) and anything that is not a polygonal geometry is rejected.
func decodeGeometry(raw []byte) (orb.Geometry, error) {
	if len(raw) == 0 {
		return nil, errNoGeometry
	}
	doc := gjson.ParseBytes(raw)
	coords := doc.Get("coordinates")

	switch t := doc.Get("type").String(); t {
	case "Polygon":
		return decodePolygon(coords)
	case "MultiPolygon":
		var mp orb.MultiPolygon
		for _, polyCoords := range coords.Array() {
			poly, err := decodePolygon(polyCoords)
			if err != nil {
				return nil, err
			}
			mp = append(mp, poly)
		}
		if len(mp) == 0 {
			return nil, errNoGeometry
		}
		return mp, nil
	case "":
		return nil, errNoGeometry
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", t)
	}
}

func decodePolygon(coords gjson.Result) (orb.Polygon, error) {
	var poly orb.Polygon
	for _, ringCoords := range coords.Array() {
		var ring orb.Ring
		for _, pos := range ringCoords.Array() {
			pts := pos.Array()
			if len(pts) < 2 {
				return nil, fmt.Errorf("position with %d coordinates", len(pts))
			}
			// Z values, when present, are dropped.
			ring = append(ring, orb.Point{pts[0].Float(), pts[1].Float()})
		}
		if len(ring) < 4 {
			return nil, fmt.Errorf("ring with %d positions", len(ring))
		}
		poly = append(poly, ring)
	}
	if len(poly) == 0 {
		return nil, errNoGeometry
	}
	return poly, nil
}
