// Package geoparquet assembles harmonized records into tables and writes
// them as GeoParquet: parquet files whose "geo" key-value metadata declares
// the geometry column so spatial readers need not guess.
package geoparquet

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/geoharvest/stacharvest/pkg/harmonize"
)

// WriteTable writes one output table. Rows are sorted by (provider, id) and
// the schema is the union of all record columns, so output is deterministic
// for a given record set. The file is written to a temp path and renamed
// into place; interruption never leaves a partial table at path.
func WriteTable(path string, recs []*harmonize.Record, variant harmonize.Variant) error {
	if len(recs) == 0 {
		return fmt.Errorf("refusing to write empty table %s", path)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Provider != recs[j].Provider {
			return recs[i].Provider < recs[j].Provider
		}
		return recs[i].ID < recs[j].ID
	})

	// Discovery dedups by URL only; the same item reachable at two URLs
	// must still appear once per table. First record wins.
	uniq := make([]*harmonize.Record, 0, len(recs))
	for _, rec := range recs {
		if n := len(uniq); n > 0 && uniq[n-1].Provider == rec.Provider && uniq[n-1].ID == rec.ID {
			continue
		}
		uniq = append(uniq, rec)
	}
	recs = uniq

	types := harmonize.NormalizeColumnTypes(recs)
	schema := parquet.NewSchema("items", buildGroup(types, variant))

	rows := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		geom, err := encodeGeometry(rec.Geometry, variant)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		row := map[string]any{
			"provider": rec.Provider,
			"id":       rec.ID,
			"geometry": geom,
		}
		for name, v := range rec.Columns {
			if ts, ok := v.(time.Time); ok {
				row[name] = ts.UTC().UnixMilli()
				continue
			}
			row[name] = v
		}
		rows = append(rows, row)
	}

	return writeAtomic(path, schema, rows, geoMetadata(recs, variant))
}

// buildGroup maps resolved column types onto parquet nodes. parquet-go
// orders group fields by name, which keeps column order stable across runs.
func buildGroup(types map[string]harmonize.ColumnType, variant harmonize.Variant) parquet.Group {
	group := parquet.Group{
		"provider": parquet.String(),
		"id":       parquet.String(),
	}
	if variant == harmonize.ARD {
		group["geometry"] = parquet.Leaf(parquet.ByteArrayType)
	} else {
		group["geometry"] = parquet.String()
	}

	for name, t := range types {
		switch t {
		case harmonize.TypeBBox:
			group[name] = parquet.Group{
				"xmin": parquet.Leaf(parquet.DoubleType),
				"ymin": parquet.Leaf(parquet.DoubleType),
				"xmax": parquet.Leaf(parquet.DoubleType),
				"ymax": parquet.Leaf(parquet.DoubleType),
			}
		case harmonize.TypeFloat:
			group[name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case harmonize.TypeBool:
			group[name] = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		case harmonize.TypeTimestamp:
			group[name] = parquet.Optional(parquet.Timestamp(parquet.Millisecond))
		default:
			group[name] = parquet.Optional(parquet.String())
		}
	}
	return group
}

// encodeGeometry picks the per-variant geometry encoding: WKB bytes for
// ARD (native columnar geometry), GeoJSON text for viz (portable).
func encodeGeometry(geom orb.Geometry, variant harmonize.Variant) (any, error) {
	if variant == harmonize.ARD {
		return wkb.Marshal(geom)
	}
	out, err := json.Marshal(geojson.NewGeometry(geom))
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

type geoColumn struct {
	Encoding      string   `json:"encoding"`
	GeometryTypes []string `json:"geometry_types"`
}

type geoFileMeta struct {
	Version       string               `json:"version"`
	PrimaryColumn string               `json:"primary_column"`
	Columns       map[string]geoColumn `json:"columns"`
}

func geoMetadata(recs []*harmonize.Record, variant harmonize.Variant) string {
	seen := map[string]bool{}
	for _, rec := range recs {
		seen[rec.Geometry.GeoJSONType()] = true
	}
	geomTypes := make([]string, 0, len(seen))
	for t := range seen {
		geomTypes = append(geomTypes, t)
	}
	sort.Strings(geomTypes)

	encoding := "GeoJSON"
	if variant == harmonize.ARD {
		encoding = "WKB"
	}
	meta := geoFileMeta{
		Version:       "1.0.0",
		PrimaryColumn: "geometry",
		Columns: map[string]geoColumn{
			"geometry": {Encoding: encoding, GeometryTypes: geomTypes},
		},
	}
	out, _ := json.Marshal(meta)
	return string(out)
}

func writeAtomic(path string, schema *parquet.Schema, rows []map[string]any, geoMeta string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	w := parquet.NewGenericWriter[map[string]any](f, schema, parquet.KeyValueMetadata("geo", geoMeta))
	if _, err := w.Write(rows); err != nil {
		cleanup()
		return err
	}
	if err := w.Close(); err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadTable reads every row of a table back as generic maps. Used to
// verify round-trips; timestamps come back as epoch milliseconds and ARD
// geometries as WKB bytes.
func ReadTable(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, err
	}

	// Map rows carry no schema of their own; read with the file's.
	reader := parquet.NewGenericReader[map[string]any](f, pf.Schema())
	defer reader.Close()

	var out []map[string]any
	for {
		buf := make([]map[string]any, 64)
		for i := range buf {
			buf[i] = map[string]any{}
		}
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

// GeoMetadata returns the raw "geo" file metadata of a table.
func GeoMetadata(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return "", err
	}
	for _, kv := range pf.Metadata().KeyValueMetadata {
		if kv.Key == "geo" {
			return kv.Value, nil
		}
	}
	return "", fmt.Errorf("%s carries no geo metadata", path)
}
