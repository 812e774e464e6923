package harmonize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ColumnType is the resolved storage type of one output column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeFloat
	TypeBool
	TypeTimestamp
	// TypeBBox is the viz variant's nested min/max struct.
	TypeBBox
)

// NormalizeColumnTypes resolves one uniform type per column across all
// records and coerces values in place to match. The declared rule: a
// column whose non-null values are uniformly numeric, boolean, string or
// timestamp keeps that type (numerics widen to float64); any column
// containing composite values (arrays, objects) or a mix of scalar kinds
// is serialized to strings. The returned map is the union column set:
// a record lacking a key stores a null, the column itself never drops.
func NormalizeColumnTypes(recs []*Record) map[string]ColumnType {
	kinds := map[string]map[valueKind]bool{}
	for _, rec := range recs {
		for name, v := range rec.Columns {
			if v == nil {
				delete(rec.Columns, name)
				continue
			}
			if kinds[name] == nil {
				kinds[name] = map[valueKind]bool{}
			}
			kinds[name][kindOf(name, v)] = true
		}
	}

	types := make(map[string]ColumnType, len(kinds))
	for name, seen := range kinds {
		types[name] = resolve(seen)
	}

	for _, rec := range recs {
		for name, v := range rec.Columns {
			switch types[name] {
			case TypeString:
				rec.Columns[name] = stringify(v)
			case TypeFloat:
				rec.Columns[name] = toFloat(v)
			}
		}
	}
	return types
}

type valueKind int

const (
	kindBool valueKind = iota
	kindNumber
	kindString
	kindTimestamp
	kindBBox
	kindComposite
)

func kindOf(name string, v interface{}) valueKind {
	switch v.(type) {
	case bool:
		return kindBool
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return kindNumber
	case string:
		return kindString
	case time.Time:
		return kindTimestamp
	case map[string]interface{}:
		if name == "bbox" {
			return kindBBox
		}
		return kindComposite
	default:
		return kindComposite
	}
}

func resolve(seen map[valueKind]bool) ColumnType {
	if len(seen) != 1 {
		return TypeString
	}
	for k := range seen {
		switch k {
		case kindBool:
			return TypeBool
		case kindNumber:
			return TypeFloat
		case kindTimestamp:
			return TypeTimestamp
		case kindBBox:
			return TypeBBox
		case kindString:
			return TypeString
		}
	}
	return TypeString
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	case []interface{}, map[string]interface{}:
		out, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(out)
	default:
		return fmt.Sprint(v)
	}
}
