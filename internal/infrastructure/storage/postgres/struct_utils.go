package postgres

import (
	"reflect"
	"sync"
)

// Columns returns the "db" tags of T in field order, descending into embedded structs.
//
//	cols := Columns[ledger.Entry]()
//	// ["id", "transfer_id", "account_id", "amount", ...]
func Columns[T any]() []string {
	var zero T
	meta := metadataOf(reflect.TypeOf(zero))
	if meta == nil {
		return nil
	}
	cols := make([]string, len(meta.fields))
	for i, f := range meta.fields {
		cols[i] = f.column
	}
	return cols
}

// Values returns the tagged field values of v in the order of Columns.
func Values(v any) []any {
	rv := reflect.Indirect(reflect.ValueOf(v))
	meta := metadataOf(rv.Type())
	if meta == nil {
		return nil
	}
	vals := make([]any, len(meta.fields))
	for i, f := range meta.fields {
		vals[i] = rv.FieldByIndex(f.index).Interface()
	}
	return vals
}

// ColumnMap maps column names to field values, for squirrel's SetMap.
func ColumnMap(v any) map[string]any {
	rv := reflect.Indirect(reflect.ValueOf(v))
	meta := metadataOf(rv.Type())
	if meta == nil {
		return nil
	}
	m := make(map[string]any, len(meta.fields))
	for _, f := range meta.fields {
		m[f.column] = rv.FieldByIndex(f.index).Interface()
	}
	return m
}

type columnField struct {
	column string
	index  []int
}

type structMetadata struct {
	fields []columnField
}

var metadataCache sync.Map // map[reflect.Type]*structMetadata

func metadataOf(t reflect.Type) *structMetadata {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	if cached, ok := metadataCache.Load(t); ok {
		return cached.(*structMetadata)
	}

	meta := &structMetadata{}
	collectFields(t, nil, meta)
	actual, _ := metadataCache.LoadOrStore(t, meta)
	return actual.(*structMetadata)
}

func collectFields(t reflect.Type, prefix []int, meta *structMetadata) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		index := append(append([]int(nil), prefix...), i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collectFields(field.Type, index, meta)
			continue
		}
		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		meta.fields = append(meta.fields, columnField{column: tag, index: index})
	}
}
