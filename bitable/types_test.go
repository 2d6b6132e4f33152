package bitable

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapColumnType(t *testing.T) {
	for _, tc := range []struct {
		sourceType string
		expect     FieldType
	}{
		{"NUMBER", FieldTypeNumber},
		{"number", FieldTypeNumber},
		{"FLOAT", FieldTypeNumber},
		{"BINARY_DOUBLE", FieldTypeNumber},
		{"INTEGER", FieldTypeNumber},
		{"DATE", FieldTypeDate},
		{"date", FieldTypeDate},
		{"TIMESTAMP", FieldTypeDate},
		{"TIMESTAMP(6)", FieldTypeDate},
		{"TIMESTAMP(9) WITH TIME ZONE", FieldTypeDate},
		{"TIMESTAMP(6) WITH LOCAL TIME ZONE", FieldTypeDate},
		{"VARCHAR2", FieldTypeText},
		{"NVARCHAR2", FieldTypeText},
		{"CHAR", FieldTypeText},
		{"CLOB", FieldTypeText},
		{"RAW", FieldTypeText},
		{"SDO_GEOMETRY", FieldTypeText}, // unknown types fall back to text
		{"", FieldTypeText},
	} {
		t.Run(tc.sourceType, func(t *testing.T) {
			require.Equal(t, tc.expect, MapColumnType(tc.sourceType))
		})
	}
}

func TestInferFieldType(t *testing.T) {
	for _, tc := range []struct {
		name   string
		value  any
		expect FieldType
	}{
		{"nil", nil, FieldTypeText},
		{"bool", true, FieldTypeCheckbox},
		{"int", 42, FieldTypeNumber},
		{"int64", int64(42), FieldTypeNumber},
		{"float", 12.34, FieldTypeNumber},
		{"json number", json.Number("7"), FieldTypeNumber},
		{"iso date", "2024-02-26", FieldTypeDate},
		{"iso datetime", "2024-02-26T12:34:56Z", FieldTypeDate},
		{"short string", "hello", FieldTypeText},
		{"long non-date", "hello world again", FieldTypeText},
		{"almost a date", "2024-13-99", FieldTypeText},
		{"slice", []string{"x"}, FieldTypeText},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, InferFieldType(tc.value))
		})
	}
}

// Both mapping functions are pure: repeated calls with the same input must
// agree.
func TestMappingDeterminism(t *testing.T) {
	for _, sourceType := range []string{"NUMBER", "DATE", "VARCHAR2", "MYSTERY"} {
		require.Equal(t, MapColumnType(sourceType), MapColumnType(sourceType))
	}
	for _, value := range []any{nil, true, 42, "2024-02-26", "plain"} {
		require.Equal(t, InferFieldType(value), InferFieldType(value))
	}
}
