package bitable

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// FieldType enumerates the destination field type codes. The numeric values
// are the wire representation expected by the Bitable API and must not be
// reordered.
type FieldType int

const (
	FieldTypeText         FieldType = 1
	FieldTypeNumber       FieldType = 2
	FieldTypeSingleSelect FieldType = 3
	FieldTypeMultiSelect  FieldType = 4
	FieldTypeDate         FieldType = 5
	FieldTypeCheckbox     FieldType = 7
	FieldTypePerson       FieldType = 11
	FieldTypePhone        FieldType = 13
	FieldTypeURL          FieldType = 15
	FieldTypeAttachment   FieldType = 17
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeText:
		return "text"
	case FieldTypeNumber:
		return "number"
	case FieldTypeSingleSelect:
		return "single_select"
	case FieldTypeMultiSelect:
		return "multi_select"
	case FieldTypeDate:
		return "date"
	case FieldTypeCheckbox:
		return "checkbox"
	case FieldTypePerson:
		return "person"
	case FieldTypePhone:
		return "phone"
	case FieldTypeURL:
		return "url"
	case FieldTypeAttachment:
		return "attachment"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Field describes a single column of a destination table.
type Field struct {
	ID   string    `json:"field_id,omitempty"`
	Name string    `json:"field_name"`
	Type FieldType `json:"type"`
}

// The source type names which map to a Number field. Oracle reports these
// without any precision/scale suffix in user_tab_columns.
var numericTypes = map[string]bool{
	"NUMBER":        true,
	"FLOAT":         true,
	"BINARY_FLOAT":  true,
	"BINARY_DOUBLE": true,
	"INTEGER":       true,
	"INT":           true,
	"SMALLINT":      true,
	"DECIMAL":       true,
	"NUMERIC":       true,
	"REAL":          true,
}

// MapColumnType maps a source column's declared type to a destination field
// type. Matching is case-insensitive. Temporal types cover DATE and every
// TIMESTAMP variant, including precision suffixes like TIMESTAMP(6) and the
// WITH [LOCAL] TIME ZONE forms. Unrecognized types become Text.
func MapColumnType(sourceType string) FieldType {
	var dataType = strings.ToUpper(strings.TrimSpace(sourceType))

	if numericTypes[dataType] {
		return FieldTypeNumber
	}
	if dataType == "DATE" || strings.HasPrefix(dataType, "TIMESTAMP") {
		return FieldTypeDate
	}
	switch {
	case strings.HasPrefix(dataType, "VARCHAR"), strings.HasPrefix(dataType, "NVARCHAR"),
		strings.HasPrefix(dataType, "CHAR"), strings.HasPrefix(dataType, "NCHAR"),
		dataType == "CLOB", dataType == "NCLOB", dataType == "LONG", dataType == "RAW":
		return FieldTypeText
	}
	log.WithField("dataType", sourceType).Warn("unknown source column type, mapping to text")
	return FieldTypeText
}

// InferFieldType guesses a destination field type from a sample value. It is
// only consulted when the source schema is unavailable; schema-driven mapping
// via MapColumnType is always preferred.
func InferFieldType(value any) FieldType {
	switch v := value.(type) {
	case nil:
		return FieldTypeText
	case bool:
		return FieldTypeCheckbox
	case int, int32, int64, float32, float64:
		return FieldTypeNumber
	case json.Number:
		return FieldTypeNumber
	case string:
		if len(v) >= 10 {
			if _, err := time.Parse("2006-01-02", v[:10]); err == nil {
				return FieldTypeDate
			}
		}
		return FieldTypeText
	}
	return FieldTypeText
}
