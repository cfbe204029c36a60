package types

import (
	"strings"
	"time"
)

// DataType is the closed set of data types a property definition may
// declare. The storage column stays plain text; values are checked here.
type DataType string

// Property data types.
const (
	DataTypeText     DataType = "text"
	DataTypeInteger  DataType = "integer"
	DataTypeDecimal  DataType = "decimal"
	DataTypeBoolean  DataType = "boolean"
	DataTypeDate     DataType = "date"
	DataTypeDateTime DataType = "datetime"
)

// validDataTypes is the set of recognized data types.
var validDataTypes = map[DataType]bool{
	DataTypeText:     true,
	DataTypeInteger:  true,
	DataTypeDecimal:  true,
	DataTypeBoolean:  true,
	DataTypeDate:     true,
	DataTypeDateTime: true,
}

// DataTypes lists the recognized data types in display order.
func DataTypes() []DataType {
	return []DataType{DataTypeText, DataTypeInteger, DataTypeDecimal, DataTypeBoolean, DataTypeDate, DataTypeDateTime}
}

// ParseDataType accepts the canonical names case-insensitively.
// Returns ErrInvalidDataType if the name is not recognized.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !validDataTypes[dt] {
		return "", ErrInvalidDataType
	}
	return dt, nil
}

// IsValidDataType reports whether dt is a recognized data type.
func IsValidDataType(dt DataType) bool {
	return validDataTypes[dt]
}

// PropertyDefinition is one entry of the canonical property dictionary.
type PropertyDefinition struct {
	ID          string    `json:"id"`                    // UUID v7, generated on creation.
	Name        string    `json:"name"`                  // Unique human-readable name.
	DataType    DataType  `json:"data_type"`             // One of the DataType constants.
	Unit        string    `json:"unit,omitempty"`        // Optional unit of measure.
	Description string    `json:"description,omitempty"` // Optional explanation.
	Deprecated  bool      `json:"deprecated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields a caller supplies.
func (p *PropertyDefinition) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return NewError(KindValidation, "validate property", "", ErrInvalidName)
	}
	if !IsValidDataType(p.DataType) {
		return NewError(KindValidation, "validate property", p.Name, ErrInvalidDataType).
			WithHint("use one of: text, integer, decimal, boolean, date, datetime")
	}
	return nil
}
