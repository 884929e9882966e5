package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringMap is a flat string map stored as jsonb.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(StringMap)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringMap: %T", value)
	}

	return json.Unmarshal(bytes, m)
}
