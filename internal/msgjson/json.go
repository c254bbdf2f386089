// Package msgjson holds the jsonb column type for the opaque JSON the
// relay stores per message: the ordered recipient list and the
// device→wrapped-key map. The relay validates shape at ingest and never
// interprets the contents again, so the column type only guards that
// whatever enters or leaves the database is well-formed JSON.
package msgjson

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotJSON reports a value that is not a well-formed JSON document.
var ErrNotJSON = errors.New("msgjson: value is not well-formed JSON")

// JSON is a raw JSON document bindable to a jsonb column. It implements
// sql.Scanner and driver.Valuer plus the encoding/json interfaces, so
// recipient lists and wrapped-key maps pass through the store and the
// wire format without re-decoding.
type JSON []byte

// Wrap marshals v into a column value.
func Wrap(v any) (JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgjson: wrap: %w", err)
	}
	return JSON(data), nil
}

func checked(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, ErrNotJSON
	}
	return append([]byte(nil), data...), nil
}

// MarshalJSON returns the stored document, or null when empty.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return checked(j)
}

// UnmarshalJSON stores the provided document verbatim.
func (j *JSON) UnmarshalJSON(data []byte) error {
	copied, err := checked(data)
	if err != nil {
		return err
	}
	*j = copied
	return nil
}

// Value implements driver.Valuer. A copy is returned so the driver never
// aliases the column's backing array.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	data, err := checked(j)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Scan implements sql.Scanner for the byte and string forms drivers hand
// back.
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		copied, err := checked(v)
		if err != nil {
			return err
		}
		*j = copied
		return nil
	case string:
		copied, err := checked([]byte(v))
		if err != nil {
			return err
		}
		*j = copied
		return nil
	default:
		return fmt.Errorf("msgjson: cannot scan %T into JSON column", value)
	}
}
