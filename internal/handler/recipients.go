package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recipients accepts either a comma-separated string or an array of
// addresses. Parsing and de-duplication happen in the service layer.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler
func (r *Recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Recipients{s}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("recipients must be a string or an array of strings")
	}
	*r = list
	return nil
}
