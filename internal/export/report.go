package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Release is the JSON document written next to a released table.
type Release struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt time.Time   `json:"created_at"`
	Technique string      `json:"technique,omitempty"`
	Rows      int         `json:"rows"`
	Columns   []string    `json:"columns"`
	Report    interface{} `json:"report"`
	Utility   interface{} `json:"utility,omitempty"`
}

// WriteJSON encodes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
