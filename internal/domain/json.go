package domain

import (
	"bytes"
	"encoding/json"
)

// EncodeJSON encodes v like json.Marshal but leaves <, > and & literal, so
// stored text matches what the SDK sent.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
