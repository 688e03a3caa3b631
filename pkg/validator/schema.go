package validator

import (
	"encoding/json"
	"io"
	"strings"
)

func newStringReader(s string) io.Reader { return strings.NewReader(s) }

// toValidatable round-trips the payload through JSON so the schema
// validator sees canonical JSON value types regardless of how the payload
// map was constructed.
func toValidatable(payload map[string]any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return payload
	}
	return generic
}
