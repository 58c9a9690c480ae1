package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fingerprint returns the cache key of a request: canonical JSON of its type and data.
// The id never takes part, so the same call from two channels maps to one key.
// encoding/json sorts map keys, which makes a decode/encode round trip canonical.
func Fingerprint(msg Message) (string, error) {
	key := struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: msg.Type}

	if len(bytes.TrimSpace(msg.Data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(msg.Data))
		dec.UseNumber() // keep 1 and 1.0 distinct, and large ints exact
		if err := dec.Decode(&key.Data); err != nil {
			return "", fmt.Errorf("failed to canonicalize request data: %w", err)
		}
	}

	out, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	return string(out), nil
}
