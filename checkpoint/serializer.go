package checkpoint

import (
	"encoding/json"
	"fmt"
)

// StateSerializer converts a run state value to and from a transport
// neutral string. Implementations must round-trip losslessly for any value
// the caller considers serializable.
type StateSerializer interface {
	Serialize(state any) (string, error)
	Deserialize(data string, out any) error
}

// JSONSerializer is the default StateSerializer using encoding/json.
type JSONSerializer struct{}

// NewJSONSerializer creates a JSON state serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize encodes the state as a JSON string.
func (s *JSONSerializer) Serialize(state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}
	return string(data), nil
}

// Deserialize decodes a JSON string into out, which must be a pointer.
func (s *JSONSerializer) Deserialize(data string, out any) error {
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("deserialize state: %w", err)
	}
	return nil
}

var _ StateSerializer = (*JSONSerializer)(nil)
