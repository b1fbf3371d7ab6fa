package flow

import (
	"encoding/json"
	"fmt"
)

// deepCopy creates an independent copy of v via JSON round-tripping.
//
// Every persisted type in this package is JSON-serializable, so this is also
// the copy the stores would hand back after a save and load.
func deepCopy[T any](v T) (T, error) {
	var zero T

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal value: %w", err)
	}

	var copied T
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return copied, nil
}
