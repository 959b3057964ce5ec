package plugin

import (
	"encoding/json"
	"fmt"
)

// Handle is the opaque, serializable token identifying where an agent runs.
// The engine persists handles in session metadata and passes them back to
// the owning runtime without interpreting Data.
type Handle struct {
	// ID names the execution context inside the runtime, for example a
	// tmux session name or a container ID.
	ID string `json:"id"`
	// RuntimeName is the plugin that created the handle and the only one
	// allowed to interpret it.
	RuntimeName string `json:"runtimeName"`
	// Data holds runtime-specific details such as a pid or socket path.
	Data map[string]string `json:"data,omitempty"`
}

// IsZero reports whether the handle is empty.
func (h Handle) IsZero() bool {
	return h.ID == "" && h.RuntimeName == ""
}

// Encode serializes the handle for storage in session metadata.
func (h Handle) Encode() (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode handle: %w", err)
	}
	return string(raw), nil
}

// DecodeHandle parses a handle previously produced by Encode.
func DecodeHandle(s string) (Handle, error) {
	var h Handle
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return Handle{}, fmt.Errorf("failed to decode handle: %w", err)
	}
	if h.RuntimeName == "" {
		return Handle{}, fmt.Errorf("handle missing runtime name")
	}
	return h, nil
}
