package hub

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// recordSeparator terminates every JSON hub protocol record
const recordSeparator = 0x1e

// Message types of the JSON hub protocol
const (
	typeInvocation = 1
	typeStreamItem = 2
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// message is an inbound hub record
type message struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// invocation is an outbound call
type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// completion answers a server invocation that carried an id
type completion struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

type ping struct {
	Type int `json:"type"`
}

// encodeRecord marshals v and appends the record separator
func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hub record: %w", err)
	}
	return append(data, recordSeparator), nil
}

// splitRecords splits a frame into its records, dropping empty ones
func splitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{recordSeparator})
	records := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			records = append(records, p)
		}
	}
	return records
}

// closeError is a close record sent by the server
type closeError struct {
	message        string
	allowReconnect bool
}

func (e *closeError) Error() string {
	if e.message == "" {
		return "server closed the connection"
	}
	return "server closed the connection: " + e.message
}
