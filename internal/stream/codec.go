package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Hub messages use the JSON hub protocol: each message is a JSON object
// terminated by the ASCII record separator.
const recordSeparator = 0x1e

// Hub message types.
const (
	msgInvocation = 1
	msgStreamItem = 2
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

// inbound is the subset of hub message fields levelx reads.
type inbound struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

func frame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

func encodeHandshake() []byte {
	b, _ := frame(handshakeRequest{Protocol: "json", Version: 1})
	return b
}

func encodeInvocation(target string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return frame(invocation{Type: msgInvocation, Target: target, Arguments: args})
}

func encodePing() []byte {
	b, _ := frame(struct {
		Type int `json:"type"`
	}{msgPing})
	return b
}

// splitFrames splits a websocket payload into its record-separated
// messages. A payload may carry several messages.
func splitFrames(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			out = append(out, part)
		}
	}
	return out
}

func decodeHandshake(data []byte) error {
	frames := splitFrames(data)
	if len(frames) == 0 {
		return fmt.Errorf("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return fmt.Errorf("decoding handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}
