package adminchat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Hub JSON protocol: every record is a JSON document followed by the ASCII
// record separator.
const recordSeparator = 0x1e

const (
	frameInvocation = 1
	frameCompletion = 3
	framePing       = 6
	frameClose      = 7
)

var handshakeRequest = []byte(`{"protocol":"json","version":1}` + "\x1e")

// hubFrame is the union of the frame kinds the client reads and writes.
type hubFrame struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// invocationFrame is the outbound form; arguments are encoded from Go values.
type invocationFrame struct {
	Type         int           `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
}

func encodeRecord(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

func encodeInvocation(invocationID, target string, args []interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	return encodeRecord(invocationFrame{
		Type:         frameInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    args,
	})
}

func encodePing() []byte {
	return []byte(`{"type":6}` + "\x1e")
}

// splitRecords splits one transport message into its records. Empty records
// are skipped; a trailing record without separator is kept.
func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, recordSeparator)
		if i < 0 {
			if len(bytes.TrimSpace(data)) > 0 {
				out = append(out, data)
			}
			break
		}
		if rec := data[:i]; len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
		data = data[i+1:]
	}
	return out
}

func decodeFrame(rec []byte) (*hubFrame, error) {
	var f hubFrame
	if err := json.Unmarshal(rec, &f); err != nil {
		return nil, fmt.Errorf("decode hub frame: %w", err)
	}
	return &f, nil
}

// parseHandshakeResponse validates the first record sent by the hub and
// returns any records that arrived in the same transport message.
func parseHandshakeResponse(data []byte) ([][]byte, error) {
	recs := splitRecords(data)
	if len(recs) == 0 {
		return nil, fmt.Errorf("empty handshake response")
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recs[0], &resp); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return recs[1:], nil
}
