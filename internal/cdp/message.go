package cdp

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// wire is the frame codec. Every frame carries exactly one JSON object.
var wire = jsoniter.ConfigCompatibleWithStandardLibrary

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// message is the union of responses ({id, result|error}) and events
// ({method, params}) read off the socket.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (m *message) isResponse() bool { return m.ID > 0 }

// Event is an asynchronous protocol notification.
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
	// Raw is the complete frame the event arrived in.
	Raw []byte
}

// Get returns the value at a gjson path inside the event params.
func (e *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Params, path)
}

func encodeRequest(id int64, method string, params interface{}) ([]byte, error) {
	req := request{ID: id, Method: method}
	if params != nil {
		switch p := params.(type) {
		case json.RawMessage:
			req.Params = p
		case []byte:
			req.Params = p
		default:
			data, err := wire.Marshal(params)
			if err != nil {
				return nil, err
			}
			req.Params = data
		}
	}
	return wire.Marshal(req)
}

func decodeMessage(data []byte) (*message, error) {
	var msg message
	if err := wire.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
