package wsclient

import "encoding/json"

// JSONRPCRequest is the envelope for outbound JSON-RPC requests. ID is
// omitted for fire-and-forget notifications (no correlated reply expected).
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse is the envelope for inbound JSON-RPC replies.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSONRPCNotification is the envelope for inbound JSON-RPC requests carrying
// no id of their own (server push: heartbeats, subscription data).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// frameKind classifies an inbound text/binary frame after JSON decoding.
type frameKind int

const (
	frameKindEvent frameKind = iota
	frameKindCorrelatedReply
	frameKindHeartbeatRequest
)

// classified is the result of decoding and classifying one inbound frame.
type classified struct {
	kind   frameKind
	id     interface{}
	method string
	raw    json.RawMessage
}

// classifyFrame decodes data as a generic envelope and determines whether it
// is a correlated reply (has an id already registered is decided by the
// caller; classifyFrame only extracts the id), a heartbeat-shaped request,
// or an opaque event to fan out to subscribers. Decode failures are
// reported as KindInvalidFrame.
func classifyFrame(data []byte) (classified, error) {
	var env struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *JSONRPCError   `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return classified{}, newErr("classifyFrame", KindInvalidFrame, err)
	}

	if env.Method == "heartbeat" && isTestRequest(env.Params) {
		return classified{kind: frameKindHeartbeatRequest, method: env.Method, raw: data}, nil
	}

	if env.ID != nil && env.Method == "" {
		return classified{kind: frameKindCorrelatedReply, id: env.ID, raw: data}, nil
	}

	return classified{kind: frameKindEvent, id: env.ID, method: env.Method, raw: data}, nil
}

func isTestRequest(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var p struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}
	return p.Type == "test_request"
}

// EncodeRequest marshals a JSON-RPC request envelope.
func EncodeRequest(id interface{}, method string, params interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}
