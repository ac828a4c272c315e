// internal/websocket/types.go
package websocket

// Message kinds.
const (
	KindRequest  = "rpc_request"
	KindResponse = "rpc_response"
	KindEvent    = "event"
)

// RPCRequest is a method call sent by a client
type RPCRequest struct {
	ID     string        `json:"id"`     // echoed in the response
	Method string        `json:"method"` // e.g. "CreateCheckpoint"
	Params []interface{} `json:"params"` // positional arguments
}

// RPCResponse answers one RPCRequest
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is pushed by the server without a request
type WSEvent struct {
	Type    string      `json:"type"` // e.g. "created"
	Payload interface{} `json:"payload"`
}

// WSMessage is the envelope for every websocket frame
type WSMessage struct {
	// One of KindRequest, KindResponse, KindEvent
	Kind string `json:"kind"`

	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
