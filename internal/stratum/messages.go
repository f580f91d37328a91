// ============================================================================
// Cuckoo-Mine Stratum Messages
// ============================================================================
//
// Package: internal/stratum
// File: messages.go
// Purpose: Wire types for the line-delimited JSON-RPC stratum dialect the
// node speaks. One envelope covers requests, responses and notifications;
// which one a line is follows from which fields are set.
//
// ============================================================================

package stratum

import "encoding/json"

// message is the JSON-RPC envelope. Requests carry ID+Method+Params,
// responses carry ID+Result/Error, and node notifications carry Method+
// Params with no ID (they are never answered).
type message struct {
	ID      *uint64         `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Method names, fixed by the node's stratum dialect.
const (
	methodLogin     = "login"
	methodGetJob    = "getjobtemplate"
	methodJob       = "job"
	methodSubmit    = "submit"
	methodKeepalive = "keepalive"
)

type loginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// jobParams is both the "job" notification payload and the result of a
// "getjobtemplate" request. PrePow is hex-encoded on the wire.
type jobParams struct {
	Height     uint64 `json:"height"`
	JobID      uint64 `json:"job_id"`
	Difficulty uint64 `json:"difficulty"`
	PrePow     string `json:"pre_pow"`
}

type submitParams struct {
	Height   uint64   `json:"height"`
	JobID    uint64   `json:"job_id"`
	EdgeBits uint8    `json:"edge_bits"`
	Nonce    uint64   `json:"nonce"`
	Pow      []uint32 `json:"pow"`
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All params types above marshal unconditionally.
		panic(err)
	}
	return b
}
