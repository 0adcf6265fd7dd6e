// Package protocol defines the Gateway wire frames exchanged over the
// outbound WebSocket: one JSON object per WS message, three frame kinds.
package protocol

import "encoding/json"

// FrameType distinguishes the three frame kinds on the wire.
type FrameType string

const (
	FrameReq   FrameType = "req"
	FrameRes   FrameType = "res"
	FrameEvent FrameType = "event"
)

// Envelope is the minimal shape used to sniff a frame's type before
// unmarshaling into the concrete struct.
type Envelope struct {
	Type FrameType `json:"type"`
}

// ReqFrame is a client→server request, correlated by ID.
type ReqFrame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewReq builds a req frame, marshaling params.
func NewReq(id, method string, params interface{}) (*ReqFrame, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &ReqFrame{Type: FrameReq, ID: id, Method: method, Params: raw}, nil
}

// ResError is the error payload of a failed res frame.
type ResError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResFrame is a server→client response to a prior req, correlated by ID.
type ResFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResError       `json:"error,omitempty"`
}

// EventFrame is a server→client push. Seq is a monotonically increasing
// integer per connection, used for gap detection.
type EventFrame struct {
	Type    FrameType       `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq"`
}

// ConnectChallengePayload is the payload of the server's connect.challenge event.
type ConnectChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ClientIdent identifies the connecting process in a connect request.
type ClientIdent struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// ConnectAuth carries the Gateway token presented during the handshake.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectParams is the params object of the connect req.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientIdent `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        ConnectAuth `json:"auth"`
	UserAgent   string      `json:"userAgent"`
	Locale      string      `json:"locale"`
}

// HelloServer describes the Gateway in a hello response.
type HelloServer struct {
	Version string `json:"version"`
	Host    string `json:"host"`
}

// HelloPayload is the payload of a successful connect res.
type HelloPayload struct {
	Server   HelloServer `json:"server"`
	Protocol int         `json:"protocol"`
	Features []string    `json:"features"`
}

// ClientIDLocal and ClientIDExternal are the two legal values for
// ClientIdent.ID: "cli" for control-plane-managed local containers,
// "gateway-client" for external Gateways. Other values are rejected by
// the remote Gateway.
const (
	ClientIDLocal    = "cli"
	ClientIDExternal = "gateway-client"
)

// ChatSendParams is the params object of a chat.send req. kind MUST NOT
// be set; idempotencyKey is required.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
	Content        string `json:"content"`
}

// ChatSendResult is returned immediately by chat.send; the actual
// assistant turn must be polled for via chat.history.
type ChatSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// ChatMessage is one entry in a chat.history response.
type ChatMessage struct {
	Role       string `json:"role"`
	Model      string `json:"model,omitempty"`
	Content    string `json:"content"`
	StopReason string `json:"stopReason,omitempty"`
}

// ChatHistoryResult is the payload of a chat.history res.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}
