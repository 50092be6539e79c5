package gateway

import "encoding/json"

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
)

// wsFrame is the single wire envelope. Type is "req", "res", or "event";
// requests correlate to responses by ID, events carry a per-connection Seq.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      wsClientInfo   `json:"client"`
	Auth        *wsAuthPayload `json:"auth,omitempty"`
}

type wsClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type wsAuthPayload struct {
	Token string `json:"token"`
}

type wsChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Hint           string `json:"hint,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type wsChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type wsSessionsResetParams struct {
	SessionKey string `json:"sessionKey"`
}

func supportedMethods() []string {
	return []string{
		"connect",
		"ping",
		"health",
		"config.get",
		"chat.send",
		"chat.history",
		"sessions.list",
		"sessions.reset",
	}
}

func supportedEvents() []string {
	return []string{
		"connect.challenge",
		"agent",
		"chat",
	}
}
