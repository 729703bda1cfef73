package ipc

import "encoding/json"

// Message types carried in Message.Type.
const (
	TypeSend     = "send"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
	TypeForward  = "forward"
)

// Message is the single frame exchanged on a view <-> host connection.
//
// Frame addresses a sub-context of the receiving view. View names the target
// process of a forward; the host rewrites forwards into sends.
type Message struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Channel string            `json:"channel,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Frame   *FrameAddress     `json:"frame,omitempty"`
	View    int               `json:"view,omitempty"`
	Code    string            `json:"code,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Envelope returns the channel and args of m.
func (m Message) Envelope() Envelope {
	return Envelope{Channel: m.Channel, Args: m.Args}
}

// RegisterMessage is the first message a view sends after dialing the host.
type RegisterMessage struct {
	Type      string `json:"type"`
	ViewName  string `json:"view_name"`
	ClientKey string `json:"client_key,omitempty"`
	ProcessID int    `json:"process_id,omitempty"`
	Version   string `json:"version,omitempty"`
}

// RegisteredMessage acknowledges a RegisterMessage.
type RegisteredMessage struct {
	Type      string `json:"type"`
	ProcessID int    `json:"process_id"`
	Views     []int  `json:"views"`
}

// ViewInfo describes a connected view in host state dumps.
type ViewInfo struct {
	ProcessID int    `json:"process_id"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}
