// Package protocol implements the Protocol Codec of spec §4.D: a strict,
// validating JSON codec for the framed event vocabulary exchanged over the
// WebSocket transport.
package protocol

// Inbound frame type discriminators.
const (
	TypeJoin        = "join"
	TypeMessage     = "message"
	TypeSetName     = "set_name"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// Outbound frame type discriminators.
const (
	TypeHello          = "hello"
	TypePresence       = "presence"
	TypeHistory        = "history"
	TypeUserTyping     = "user_typing"
	TypeUserTypingStop = "user_typing_stop"
	TypeError          = "error"
)

// Error codes of the wire-visible taxonomy (spec §7).
const (
	CodeUnauth     = "UNAUTH"
	CodeRateLimit  = "RATE_LIMIT"
	CodeBadRequest = "BAD_REQUEST"
	CodeServerErr  = "SERVER_ERROR"
)

// JoinFrame requests the initial or resumed view of a room.
type JoinFrame struct {
	RoomID   string
	SinceTs  *int64
	BeforeID *string
}

// MessageFrame is a sender's outbound chat line.
type MessageFrame struct {
	RoomID string
	Text   string
}

// SetNameFrame requests a display-name change.
type SetNameFrame struct {
	DisplayName string
}

// TypingStartFrame marks the sender as typing in a room.
type TypingStartFrame struct {
	RoomID string
}

// TypingStopFrame clears the sender's typing mark in a room.
type TypingStopFrame struct {
	RoomID string
}

// Inbound is the decoded sum type for any accepted inbound frame; exactly
// one of the pointer fields is non-nil, matching Type.
type Inbound struct {
	Type        string
	Join        *JoinFrame
	Message     *MessageFrame
	SetName     *SetNameFrame
	TypingStart *TypingStartFrame
	TypingStop  *TypingStopFrame
}

// Member mirrors presence.Member for wire encoding, decoupling the wire
// shape from the registry's internal type.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// HistoryMessage is one row as rendered on the wire.
type HistoryMessage struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"room_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Text        string   `json:"text"`
	Mentions    []string `json:"mentions,omitempty"`
	Ts          int64    `json:"ts"`
}

// HistoryCursor allows further back-pagination from a history page.
type HistoryCursor struct {
	BeforeID string `json:"before_id,omitempty"`
	BeforeTs int64  `json:"before_ts,omitempty"`
}
