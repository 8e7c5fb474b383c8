package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError is returned for any malformed frame, unknown type, or field
// constraint violation; the Hub maps it to a BAD_REQUEST frame without
// tearing down the connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

func badRequest(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Limits carries the field-length constraints from configuration so the
// codec enforces them at the perimeter, before the Hub ever sees a value.
type Limits struct {
	MessageMaxChars     int
	DisplayNameMaxChars int
}

type wireInbound struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"room_id"`
	SinceTs     *int64  `json:"since_ts"`
	BeforeID    *string `json:"before_id"`
	Text        string  `json:"text"`
	DisplayName string  `json:"display_name"`
}

// DecodeInbound validates and parses one inbound JSON frame. Unknown
// top-level fields are tolerated (forward compatibility); an unknown
// `type` or a schema violation is rejected.
func DecodeInbound(raw []byte, limits Limits) (*Inbound, error) {
	var w wireInbound
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&w); err != nil {
		return nil, badRequest("malformed json: %v", err)
	}

	switch w.Type {
	case TypeJoin:
		if w.RoomID == "" {
			return nil, badRequest("join requires room_id")
		}
		if w.SinceTs != nil && w.BeforeID != nil {
			return nil, badRequest("join accepts at most one of since_ts, before_id")
		}
		if w.SinceTs != nil && *w.SinceTs < 0 {
			return nil, badRequest("since_ts must be >= 0")
		}
		return &Inbound{Type: TypeJoin, Join: &JoinFrame{RoomID: w.RoomID, SinceTs: w.SinceTs, BeforeID: w.BeforeID}}, nil

	case TypeMessage:
		if w.RoomID == "" {
			return nil, badRequest("message requires room_id")
		}
		text := strings.TrimSpace(w.Text)
		if len(text) == 0 {
			return nil, badRequest("message text must not be empty after trim")
		}
		if len([]rune(w.Text)) > limits.MessageMaxChars {
			return nil, badRequest("message text exceeds %d characters", limits.MessageMaxChars)
		}
		return &Inbound{Type: TypeMessage, Message: &MessageFrame{RoomID: w.RoomID, Text: w.Text}}, nil

	case TypeSetName:
		name := strings.TrimSpace(w.DisplayName)
		if len(name) == 0 || len([]rune(name)) > limits.DisplayNameMaxChars {
			return nil, badRequest("display_name must be 1..%d characters after trim", limits.DisplayNameMaxChars)
		}
		return &Inbound{Type: TypeSetName, SetName: &SetNameFrame{DisplayName: name}}, nil

	case TypeTypingStart:
		if w.RoomID == "" {
			return nil, badRequest("typing_start requires room_id")
		}
		return &Inbound{Type: TypeTypingStart, TypingStart: &TypingStartFrame{RoomID: w.RoomID}}, nil

	case TypeTypingStop:
		if w.RoomID == "" {
			return nil, badRequest("typing_stop requires room_id")
		}
		return &Inbound{Type: TypeTypingStop, TypingStop: &TypingStopFrame{RoomID: w.RoomID}}, nil

	default:
		return nil, badRequest("unknown frame type %q", w.Type)
	}
}

func mustMarshalEnvelope(frameType string, data any) []byte {
	// Flatten data's fields alongside type, rather than nesting under a
	// "data" key, to mirror the flat shape used by inbound frames and by
	// the literal examples in the testable scenarios.
	merged := map[string]any{"type": frameType}
	if data != nil {
		b, err := json.Marshal(data)
		if err == nil {
			var fields map[string]any
			if json.Unmarshal(b, &fields) == nil {
				for k, v := range fields {
					merged[k] = v
				}
			}
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return []byte(`{"type":"error","code":"SERVER_ERROR","msg":"encode failure"}`)
	}
	return out
}

// EncodeHello builds the hello frame sent immediately after a successful
// upgrade.
func EncodeHello(selfID string, members []Member) []byte {
	return mustMarshalEnvelope(TypeHello, struct {
		SelfID  string   `json:"self_id"`
		Members []Member `json:"members"`
	}{SelfID: selfID, Members: members})
}

// EncodePresence builds a presence snapshot frame.
func EncodePresence(roomID string, members []Member) []byte {
	return mustMarshalEnvelope(TypePresence, struct {
		RoomID  string   `json:"room_id"`
		Members []Member `json:"members"`
	}{RoomID: roomID, Members: members})
}

// EncodeMessage builds a broadcast message frame.
func EncodeMessage(m HistoryMessage) []byte {
	return mustMarshalEnvelope(TypeMessage, m)
}

// EncodeHistory builds a history page frame.
func EncodeHistory(roomID string, messages []HistoryMessage, cursor *HistoryCursor) []byte {
	return mustMarshalEnvelope(TypeHistory, struct {
		RoomID     string           `json:"room_id"`
		Messages   []HistoryMessage `json:"messages"`
		NextCursor *HistoryCursor   `json:"next_cursor,omitempty"`
	}{RoomID: roomID, Messages: messages, NextCursor: cursor})
}

// EncodeUserTyping builds a typing-start notification frame.
func EncodeUserTyping(roomID, userID, displayName string) []byte {
	return mustMarshalEnvelope(TypeUserTyping, struct {
		RoomID      string `json:"room_id"`
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}{RoomID: roomID, UserID: userID, DisplayName: displayName})
}

// EncodeUserTypingStop builds a typing-stop notification frame.
func EncodeUserTypingStop(roomID, userID string) []byte {
	return mustMarshalEnvelope(TypeUserTypingStop, struct {
		RoomID string `json:"room_id"`
		UserID string `json:"user_id"`
	}{RoomID: roomID, UserID: userID})
}

// EncodeError builds an error frame with one of the four wire-visible codes.
func EncodeError(code, msg string) []byte {
	return mustMarshalEnvelope(TypeError, struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}{Code: code, Msg: msg})
}
