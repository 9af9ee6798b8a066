package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientText       MessageType = "client_text"
	TypeClientTranscript MessageType = "client_transcript"
	TypeClientControl    MessageType = "client_control"

	TypeWakeDetected      MessageType = "wake_detected"
	TypeAssistantResponse MessageType = "assistant_response"
	TypeConversationEnded MessageType = "conversation_ended"
	TypeNotice            MessageType = "notice"
	TypeLog               MessageType = "log"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
)

// Control actions accepted in client_control.
const (
	ActionEnd    = "end"
	ActionDisarm = "disarm"
	ActionPing   = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientText is typed input from the GUI chat box.
type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientTranscript is a recognition result produced on the client.
type ClientTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Final     bool        `json:"final"`
	TSMs      int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type WakeDetected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Source    string      `json:"source"`
}

type AssistantResponse struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Source     string      `json:"source"`
	UserText   string      `json:"user_text"`
	Text       string      `json:"text"`
	ResolvedBy string      `json:"resolved_by"`
	Resolver   string      `json:"resolver,omitempty"`
	LatencyMS  int64       `json:"latency_ms"`
}

type ConversationEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Source    string      `json:"source"`
}

type Notice struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// Log mirrors a transcript log line to GUI clients.
type Log struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     string      `json:"level"`
	Message   string      `json:"message"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientTranscript:
		var msg ClientTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_transcript")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionEnd, ActionDisarm, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
