package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/protocol"
	"github.com/ent0n29/pai/internal/voice"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 256
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	rt, ok := s.runtime(sessionID)
	if !ok {
		respondError(w, http.StatusConflict, "session_not_running", "session has no running turn controller")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSession("ws_connected", s.sessions.ActiveCount())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outputs := make(chan voice.Output, wsQueueSize)
	direct := make(chan any, 16)
	removeSink := rt.Sinks.Add(voice.NewChannelSink("ws-"+uuid.NewString()[:8], outputs))
	defer removeSink()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection unblocks the read loop.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-rt.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				cancel()
				return
			case out := <-outputs:
				msg = outputMessage(sessionID, out)
			case m := <-direct:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	// Writes stay on the writer goroutine; replies from the read loop are
	// dropped when its queue is saturated.
	reply := func(msg any) {
		select {
		case direct <- msg:
		default:
		}
	}
	reply(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "session_ready",
		Detail:    string(rt.Controller.State()),
	})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sessionID)
		if err := s.handleClientMessage(ctx, rt, parsed, reply); err != nil {
			s.logger.Debug("client message rejected", zap.String("session_id", sessionID), zap.Error(err))
			reply(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      errorCode(err),
				Source:    "controller",
				Retryable: errors.Is(err, voice.ErrBusy),
				Detail:    err.Error(),
			})
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSession("ws_disconnected", s.sessions.ActiveCount())
}

func (s *Server) handleClientMessage(ctx context.Context, rt *voice.Runtime, msg any, reply func(any)) error {
	ctrl := rt.Controller
	switch m := msg.(type) {
	case protocol.ClientText:
		return ctrl.Submit(ctx, voice.Input{Source: voice.SourceText, Kind: voice.InputText, Text: m.Text})
	case protocol.ClientTranscript:
		if !rt.PushTranscript(transcriptEvent(m, time.Now())) {
			return errTranscriptDropped
		}
		return nil
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionEnd:
			return ctrl.Submit(ctx, voice.Input{Source: voice.SourceText, Kind: voice.InputEnded})
		case protocol.ActionDisarm:
			return ctrl.Disarm(ctx)
		case protocol.ActionPing:
			reply(protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: m.SessionID,
				Code:      "pong",
				Detail:    string(ctrl.State()),
			})
		}
	}
	return nil
}

var errTranscriptDropped = errors.New("transcript queue is full")

func errorCode(err error) string {
	switch {
	case errors.Is(err, voice.ErrBusy):
		return "busy"
	case errors.Is(err, voice.ErrControllerClosed):
		return "session_closed"
	case errors.Is(err, errTranscriptDropped):
		return "transcript_dropped"
	default:
		return "internal"
	}
}

// outputMessage converts a controller output to its websocket frame.
func outputMessage(sessionID string, out voice.Output) any {
	switch out.Type {
	case voice.OutputWakeDetected:
		return protocol.WakeDetected{Type: protocol.TypeWakeDetected, SessionID: sessionID, Source: string(out.Source)}
	case voice.OutputConversationEnded:
		return protocol.ConversationEnded{Type: protocol.TypeConversationEnded, SessionID: sessionID, Source: string(out.Source)}
	case voice.OutputNotice:
		return protocol.Notice{Type: protocol.TypeNotice, SessionID: sessionID, Text: out.Text}
	case voice.OutputLog:
		return protocol.Log{Type: protocol.TypeLog, SessionID: sessionID, Level: "info", Message: out.Text}
	case voice.OutputAssistantResponse:
		msg := protocol.AssistantResponse{
			Type:      protocol.TypeAssistantResponse,
			SessionID: sessionID,
			Source:    string(out.Source),
			Text:      out.Text,
		}
		if t := out.Turn; t != nil {
			msg.TurnID = t.ID
			msg.UserText = t.UserText
			msg.ResolvedBy = string(t.ResolvedBy)
			msg.Resolver = t.Resolver
			msg.LatencyMS = t.Latency.Milliseconds()
		}
		return msg
	default:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: string(out.Type), Detail: out.Text}
	}
}

// transcriptEvent converts a client transcript; a missing ts_ms is stamped
// with the receive time.
func transcriptEvent(m protocol.ClientTranscript, received time.Time) voice.STTEvent {
	evt := voice.STTEvent{Type: voice.STTEventPartial, Text: m.Text, Source: "client", Timestamp: m.TSMs}
	if m.Final {
		evt.Type = voice.STTEventFinal
	}
	if evt.Timestamp <= 0 {
		evt.Timestamp = received.UnixMilli()
	}
	return evt
}
