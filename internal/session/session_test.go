package session

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"
)

func TestReassembleRequiresTextDuringHandshake(t *testing.T) {
	s := &Session{state: StateHandshake}

	if _, err := s.reassemble(websocket.BinaryMessage, []byte(`{}`)); err == nil {
		t.Fatal("expected an error for a binary frame during the handshake")
	}

	frame, err := s.reassemble(websocket.TextMessage, []byte(`{"type":"ConnectionInitializationMessage"}`))
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if string(frame) != `{"type":"ConnectionInitializationMessage"}` {
		t.Fatalf("unexpected frame: %s", frame)
	}
}

func TestReassembleRejectsTextAfterHandshake(t *testing.T) {
	s := &Session{state: StateAuthenticated}

	_, err := s.reassemble(websocket.TextMessage, []byte(`{"type":"Heartbeat"}`))
	if err == nil {
		t.Fatal("expected an error for a text frame outside the handshake")
	}
	if !errors.Is(err, errUnsupportedFrame) {
		t.Fatalf("expected errUnsupportedFrame, got %v", err)
	}
	if closeCodeFor(err) != closeUnsupported {
		t.Fatalf("expected closeUnsupported for an unexpected text frame, got %d", closeCodeFor(err))
	}
}

func TestReassembleAcceptsBinaryAfterHandshake(t *testing.T) {
	s := &Session{state: StateAuthenticated}

	frame, err := s.reassemble(websocket.BinaryMessage, []byte(`{"type":"Heartbeat"}`))
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if string(frame) != `{"type":"Heartbeat"}` {
		t.Fatalf("unexpected frame: %s", frame)
	}
}

func TestReassembleBuffersSplitBinaryFrame(t *testing.T) {
	s := &Session{state: StateAuthenticated}

	frame, err := s.reassemble(websocket.BinaryMessage, []byte(`{"type":`))
	if err != nil {
		t.Fatalf("reassemble (first half): %v", err)
	}
	if frame != nil {
		t.Fatalf("expected no complete frame yet, got %s", frame)
	}

	frame, err = s.reassemble(websocket.BinaryMessage, []byte(`"Heartbeat"}`))
	if err != nil {
		t.Fatalf("reassemble (second half): %v", err)
	}
	if string(frame) != `{"type":"Heartbeat"}` {
		t.Fatalf("unexpected reassembled frame: %s", frame)
	}
}

func TestCloseCodeForGenericProtocolError(t *testing.T) {
	err := errors.New("session: handshake requires a text frame, got type 2")
	if closeCodeFor(err) != closeProtocolError {
		t.Fatalf("expected closeProtocolError for a non-unsupported-frame error, got %d", closeCodeFor(err))
	}
}
