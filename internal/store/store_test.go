package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewMessageIDIncludesClientPrefix(t *testing.T) {
	id := NewMessageID("client-abc")
	if !strings.HasPrefix(id, "client-abc.") {
		t.Fatalf("expected id to start with %q, got %q", "client-abc.", id)
	}
	suffix := strings.TrimPrefix(id, "client-abc.")
	if len(suffix) != 8 {
		t.Fatalf("expected an 8-character randomizer suffix, got %q (len %d)", suffix, len(suffix))
	}
}

func TestNewMessageIDWithoutClientIDIsBareUUID(t *testing.T) {
	id := NewMessageID("")
	if strings.Contains(id, ".") {
		t.Fatalf("expected a bare uuid with no separator, got %q", id)
	}
	if len(id) != 36 {
		t.Fatalf("expected a 36-character uuid, got %q (len %d)", id, len(id))
	}
}

func TestNewMessageIDIsUniquePerCall(t *testing.T) {
	a := NewMessageID("c1")
	b := NewMessageID("c1")
	if a == b {
		t.Fatalf("expected distinct ids for repeated calls with the same client id, got %q twice", a)
	}
}

func TestIsConditionFailed(t *testing.T) {
	condErr := &StoreError{Kind: KindConditionFailed, Op: "claim_token", Err: errors.New("no rows")}
	if !IsConditionFailed(condErr) {
		t.Fatal("expected a condition-failed StoreError to be reported as such")
	}

	transientErr := &StoreError{Kind: KindTransient, Op: "persist_message", Err: errors.New("timeout")}
	if IsConditionFailed(transientErr) {
		t.Fatal("did not expect a transient StoreError to be reported as condition-failed")
	}

	if IsConditionFailed(errors.New("plain error")) {
		t.Fatal("did not expect a non-StoreError to be reported as condition-failed")
	}

	wrapped := fmt.Errorf("wrapping: %w", condErr)
	if !IsConditionFailed(wrapped) {
		t.Fatal("expected errors.As to unwrap through a wrapped StoreError")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindConditionFailed: "condition_failed",
		KindTransient:       "transient",
		KindFatal:           "fatal",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	se := &StoreError{Kind: KindTransient, Op: "ping", Err: inner}
	if !errors.Is(se, inner) {
		t.Fatal("expected StoreError.Unwrap to expose the inner error to errors.Is")
	}
}
