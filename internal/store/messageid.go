package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID resolves spec.md §9's open question: a message id mixes a
// client-supplied identifier with a randomizer so that it stays unique per
// device while keeping the client id visible for debugging. When the
// caller has no client-supplied id (service-originated sends), a bare
// uuid is used instead.
func NewMessageID(clientMessageID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if clientMessageID == "" {
		return uuid.New().String()
	}
	return clientMessageID + "." + suffix
}
