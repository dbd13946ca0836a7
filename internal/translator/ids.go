package translator

import (
	"strings"

	"github.com/google/uuid"
)

func hex24() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// NewRequestID returns an id of the form chatcmpl-<24 hex>.
func NewRequestID() string {
	return "chatcmpl-" + hex24()
}

func newToolCallID() string {
	return "call_" + hex24()
}
