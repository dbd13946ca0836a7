// Package backend invokes Bedrock's Converse API on behalf of the gateway.
package backend

import (
	"context"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
)

type Backend interface {
	Converse(ctx context.Context, req *converse.Request) (*converse.Response, error)
	// ConverseStream fails synchronously when the backend rejects the
	// request; faults after that surface through Stream.Err.
	ConverseStream(ctx context.Context, req *converse.Request) (Stream, error)
}

type Stream interface {
	// Events is closed when the stream ends, fails or is closed.
	Events() <-chan converse.StreamEvent
	// Err is valid once Events is closed.
	Err() error
	Close() error
}
