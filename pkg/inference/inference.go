// Package inference defines the boundary to the bidirectional model
// inference service. The service itself is opaque: it accepts a stream of
// UTF-8 JSON event envelopes and yields a stream of the same shape back.
package inference

import (
	"context"
)

// ChunkSource supplies outbound stream chunks, one JSON envelope per chunk.
// Next blocks until a chunk is available; ok=false ends the outbound body.
type ChunkSource interface {
	Next(ctx context.Context) (chunk []byte, ok bool)
}

// BidiStream is an open bidirectional inference stream.
type BidiStream interface {
	// Recv returns the next inbound chunk. It returns io.EOF when the
	// inbound side is exhausted.
	Recv() ([]byte, error)

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// Connector opens bidirectional streams against the inference service.
// The outbound body is driven exclusively from the given source; the
// returned stream is the inbound side.
type Connector interface {
	OpenStream(ctx context.Context, source ChunkSource) (BidiStream, error)
}
