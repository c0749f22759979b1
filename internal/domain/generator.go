package domain

import "context"

// Generator is the text-completion backend. The conversation window goes in
// as history, the live prompt as a separate entry, and the reply comes back
// either whole or as incremental chunks.
type Generator interface {
	// Send submits history plus the live prompt and returns the full reply text.
	Send(ctx context.Context, history []Entry, prompt Entry) (string, error)

	// SendStream submits the same payload but delivers the reply incrementally.
	// fn is called once per received chunk, in order; returning an error stops
	// consumption and propagates that error to the caller.
	SendStream(ctx context.Context, history []Entry, prompt Entry, fn func(chunk string) error) error
}
