// Package llm provides completion clients for the relationship classifier and
// semantic extractor. Implementations return raw text or unmarshal a JSON
// response into a caller-provided schema.
package llm

import "context"

// Client is a completion client.
type Client interface {
	// Complete sends a prompt and returns the raw completion text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSchema sends a prompt and unmarshals the JSON response
	// into schema, which must be a pointer.
	CompleteWithSchema(ctx context.Context, prompt string, schema any) error
}
