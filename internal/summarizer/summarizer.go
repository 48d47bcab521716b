package summarizer

import (
	"context"
)

type Input struct {
	// Title is the posting title as published on the board.
	Title string
	// Text is the plain-text body of the posting.
	Text string
	// SourceURL points at the posting page.
	SourceURL string
}

type Summarizer interface {
	Summarize(ctx context.Context, input Input) (string, error)
}
