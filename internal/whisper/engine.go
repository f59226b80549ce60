package whisper

import (
	"context"
	"time"
)

// Segment is one timed span of recognized text, in engine emission order.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is the engine's output for one audio file. An empty segment list
// is a valid result for silent or unintelligible audio.
type Result struct {
	Segments    []Segment
	Language    string
	Probability float64
}

// Engine is the loaded speech-recognition model. It is shared by all jobs
// and must only be called through the inference dispatcher.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}
