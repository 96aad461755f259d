package profiler

import (
	"context"
	"errors"
	"time"

	"profiler_api/internal/llm"
)

// Generator is the text generation capability of an LLM backend.
type Generator interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Invoker sends a prompt to the configured generator and normalizes the reply.
// It does not retry; retries belong to the backend.
type Invoker struct {
	gen Generator
	rec Recorder
}

func NewInvoker(gen Generator, rec Recorder) (*Invoker, error) {
	if gen == nil {
		return nil, errors.New("invoker requires a generator")
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Invoker{gen: gen, rec: rec}, nil
}

// Identifier returns "<provider>/<model>" for the current generator.
func (i *Invoker) Identifier() string {
	return ModelIdentifier(i.gen.Name(), i.gen.Model())
}

// Invoke returns the normalized payload and the identifier of the model that
// produced it. Generator errors are returned unchanged.
func (i *Invoker) Invoke(ctx context.Context, prompt string) (Payload, string, error) {
	gen := i.gen
	if sw, ok := gen.(interface{ Current() llm.Provider }); ok {
		// One provider serves the whole call, identifier included.
		gen = sw.Current()
	}
	name := gen.Name()
	id := ModelIdentifier(name, gen.Model())

	start := time.Now()
	text, err := gen.Generate(ctx, prompt)
	i.rec.ObserveLLM(name, err, time.Since(start))
	if err != nil {
		return Payload{}, id, err
	}
	return Normalize(text), id, nil
}

func ModelIdentifier(provider, model string) string {
	return provider + "/" + model
}
