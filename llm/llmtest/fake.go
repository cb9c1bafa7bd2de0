// Package llmtest provides a scripted llm.Generator for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/brunobiangulo/ontograph/llm"
)

// Call is one recorded Generate invocation.
type Call struct {
	Stage  string
	System string
	User   string
	Schema *llm.Schema
}

// Responder computes the response for a call. It may block on ctx.
type Responder func(ctx context.Context, call Call) (string, error)

// FakeGenerator is a thread-safe scripted generator.
//
// Usage:
//
//	// Responses returned in sequence
//	gen := &llmtest.FakeGenerator{
//	    Responses: []string{`{"choice":"Legal","score":90,"rationale":"..."}`},
//	}
//
//	// Responses computed per call
//	gen := &llmtest.FakeGenerator{
//	    Respond: func(ctx context.Context, c llmtest.Call) (string, error) { ... },
//	}
type FakeGenerator struct {
	mu sync.Mutex

	Respond   Responder // Takes precedence over Responses
	Responses []string  // Returned in sequence
	Err       error     // Returned for every call when set
	// Validate checks each response against the call's schema and fails
	// with llm.ErrSchemaMismatch when it does not conform.
	Validate bool

	calls []Call
	next  int
}

// Generate implements llm.Generator.
func (f *FakeGenerator) Generate(ctx context.Context, system, user string, schema *llm.Schema) (json.RawMessage, error) {
	call := Call{Stage: llm.StageFrom(ctx), System: system, User: user, Schema: schema}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond, fixedErr := f.Respond, f.Err
	var scripted string
	haveScripted := false
	if respond == nil && fixedErr == nil && f.next < len(f.Responses) {
		scripted = f.Responses[f.next]
		haveScripted = true
		f.next++
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fixedErr != nil {
		return nil, fixedErr
	}

	var out string
	switch {
	case respond != nil:
		s, rerr := respond(ctx, call)
		if rerr != nil {
			return nil, rerr
		}
		out = s
	case haveScripted:
		out = scripted
	default:
		return nil, fmt.Errorf("llmtest: no response scripted for call %d (stage %s)", f.CallCount(), call.Stage)
	}

	if f.Validate && schema != nil {
		if verr := schema.Validate([]byte(out)); verr != nil {
			return nil, verr
		}
	}
	return json.RawMessage(out), nil
}

// Calls returns a copy of the recorded calls in arrival order.
func (f *FakeGenerator) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of Generate calls.
func (f *FakeGenerator) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// StageCount returns the number of calls made with the given stage label.
func (f *FakeGenerator) StageCount(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and rewinds Responses.
func (f *FakeGenerator) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.next = 0
}
