// Package preprocess holds named prompt transforms applied before submission.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ExtractTextFromURL is the name of the built-in URL text extractor
const ExtractTextFromURL = "extract_text_from_url"

// Common errors
var (
	ErrUnknown = errors.New("preprocessor not found")
	ErrFetch   = errors.New("preprocessor fetch failed")
)

// Func transforms a prompt
type Func func(ctx context.Context, input string) (string, error)

// Registry maps preprocessor names to transforms
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Default returns a registry with the built-in preprocessors. fetchTimeout
// bounds each URL fetch; httpClient may be nil.
func Default(httpClient *http.Client, fetchTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(ExtractTextFromURL, NewURLExtractor(httpClient, fetchTimeout).Extract)
	return r
}

// Register adds or replaces a preprocessor
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the named preprocessor
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Apply runs the named preprocessor on input
func (r *Registry) Apply(ctx context.Context, name, input string) (string, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return fn(ctx, input)
}

// Names lists registered preprocessors in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
