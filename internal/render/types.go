package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoImage means a provider answered but produced nothing.
	ErrNoImage = errors.New("no image produced")
	// ErrTextLength means the text is outside a provider's rune window.
	ErrTextLength = errors.New("text length outside render window")
)

// Artifact is a rendered image: raw bytes, a URL, or both.
type Artifact struct {
	Data []byte
	URL  string
	Name string
}

func (a Artifact) Empty() bool { return len(a.Data) == 0 && a.URL == "" }

// Renderer turns text into an image.
type Renderer interface {
	Render(ctx context.Context, text string) (Artifact, error)
}

type ProviderError struct {
	Provider string
	Err      error
}

// RenderError collects why every provider failed.
type RenderError struct {
	Failures []ProviderError
}

func (e *RenderError) Error() string {
	if len(e.Failures) == 0 {
		return "render: no providers configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return "render failed: " + strings.Join(parts, "; ")
}

func (e *RenderError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}
