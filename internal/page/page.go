// Package page defines the narrow contract the registration workflow needs
// from a page/DOM driver. The chromedp implementation lives in internal/browser;
// tests drive the workflow with scripted fakes.
package page

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotPresent reports that no element currently matches a selector.
	// It is the expected, transient answer while a page is still rendering.
	ErrNotPresent = errors.New("element not present")

	// ErrSessionLost reports that the underlying browser session is gone.
	// Callers must not retry after seeing it.
	ErrSessionLost = errors.New("browser session lost")
)

// Element is an opaque handle to a located DOM node. Handles are only valid
// until the next navigation or reload.
type Element interface {
	// Selector returns the selector the element was located with, for logging.
	Selector() string
}

// Page is the page/DOM driver. Locate and LocateWithin never wait: they
// answer for the DOM as it is right now and return ErrNotPresent on a miss.
type Page interface {
	Locate(ctx context.Context, selector string) (Element, error)
	LocateAll(ctx context.Context, selector string) ([]Element, error)
	LocateWithin(ctx context.Context, parent Element, selector string) (Element, error)

	ReadText(ctx context.Context, el Element) (string, error)
	ReadMarkup(ctx context.Context, el Element) (string, error)

	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	PressKey(ctx context.Context, key string) error

	Reload(ctx context.Context) error
	Navigate(ctx context.Context, url string) error

	// Evaluate calls the JavaScript function declared by fn with args and
	// unmarshals its (awaited) JSON result into res. res may be nil.
	Evaluate(ctx context.Context, fn string, args []any, res any) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// IsFatal reports whether err means the session can no longer answer queries.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionLost) || errors.Is(err, context.Canceled)
}

// valueOnlyContext keeps the values of its parent but none of its deadline
// or cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context carrying ctx's values that outlives ctx. It serves
// cleanup work on a page, such as a debug screenshot, after the run context
// has been cancelled.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
