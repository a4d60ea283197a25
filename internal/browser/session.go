// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/page"
)

const navigateAttempts = 3

// Session is one browser tab driven over CDP. It implements page.Page.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

var _ page.Page = (*Session)(nil)

func newSession(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Session {
	return &Session{ctx: ctx, cancel: cancel, logger: logger.Named("session")}
}

// element is a DOM node resolved by a query. Node ids stay valid until the
// document is replaced.
type element struct {
	node     *cdp.Node
	selector string
}

func (e *element) Selector() string { return e.selector }

func nodeOf(el page.Element) (*cdp.Node, error) {
	e, ok := el.(*element)
	if !ok || e.node == nil {
		return nil, fmt.Errorf("element %T was not produced by this session", el)
	}
	return e.node, nil
}

// listen drains tab events for the lifetime of the session. JavaScript
// dialogs are accepted so they cannot block the page.
func (s *Session) listen() {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *cdppage.EventJavascriptDialogOpening:
			s.logger.Debug("Accepting JavaScript dialog.", zap.String("message", ev.Message))
			go func() {
				if err := chromedp.Run(s.ctx, cdppage.HandleJavaScriptDialog(true)); err != nil {
					s.logger.Debug("Could not accept dialog.", zap.Error(err))
				}
			}()
		case *cdpruntime.EventExceptionThrown:
			s.logger.Debug("Page threw an exception.", zap.String("text", ev.ExceptionDetails.Text))
		}
	})
}

// runActions executes chromedp actions bounded by both the tab lifetime and
// ctx. A dead tab is reported as page.ErrSessionLost.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return s.classify(ctx, chromedp.Run(runCtx, actions...))
}

func (s *Session) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case s.ctx.Err() != nil, errors.Is(err, chromedp.ErrInvalidContext), errors.Is(err, chromedp.ErrInvalidTarget):
		return fmt.Errorf("%w: %v", page.ErrSessionLost, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (s *Session) query(ctx context.Context, selector string, opts ...chromedp.QueryOption) ([]page.Element, error) {
	var nodes []*cdp.Node
	opts = append(opts, chromedp.AtLeast(0))
	if err := s.runActions(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, err
	}
	out := make([]page.Element, len(nodes))
	for i, n := range nodes {
		out[i] = &element{node: n, selector: selector}
	}
	return out, nil
}

// Locate returns the first element matching selector without waiting.
func (s *Session) Locate(ctx context.Context, selector string) (page.Element, error) {
	els, err := s.query(ctx, selector, chromedp.ByQuery)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, page.ErrNotPresent
	}
	return els[0], nil
}

// LocateAll returns every element matching selector in document order.
func (s *Session) LocateAll(ctx context.Context, selector string) ([]page.Element, error) {
	return s.query(ctx, selector, chromedp.ByQueryAll)
}

// LocateWithin returns the first descendant of parent matching selector.
func (s *Session) LocateWithin(ctx context.Context, parent page.Element, selector string) (page.Element, error) {
	node, err := nodeOf(parent)
	if err != nil {
		return nil, err
	}
	els, err := s.query(ctx, selector, chromedp.ByQuery, chromedp.FromNode(node))
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, page.ErrNotPresent
	}
	return els[0], nil
}

func (s *Session) ReadText(ctx context.Context, el page.Element) (string, error) {
	node, err := nodeOf(el)
	if err != nil {
		return "", err
	}
	var text string
	err = s.runActions(ctx, chromedp.Text([]cdp.NodeID{node.NodeID}, &text, chromedp.ByNodeID))
	return text, err
}

func (s *Session) ReadMarkup(ctx context.Context, el page.Element) (string, error) {
	node, err := nodeOf(el)
	if err != nil {
		return "", err
	}
	var html string
	err = s.runActions(ctx, chromedp.InnerHTML([]cdp.NodeID{node.NodeID}, &html, chromedp.ByNodeID))
	return html, err
}

func (s *Session) Click(ctx context.Context, el page.Element) error {
	node, err := nodeOf(el)
	if err != nil {
		return err
	}
	return s.runActions(ctx, chromedp.MouseClickNode(node))
}

func (s *Session) Type(ctx context.Context, el page.Element, text string) error {
	node, err := nodeOf(el)
	if err != nil {
		return err
	}
	return s.runActions(ctx, chromedp.SendKeys([]cdp.NodeID{node.NodeID}, text, chromedp.ByNodeID))
}

// keyNames maps key names to the sequences chromedp.KeyEvent understands.
var keyNames = map[string]string{
	"Enter":     kb.Enter,
	"Tab":       kb.Tab,
	"Escape":    kb.Escape,
	"Backspace": kb.Backspace,
}

func keySequence(key string) string {
	if seq, ok := keyNames[key]; ok {
		return seq
	}
	return key
}

func (s *Session) PressKey(ctx context.Context, key string) error {
	return s.runActions(ctx, chromedp.KeyEvent(keySequence(key)))
}

// Reload reloads the document and waits for it to load.
func (s *Session) Reload(ctx context.Context) error {
	return s.runActions(ctx, chromedp.Reload())
}

// Navigate loads url, retrying transient network failures with backoff.
func (s *Session) Navigate(ctx context.Context, url string) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), navigateAttempts-1), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.runActions(ctx, chromedp.Navigate(url))
		if err == nil {
			return nil
		}
		if !isTransientNavigation(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("Navigation failed, retrying.", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, b)
}

// isTransientNavigation reports Chrome network errors (net::ERR_*) that are
// worth another attempt.
func isTransientNavigation(err error) bool {
	if errors.Is(err, page.ErrSessionLost) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return strings.Contains(err.Error(), "net::ERR_")
}

// Evaluate calls the JavaScript function declaration fn with args in the page
// and decodes its (awaited) result into res.
func (s *Session) Evaluate(ctx context.Context, fn string, args []any, res any) error {
	awaitPromise := func(p *cdpruntime.CallFunctionOnParams) *cdpruntime.CallFunctionOnParams {
		return p.WithAwaitPromise(true)
	}
	return s.runActions(ctx, chromedp.CallFunctionOn(fn, res, awaitPromise, args...))
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.runActions(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

// Close closes the tab. It is safe to call more than once.
func (s *Session) Close() {
	s.cancel()
	select {
	case <-s.ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("Timeout waiting for browser session to close.")
	}
}
