// Package enroll performs the enrollment transaction, either by driving the
// page's own controls or by replaying the form submission directly.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/page"
	"github.com/xkilldash9x/course-sniper/internal/poller"
)

// Method selects how the enrollment is submitted.
type Method string

const (
	MethodUI     Method = "ui"
	MethodDirect Method = "direct"
)

// ParseMethod accepts "ui" and "direct".
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodUI, MethodDirect:
		return m, nil
	}
	return "", fmt.Errorf("unknown enrollment method %q", s)
}

func (m Method) String() string {
	if m == MethodDirect {
		return "Fast (direct form POST)"
	}
	return "Legacy (click buttons)"
}

// ErrStateTokenParse means the enroll response carried no state token. The
// confirmation is never sent in that case.
var ErrStateTokenParse = errors.New("state token not found in enroll response")

// Transaction enrolls a set of course rows, identified by checkbox position.
type Transaction struct {
	page      page.Page
	sel       config.SelectorsConfig
	form      config.FormConfig
	timeout   time.Duration
	interval  time.Duration
	submitter Submitter
	logger    *zap.Logger
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithSubmitter replaces the in-page form submitter of the direct path.
func WithSubmitter(s Submitter) Option { return func(t *Transaction) { t.submitter = s } }

// New creates a Transaction on p.
func New(p page.Page, site config.SiteConfig, timing config.TimingConfig, logger *zap.Logger, opts ...Option) *Transaction {
	t := &Transaction{
		page:     p,
		sel:      site.Selectors,
		form:     site.Form,
		timeout:  timing.StageTimeout,
		interval: timing.PollInterval,
		logger:   logger.Named("enroll"),
	}
	t.submitter = NewPageSubmitter(p)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enroll submits the enrollment for the rows at indexes using method.
func (t *Transaction) Enroll(ctx context.Context, method Method, indexes []int) error {
	switch method {
	case MethodUI:
		return t.EnrollUI(ctx, indexes)
	case MethodDirect:
		return t.EnrollDirect(ctx, indexes)
	}
	return fmt.Errorf("unknown enrollment method %q", method)
}

// SelectRows waits for the selection checkboxes and clicks exactly those at
// indexes. Positions are taken from the current page, so this is safe to call
// after a reload.
func (t *Transaction) SelectRows(ctx context.Context, indexes []int) error {
	if len(indexes) == 0 {
		return fmt.Errorf("no courses selected")
	}
	need := slices.Max(indexes) + 1
	boxes, err := poller.WaitForAll(ctx, t.page, t.sel.Checkboxes, need, t.timeout, t.pollOptions()...)
	if err != nil {
		return fmt.Errorf("waiting for course checkboxes: %w", err)
	}

	for i, box := range boxes {
		if !slices.Contains(indexes, i) {
			continue
		}
		if err := t.page.Click(ctx, box); err != nil {
			return fmt.Errorf("selecting course %d: %w", i, err)
		}
	}
	t.logger.Info("Courses selected.", zap.Ints("indexes", indexes))
	return nil
}

// EnrollUI selects the rows, then clicks through enroll and confirm. Clicks
// already made are not undone when a later step fails.
func (t *Transaction) EnrollUI(ctx context.Context, indexes []int) error {
	if err := t.SelectRows(ctx, indexes); err != nil {
		return err
	}
	if err := t.clickWhenPresent(ctx, "enroll", t.sel.EnrollButton); err != nil {
		return err
	}
	return t.clickWhenPresent(ctx, "confirm", t.sel.EnrollConfirmButton)
}

// Validate selects the rows and asks the site to validate them without enrolling.
func (t *Transaction) Validate(ctx context.Context, indexes []int) error {
	if err := t.SelectRows(ctx, indexes); err != nil {
		return err
	}
	return t.clickWhenPresent(ctx, "validate", t.sel.ValidateButton)
}

func (t *Transaction) clickWhenPresent(ctx context.Context, name, selector string) error {
	el, err := poller.WaitFor(ctx, t.page, selector, t.timeout, t.pollOptions()...)
	if err != nil {
		return fmt.Errorf("waiting for %s button: %w", name, err)
	}
	if err := t.page.Click(ctx, el); err != nil {
		return fmt.Errorf("clicking %s button: %w", name, err)
	}
	t.logger.Info("Button clicked.", zap.String("button", name), zap.String("at", time.Now().Format("15:04:05.000")))
	return nil
}

func (t *Transaction) pollOptions() []poller.Option {
	return []poller.Option{poller.WithInterval(t.interval), poller.WithLogger(t.logger)}
}
