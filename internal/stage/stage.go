// Package stage holds the short-lived state machines that resolve which page
// the registration site shows after a login, second-factor or cart step. Each
// machine declares an ordered probe table; the poller picks the first entry
// that matches, so the order in each table is part of the machine's contract.
package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/page"
	"github.com/xkilldash9x/course-sniper/internal/poller"
)

// AuthOutcome is the result of the Authentication machine.
type AuthOutcome int

const (
	AuthFail AuthOutcome = iota + 1
	SecondFactorRequired
	AuthSuccess
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthFail:
		return "AuthFail"
	case SecondFactorRequired:
		return "SecondFactorRequired"
	case AuthSuccess:
		return "AuthSuccess"
	}
	return fmt.Sprintf("AuthOutcome(%d)", int(o))
}

// ChallengeOutcome is the result of the SecondFactorChallenge machine.
type ChallengeOutcome int

const (
	Trusted ChallengeOutcome = iota + 1
	ChallengeTimedOut
	ChallengeCart
)

func (o ChallengeOutcome) String() string {
	switch o {
	case Trusted:
		return "Trusted"
	case ChallengeTimedOut:
		return "ChallengeTimedOut"
	case ChallengeCart:
		return "Cart"
	}
	return fmt.Sprintf("ChallengeOutcome(%d)", int(o))
}

// CartOutcome is the result of the CartResolution machine.
type CartOutcome int

const (
	MultipleCartsFound CartOutcome = iota + 1
	AlreadyInCart
)

func (o CartOutcome) String() string {
	switch o {
	case MultipleCartsFound:
		return "MultipleCartsFound"
	case AlreadyInCart:
		return "AlreadyInCart"
	}
	return fmt.Sprintf("CartOutcome(%d)", int(o))
}

// Machines runs the stage machines against one page.
type Machines struct {
	page     page.Page
	sel      config.SelectorsConfig
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// New creates the stage machines for p.
func New(p page.Page, sel config.SelectorsConfig, timing config.TimingConfig, logger *zap.Logger) *Machines {
	return &Machines{
		page:     p,
		sel:      sel,
		timeout:  timing.StageTimeout,
		interval: timing.PollInterval,
		logger:   logger.Named("stage"),
	}
}

func (m *Machines) options(extra ...poller.Option) []poller.Option {
	return append([]poller.Option{poller.WithInterval(m.interval), poller.WithLogger(m.logger)}, extra...)
}

// authProbes is ordered: an error fragment must beat a stale cart fragment.
func authProbes(p page.Page, sel config.SelectorsConfig) []poller.Probe[AuthOutcome] {
	return []poller.Probe[AuthOutcome]{
		poller.Element(p, "login_error", sel.LoginError, AuthFail),
		poller.Element(p, "duo_waiting", sel.DuoWaiting, SecondFactorRequired),
		poller.Element(p, "semester_cart", sel.SemesterCart, AuthSuccess),
		poller.Element(p, "course_row", sel.CourseRow, AuthSuccess),
	}
}

// Authenticate resolves the page shown after credentials were submitted.
func (m *Machines) Authenticate(ctx context.Context) (AuthOutcome, error) {
	res, err := poller.Until(ctx, m.timeout, authProbes(m.page, m.sel), m.options()...)
	if err != nil {
		return 0, fmt.Errorf("authentication: %w", err)
	}
	m.logger.Info("Authentication resolved.", zap.Stringer("outcome", res.Outcome), zap.String("probe", res.Name))
	return res.Outcome, nil
}

// challengeProbes is ordered; trustEl receives the trust button when its probe matches.
func challengeProbes(p page.Page, sel config.SelectorsConfig, trustEl *page.Element) []poller.Probe[ChallengeOutcome] {
	trust := poller.Probe[ChallengeOutcome]{
		Name:    "duo_trust_browser",
		Outcome: Trusted,
		Present: func(ctx context.Context) (bool, error) {
			el, err := p.Locate(ctx, sel.DuoTrustBrowser)
			if err != nil {
				return false, err
			}
			*trustEl = el
			return true, nil
		},
	}
	return []poller.Probe[ChallengeOutcome]{
		trust,
		poller.Element(p, "duo_try_again", sel.DuoTryAgain, ChallengeTimedOut),
		poller.Element(p, "semester_cart", sel.SemesterCart, ChallengeCart),
		poller.Element(p, "course_row", sel.CourseRow, ChallengeCart),
	}
}

// SecondFactor waits out the second-factor challenge. When a verification code
// appears it is passed to announce exactly once. If the "trust this browser"
// action wins, it is clicked before Trusted is returned.
func (m *Machines) SecondFactor(ctx context.Context, announce func(code string)) (ChallengeOutcome, error) {
	announced := false
	announceCode := func(ctx context.Context) {
		if announced || announce == nil {
			return
		}
		el, err := m.page.Locate(ctx, m.sel.DuoVerificationCode)
		if err != nil {
			return
		}
		text, err := m.page.ReadText(ctx, el)
		if err != nil {
			m.logger.Debug("Could not read verification code.", zap.Error(err))
			return
		}
		if code := strings.TrimSpace(text); code != "" {
			announce(code)
			announced = true
		}
	}

	var trustEl page.Element
	res, err := poller.Until(ctx, m.timeout, challengeProbes(m.page, m.sel, &trustEl), m.options(poller.WithBeforeTick(announceCode))...)
	if err != nil {
		return 0, fmt.Errorf("second factor: %w", err)
	}

	if res.Outcome == Trusted {
		if err := m.page.Click(ctx, trustEl); err != nil {
			return 0, fmt.Errorf("second factor: clicking trust browser: %w", err)
		}
	}
	m.logger.Info("Second factor resolved.", zap.Stringer("outcome", res.Outcome), zap.String("probe", res.Name))
	return res.Outcome, nil
}

func cartProbes(p page.Page, sel config.SelectorsConfig) []poller.Probe[CartOutcome] {
	return []poller.Probe[CartOutcome]{
		poller.Element(p, "semester_cart", sel.SemesterCart, MultipleCartsFound),
		poller.Element(p, "course_row", sel.CourseRow, AlreadyInCart),
	}
}

// ResolveCart reports whether the human must pick a cart or is already inside one.
func (m *Machines) ResolveCart(ctx context.Context) (CartOutcome, error) {
	res, err := poller.Until(ctx, m.timeout, cartProbes(m.page, m.sel), m.options()...)
	if err != nil {
		return 0, fmt.Errorf("cart resolution: %w", err)
	}
	m.logger.Info("Cart resolved.", zap.Stringer("outcome", res.Outcome))
	return res.Outcome, nil
}
