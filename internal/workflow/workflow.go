// Package workflow drives one registration run from login to the results
// table. It is the only component that talks to both the page and the human.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/catalog"
	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/enroll"
	"github.com/xkilldash9x/course-sniper/internal/page"
	"github.com/xkilldash9x/course-sniper/internal/poller"
	"github.com/xkilldash9x/course-sniper/internal/prompt"
	"github.com/xkilldash9x/course-sniper/internal/stage"
	"github.com/xkilldash9x/course-sniper/internal/trigger"
)

var (
	// ErrInvalidCredentials is returned when the login page reports an error.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSecondFactorTimedOut is returned when the second-factor prompt expired.
	ErrSecondFactorTimedOut = errors.New("second factor timed out")
)

const timestampLayout = "15:04:05.000"

// Action is what to do with the selected courses.
type Action int

const (
	ActionValidate Action = iota
	ActionEnroll
)

var actionLabels = []string{"Validate", "Enroll"}

// Workflow runs one registration session.
type Workflow struct {
	page     page.Page
	prompter prompt.Prompter
	cfg      *config.Config
	out      io.Writer
	status   io.Writer
	trigger  *trigger.Trigger
	logger   *zap.Logger
	runID    string

	stages  *stage.Machines
	scraper *catalog.Scraper
	tx      *enroll.Transaction
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithOutput sets where tables (out) and status lines (status) are written.
func WithOutput(out, status io.Writer) Option {
	return func(w *Workflow) {
		w.out = out
		w.status = status
	}
}

// WithTrigger replaces the registration-time trigger.
func WithTrigger(t *trigger.Trigger) Option { return func(w *Workflow) { w.trigger = t } }

// WithTransactionOptions configures the enrollment transaction.
func WithTransactionOptions(opts ...enroll.Option) Option {
	return func(w *Workflow) {
		w.tx = enroll.New(w.page, w.cfg.Site, w.cfg.Timing, w.logger, opts...)
	}
}

// New assembles a workflow over p.
func New(p page.Page, pr prompt.Prompter, cfg *config.Config, logger *zap.Logger, opts ...Option) *Workflow {
	runID := uuid.New().String()
	logger = logger.Named("workflow").With(zap.String("run_id", runID[:8]))

	w := &Workflow{
		page:     p,
		prompter: pr,
		cfg:      cfg,
		out:      os.Stdout,
		status:   os.Stderr,
		logger:   logger,
		runID:    runID,
		stages:   stage.New(p, cfg.Site.Selectors, cfg.Timing, logger),
		scraper:  catalog.NewScraper(p, cfg.Site, cfg.Timing.ReadConcurrency, logger),
		trigger:  trigger.New(cfg.Timing.CoarseInterval, cfg.Timing.FineWindow, trigger.WithLogger(logger)),
	}
	w.tx = enroll.New(p, cfg.Site, cfg.Timing, logger)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunID identifies this run in the logs.
func (w *Workflow) RunID() string { return w.runID }

// Run executes the whole registration flow. With debug enabled, a screenshot
// of the page is saved before an error is returned.
func (w *Workflow) Run(ctx context.Context) (err error) {
	if w.cfg.Run.Snipers > 1 {
		w.logger.Warn("Multiple snipers requested; only one runs.", zap.Int("snipers", w.cfg.Run.Snipers))
	}
	defer func() {
		if err != nil && w.cfg.Run.Debug {
			w.captureDebug(ctx, err)
		}
	}()

	if err := w.page.Navigate(ctx, w.cfg.Site.URL); err != nil {
		return fmt.Errorf("opening %s: %w", w.cfg.Site.URL, err)
	}
	if err := w.login(ctx); err != nil {
		return err
	}
	if err := w.enterCart(ctx); err != nil {
		return err
	}

	courses, err := w.listCourses(ctx)
	if err != nil {
		return err
	}
	selected, err := w.pickCourses(courses)
	if err != nil {
		return err
	}

	choice, err := w.prompter.Select("Select action:", actionLabels)
	if err != nil {
		return err
	}
	if Action(choice) == ActionValidate {
		if err := w.tx.Validate(ctx, selected); err != nil {
			return fmt.Errorf("validating: %w", err)
		}
		w.logger.Info("Validation clicked.", zap.String("at", stamp()))
		return w.showResults(ctx, "validation")
	}

	if err := w.enroll(ctx, selected); err != nil {
		return err
	}
	return w.showResults(ctx, "enrollment")
}

func (w *Workflow) login(ctx context.Context) error {
	username, err := w.prompter.Text("Username:")
	if err != nil {
		return err
	}
	password, err := w.prompter.Password("Password:")
	if err != nil {
		return err
	}

	st := prompt.StartStatus(w.status, "Logging in with credentials...")
	if err := w.submitCredentials(ctx, username, password); err != nil {
		st.Finish("Could not submit credentials.")
		return err
	}

	outcome, err := w.stages.Authenticate(ctx)
	if err != nil {
		st.Finish("Failed to find the correct elements or timed out.")
		return err
	}
	switch outcome {
	case stage.AuthFail:
		st.Finish("Invalid credentials.")
		return ErrInvalidCredentials
	case stage.AuthSuccess:
		st.Finish("Authenticated.")
		return nil
	}

	st.Finish("Duo authentication required.")
	return w.secondFactor(ctx)
}

func (w *Workflow) submitCredentials(ctx context.Context, username, password string) error {
	sel := w.cfg.Site.Selectors
	user, err := poller.WaitFor(ctx, w.page, sel.UsernameInput, w.cfg.Timing.StageTimeout, poller.WithInterval(w.cfg.Timing.PollInterval))
	if err != nil {
		return fmt.Errorf("login form: %w", err)
	}
	if err := w.page.Click(ctx, user); err != nil {
		return err
	}
	if err := w.page.Type(ctx, user, username); err != nil {
		return err
	}

	pwd, err := w.page.Locate(ctx, sel.PasswordInput)
	if err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if err := w.page.Click(ctx, pwd); err != nil {
		return err
	}
	if err := w.page.Type(ctx, pwd, password); err != nil {
		return err
	}
	return w.page.PressKey(ctx, "Enter")
}

func (w *Workflow) secondFactor(ctx context.Context) error {
	st := prompt.StartStatus(w.status, "Waiting for Duo confirmation...")
	outcome, err := w.stages.SecondFactor(ctx, func(code string) {
		_, _ = fmt.Fprintf(w.status, "\nVerification code: %s\n", code)
		w.logger.Info("Second factor verification code shown.", zap.String("code", code))
	})
	if err != nil {
		st.Finish("Failed to find the correct elements or timed out.")
		return err
	}
	if outcome == stage.ChallengeTimedOut {
		st.Finish("Duo authentication timed out.")
		return ErrSecondFactorTimedOut
	}
	st.Finish("Authenticated.")
	return nil
}

func (w *Workflow) enterCart(ctx context.Context) error {
	st := prompt.StartStatus(w.status, "Looking for shopping cart...")
	outcome, err := w.stages.ResolveCart(ctx)
	if err != nil {
		st.Finish("Failed to find the correct elements or timed out.")
		return err
	}
	if outcome == stage.AlreadyInCart {
		st.Finish("Entered shopping cart.")
		return nil
	}
	st.Finish("Shopping carts found.")

	carts, err := w.scraper.Carts(ctx)
	if err != nil {
		return err
	}
	labels := make([]string, len(carts))
	for i, c := range carts {
		labels[i] = c.String()
	}
	i, err := w.prompter.Select("Select a cart:", labels)
	if err != nil {
		return err
	}
	if err := w.page.Click(ctx, carts[i].Element); err != nil {
		return fmt.Errorf("opening cart %q: %w", carts[i].Text, err)
	}
	w.logger.Info("Cart selected.", zap.String("cart", carts[i].Text))
	return nil
}

func (w *Workflow) listCourses(ctx context.Context) ([]catalog.Course, error) {
	st := prompt.StartStatus(w.status, "Fetching courses in cart...")
	if _, err := poller.WaitFor(ctx, w.page, w.cfg.Site.Selectors.CourseRow, w.cfg.Timing.StageTimeout, poller.WithInterval(w.cfg.Timing.PollInterval)); err != nil {
		st.Finish("No courses found in cart.")
		return nil, err
	}
	courses, err := w.scraper.Courses(ctx)
	if err != nil {
		st.Finish("Could not read the course listing.")
		return nil, err
	}
	st.Finish(fmt.Sprintf("Found %d courses.", len(courses)))
	if err := catalog.WriteCourseTable(w.out, courses); err != nil {
		return nil, err
	}
	return courses, nil
}

func (w *Workflow) pickCourses(courses []catalog.Course) ([]int, error) {
	labels := make([]string, len(courses))
	for i, c := range courses {
		labels[i] = c.String()
	}
	picked, err := w.prompter.MultiSelect("Select courses:", labels)
	if err != nil {
		return nil, err
	}
	selected := make([]int, len(picked))
	for i, p := range picked {
		selected[i] = courses[p].CheckboxIndex
	}
	return selected, nil
}

func (w *Workflow) chooseMethod() (enroll.Method, error) {
	if w.cfg.Run.Method != "" {
		return enroll.ParseMethod(w.cfg.Run.Method)
	}
	methods := []enroll.Method{enroll.MethodUI, enroll.MethodDirect}
	labels := []string{enroll.MethodUI.String(), enroll.MethodDirect.String()}
	i, err := w.prompter.Select("Choose enrollment method:", labels)
	if err != nil {
		return "", err
	}
	return methods[i], nil
}

func (w *Workflow) chooseTarget() (trigger.Target, error) {
	if w.cfg.Run.At != "" {
		return trigger.ParseTarget(w.cfg.Run.At)
	}
	for {
		answer, err := w.prompter.Text("Registration time (HH:MM AM/PM):")
		if err != nil {
			return trigger.Target{}, err
		}
		target, err := trigger.ParseTarget(answer)
		if err == nil {
			return target, nil
		}
		_, _ = fmt.Fprintln(w.status, err)
	}
}

func (w *Workflow) enroll(ctx context.Context, selected []int) error {
	method, err := w.chooseMethod()
	if err != nil {
		return err
	}
	target, err := w.chooseTarget()
	if err != nil {
		return err
	}

	st := prompt.StartStatus(w.status, fmt.Sprintf("Waiting for registration time: %s...", target))
	if _, err := w.trigger.Wait(ctx, target); err != nil {
		st.Finish("Stopped waiting for registration time.")
		return err
	}
	if err := w.page.Reload(ctx); err != nil {
		st.Finish("Reload failed.")
		return fmt.Errorf("reloading at registration time: %w", err)
	}
	st.Finish(fmt.Sprintf("Reloaded for registration at %s.", stamp()))
	w.logger.Info("Page reloaded for registration.", zap.String("at", stamp()), zap.Stringer("method", method))

	st = prompt.StartStatus(w.status, fmt.Sprintf("Enrolling (%s)...", method))
	if err := w.tx.Enroll(ctx, method, selected); err != nil {
		st.Finish("Enrollment failed.")
		return fmt.Errorf("enrolling: %w", err)
	}
	if method == enroll.MethodDirect {
		// The direct path never touches the DOM; reload to see the results.
		if err := w.page.Reload(ctx); err != nil {
			st.Finish("Enrollment submitted, but reloading for results failed.")
			return fmt.Errorf("reloading for results: %w", err)
		}
		w.logger.Info("Reloaded to capture results.", zap.String("at", stamp()))
	}
	st.Finish(fmt.Sprintf("Enrollment submitted at %s.", stamp()))
	return nil
}

func (w *Workflow) showResults(ctx context.Context, kind string) error {
	st := prompt.StartStatus(w.status, fmt.Sprintf("Waiting for %s results...", kind))
	if _, err := poller.WaitFor(ctx, w.page, w.cfg.Site.Selectors.ResultRows, w.cfg.Timing.StageTimeout, poller.WithInterval(w.cfg.Timing.PollInterval)); err != nil {
		st.Finish(fmt.Sprintf("No %s results appeared.", kind))
		return err
	}
	results, err := w.scraper.Results(ctx)
	if err != nil {
		st.Finish(fmt.Sprintf("Could not read %s results.", kind))
		return err
	}
	st.Finish(fmt.Sprintf("Found %d %s results.", len(results), kind))
	return catalog.WriteResultTable(w.out, results)
}

// captureDebug saves a full-page screenshot named after the current time.
// It still runs when ctx was cancelled, e.g. by Ctrl+C.
func (w *Workflow) captureDebug(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(page.Detach(ctx), 10*time.Second)
	defer cancel()

	png, err := w.page.Screenshot(ctx)
	if err != nil {
		w.logger.Warn("Could not capture debug screenshot.", zap.Error(err))
		return
	}
	name := filepath.Join(w.cfg.Browser.ScreenshotDir, fmt.Sprintf("debug-%s.png", stamp()))
	if err := os.WriteFile(name, png, 0o644); err != nil {
		w.logger.Warn("Could not write debug screenshot.", zap.Error(err))
		return
	}
	w.logger.Info("Debug screenshot saved.", zap.String("path", name), zap.NamedError("cause", cause))
}

func stamp() string { return time.Now().Format(timestampLayout) }
