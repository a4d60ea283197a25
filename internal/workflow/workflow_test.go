package workflow

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/enroll"
	"github.com/xkilldash9x/course-sniper/internal/mocks"
	"github.com/xkilldash9x/course-sniper/internal/trigger"
)

// syncBuffer is a bytes.Buffer safe for the status spinner goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stepClock advances by one millisecond per reading and jumps on Sleep.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *stepClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	page     *mocks.FakePage
	prompter *mocks.MockPrompter
	cfg      *config.Config
	sel      config.SelectorsConfig
	out      *bytes.Buffer
	status   *syncBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Timing.StageTimeout = 2 * time.Second
	cfg.Timing.PollInterval = 10 * time.Millisecond
	cfg.Browser.ScreenshotDir = t.TempDir()

	h := &harness{
		page:     mocks.NewFakePage(),
		prompter: &mocks.MockPrompter{},
		cfg:      cfg,
		sel:      cfg.Site.Selectors,
		out:      &bytes.Buffer{},
		status:   &syncBuffer{},
	}
	t.Cleanup(h.page.Stop)

	h.page.Set(h.sel.UsernameInput, &mocks.FakeElement{ID: "user"})
	h.page.Set(h.sel.PasswordInput, &mocks.FakeElement{ID: "pwd"})
	h.prompter.On("Text", "Username:").Return("jdoe", nil)
	h.prompter.On("Password", "Password:").Return("s3cret", nil)
	return h
}

func (h *harness) workflow(t *testing.T, opts ...Option) *Workflow {
	t.Helper()
	// 08:59:58 local, two seconds before a 09:00 AM target.
	clock := &stepClock{now: time.Date(2024, time.November, 4, 8, 59, 58, 0, time.Local)}
	base := []Option{
		WithOutput(h.out, h.status),
		WithTrigger(trigger.New(h.cfg.Timing.CoarseInterval, h.cfg.Timing.FineWindow, trigger.WithClock(clock))),
	}
	return New(h.page, h.prompter, h.cfg, zaptest.NewLogger(t), append(base, opts...)...)
}

func (h *harness) courseRows() []*mocks.FakeElement {
	rows := make([]*mocks.FakeElement, 3)
	for i := range rows {
		text := func(s string) *mocks.FakeElement { return &mocks.FakeElement{Text: s} }
		rows[i] = &mocks.FakeElement{
			ID: fmt.Sprintf("row%d", i),
			Children: map[string]*mocks.FakeElement{
				h.sel.Availability: text("Open"),
				h.sel.Seats:        text("10 of 30"),
				h.sel.Description:  text(fmt.Sprintf("CS %d", 170+i)),
				h.sel.Schedule:     text("MoWe 10:00AM - 11:15AM"),
				h.sel.Room:         text("MSC W301"),
				h.sel.Instructor:   text("Staff"),
				h.sel.Credits:      text("3"),
			},
		}
	}
	return rows
}

func (h *harness) resultRows() []*mocks.FakeElement {
	return []*mocks.FakeElement{{Children: map[string]*mocks.FakeElement{
		h.sel.ResultDescription: {Text: "CS 170"},
		h.sel.ResultStatus:      {Markup: `<img src="` + h.cfg.Site.Markers.Success + `">`},
	}}}
}

func checkboxes(n int) []*mocks.FakeElement {
	out := make([]*mocks.FakeElement, n)
	for i := range out {
		out[i] = &mocks.FakeElement{ID: fmt.Sprintf("cb%d", i)}
	}
	return out
}

var courseLabels = []string{"CS 170", "CS 171", "CS 172"}

func TestRun_InvalidCredentialsHalts(t *testing.T) {
	h := newHarness(t)
	h.page.Set(h.sel.LoginError, &mocks.FakeElement{ID: "err"})
	h.page.Set(h.sel.CourseRow, h.courseRows()...)

	err := h.workflow(t).Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Equal(t, []string{"user:jdoe", "pwd:s3cret"}, h.page.Typed())
	assert.Equal(t, []string{"Enter"}, h.page.Keys())
	assert.Equal(t, 0, h.page.LocateCount(h.sel.CourseRow), "no stage after authentication runs")
	h.prompter.AssertNotCalled(t, "MultiSelect", mock.Anything, mock.Anything)
	assert.Contains(t, h.status.String(), "Invalid credentials.")
	assert.Equal(t, []string{h.cfg.Site.URL}, h.page.Navigations())
}

func TestRun_SecondFactorThenEnrollByClicking(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run.Method = "ui"
	h.cfg.Run.At = "09:00 AM"

	rows := h.courseRows()
	h.page.Set(h.sel.DuoWaiting, &mocks.FakeElement{ID: "duo"})
	h.page.Set(h.sel.DuoVerificationCode, &mocks.FakeElement{ID: "code", Text: " 271828 "})
	h.page.SetAfter(100*time.Millisecond, h.sel.DuoTrustBrowser, &mocks.FakeElement{ID: "trust", OnClick: func() {
		h.page.Remove(h.sel.DuoWaiting)
		h.page.Set(h.sel.CourseRow, rows...)
	}})
	h.page.OnReload = func(p *mocks.FakePage) {
		p.Set(h.sel.Checkboxes, checkboxes(3)...)
		p.Set(h.sel.EnrollButton, &mocks.FakeElement{ID: "enroll"})
		p.Set(h.sel.EnrollConfirmButton, &mocks.FakeElement{ID: "confirm", OnClick: func() {
			p.Set(h.sel.ResultRows, h.resultRows()...)
		}})
	}
	h.prompter.On("MultiSelect", "Select courses:", courseLabels).Return([]int{0, 2}, nil)
	h.prompter.On("Select", "Select action:", actionLabels).Return(int(ActionEnroll), nil)

	require.NoError(t, h.workflow(t).Run(context.Background()))

	assert.Equal(t, []string{"user", "pwd", "trust", "cb0", "cb2", "enroll", "confirm"}, h.page.Clicks())
	assert.Equal(t, 1, h.page.Reloads())
	assert.Equal(t, 1, strings.Count(h.status.String(), "Verification code: 271828"))
	assert.Contains(t, h.out.String(), "Open 10/30")
	assert.Contains(t, h.out.String(), "✅")
	h.prompter.AssertExpectations(t)
}

func TestRun_DirectPathMissingTokenCapturesDebug(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run.Method = "direct"
	h.cfg.Run.At = "9:00 am"
	h.cfg.Run.Debug = true
	h.page.ScreenshotData = []byte("png")

	rows := h.courseRows()
	h.page.Set(h.sel.SemesterCart,
		&mocks.FakeElement{ID: "fall", Text: "Fall 2024"},
		&mocks.FakeElement{ID: "spring", Text: "Spring 2025", OnClick: func() {
			h.page.Remove(h.sel.SemesterCart)
			h.page.Set(h.sel.CourseRow, rows...)
		}},
	)
	h.page.EvaluateFunc = func(string, []any) (any, error) {
		return `{"action":"https://registrar.example.edu/post","fields":[["ICStateNum","7"]]}`, nil
	}
	sub := &mocks.MockSubmitter{}
	sub.On("Submit", mock.Anything, "https://registrar.example.edu/post", mock.Anything).Return("<html>expired</html>", nil)

	h.prompter.On("Select", "Select a cart:", []string{"Fall 2024", "Spring 2025"}).Return(1, nil)
	h.prompter.On("MultiSelect", "Select courses:", courseLabels).Return([]int{1}, nil)
	h.prompter.On("Select", "Select action:", actionLabels).Return(int(ActionEnroll), nil)

	err := h.workflow(t, WithTransactionOptions(enroll.WithSubmitter(sub))).Run(context.Background())
	require.ErrorIs(t, err, enroll.ErrStateTokenParse)

	sub.AssertNumberOfCalls(t, "Submit", 1)
	assert.Equal(t, []string{"user", "pwd", "spring"}, h.page.Clicks())
	assert.Equal(t, 1, h.page.Reloads(), "no results reload after a failed transaction")
	assert.Contains(t, h.status.String(), "Enrollment failed.")

	shots, err := filepath.Glob(filepath.Join(h.cfg.Browser.ScreenshotDir, "debug-*.png"))
	require.NoError(t, err)
	require.Len(t, shots, 1)
	data, err := os.ReadFile(shots[0])
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestRun_DirectPathEnrollsAndShowsResults(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run.Method = "direct"
	h.cfg.Run.At = "9:00 AM"
	form := h.cfg.Site.Form

	h.page.Set(h.sel.CourseRow, h.courseRows()...)
	reloads := 0
	h.page.OnReload = func(p *mocks.FakePage) {
		reloads++
		if reloads == 2 {
			p.Set(h.sel.ResultRows, h.resultRows()...)
		}
	}
	h.page.EvaluateFunc = func(string, []any) (any, error) {
		return `{"action":"https://registrar.example.edu/post","fields":[["ICStateNum","7"],["ICSID","abc"]]}`, nil
	}

	const postURL = "https://registrar.example.edu/post"
	sub := &mocks.MockSubmitter{}
	sub.On("Submit", mock.Anything, postURL, mock.MatchedBy(func(v url.Values) bool {
		return v.Get(form.ActionField) == form.EnrollAction
	})).Return(`<input type="hidden" name="ICStateNum" value="8">`, nil).Once()
	sub.On("Submit", mock.Anything, postURL, mock.MatchedBy(func(v url.Values) bool {
		return v.Get(form.ActionField) == form.ConfirmAction
	})).Return("<html>ok</html>", nil).Once()

	h.prompter.On("MultiSelect", "Select courses:", courseLabels).Return([]int{0, 2}, nil)
	h.prompter.On("Select", "Select action:", actionLabels).Return(int(ActionEnroll), nil)

	require.NoError(t, h.workflow(t, WithTransactionOptions(enroll.WithSubmitter(sub))).Run(context.Background()))

	sub.AssertNumberOfCalls(t, "Submit", 2)
	enrollForm := sub.Calls[0].Arguments.Get(2).(url.Values)
	assert.Equal(t, form.SelectValue, enrollForm.Get(form.SelectFieldPrefix+"0"))
	assert.Equal(t, form.SelectValue, enrollForm.Get(form.SelectFieldPrefix+"2"))
	assert.Empty(t, enrollForm.Get(form.SelectFieldPrefix+"1"))
	assert.Equal(t, "7", enrollForm.Get(form.StateField))

	confirmForm := sub.Calls[1].Arguments.Get(2).(url.Values)
	assert.Equal(t, "8", confirmForm.Get(form.StateField), "token from the enroll response is carried into the confirm")
	assert.Equal(t, "abc", confirmForm.Get("ICSID"))

	assert.Equal(t, 2, h.page.Reloads(), "reload at the trigger and again for the results")
	assert.Equal(t, []string{"user", "pwd"}, h.page.Clicks(), "the direct path never clicks the form")
	assert.Contains(t, h.out.String(), "CS 170")
	assert.Contains(t, h.out.String(), "✅")
	assert.Contains(t, h.status.String(), "Enrollment submitted at")
	h.prompter.AssertExpectations(t)
}

// cancellingPage cancels the run while opening the site and refuses to
// answer on a context that is already done.
type cancellingPage struct {
	*mocks.FakePage
	cancel context.CancelFunc
}

func (p *cancellingPage) Navigate(ctx context.Context, _ string) error {
	p.cancel()
	return ctx.Err()
}

func (p *cancellingPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.FakePage.Screenshot(ctx)
}

func TestRun_DebugCaptureSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run.Debug = true
	h.page.ScreenshotData = []byte("png")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancellingPage{FakePage: h.page, cancel: cancel}

	w := New(p, h.prompter, h.cfg, zaptest.NewLogger(t), WithOutput(h.out, h.status))
	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	shots, err := filepath.Glob(filepath.Join(h.cfg.Browser.ScreenshotDir, "debug-*.png"))
	require.NoError(t, err)
	assert.Len(t, shots, 1, "the screenshot is taken even though the run was cancelled")
}

func TestRun_ValidateSkipsTrigger(t *testing.T) {
	h := newHarness(t)
	h.page.Set(h.sel.CourseRow, h.courseRows()...)
	h.page.Set(h.sel.Checkboxes, checkboxes(3)...)
	h.page.Set(h.sel.ValidateButton, &mocks.FakeElement{ID: "validate", OnClick: func() {
		h.page.Set(h.sel.ResultRows, h.resultRows()...)
	}})
	h.prompter.On("MultiSelect", "Select courses:", courseLabels).Return([]int{1}, nil)
	h.prompter.On("Select", "Select action:", actionLabels).Return(int(ActionValidate), nil)

	require.NoError(t, h.workflow(t).Run(context.Background()))

	assert.Equal(t, []string{"user", "pwd", "cb1", "validate"}, h.page.Clicks())
	assert.Zero(t, h.page.Reloads())
	assert.Contains(t, h.status.String(), "Found 1 validation results.")
	h.prompter.AssertNotCalled(t, "Text", "Registration time (HH:MM AM/PM):")
}

func TestChooseTarget_RepromptsOnInvalidInput(t *testing.T) {
	h := newHarness(t)
	h.prompter.On("Text", "Registration time (HH:MM AM/PM):").Return("25:00", nil).Once()
	h.prompter.On("Text", "Registration time (HH:MM AM/PM):").Return("07:30 PM", nil).Once()

	target, err := h.workflow(t).chooseTarget()
	require.NoError(t, err)
	assert.Equal(t, trigger.Target{Hour: 7, Minute: 30, PM: true}, target)
	assert.Contains(t, h.status.String(), "invalid registration time")
}

func TestChooseMethod(t *testing.T) {
	h := newHarness(t)
	h.prompter.On("Select", "Choose enrollment method:", []string{enroll.MethodUI.String(), enroll.MethodDirect.String()}).Return(1, nil)

	w := h.workflow(t)
	m, err := w.chooseMethod()
	require.NoError(t, err)
	assert.Equal(t, enroll.MethodDirect, m)

	h.cfg.Run.Method = "ui"
	m, err = w.chooseMethod()
	require.NoError(t, err)
	assert.Equal(t, enroll.MethodUI, m)
	assert.Len(t, w.RunID(), 36)
}
