// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/course-sniper/internal/page"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Scripted Page --

// FakeElement is a node of a FakePage. Children are keyed by the selector
// that locates them inside this element.
type FakeElement struct {
	ID       string
	Sel      string
	Text     string
	Markup   string
	Children map[string]*FakeElement
	// OnClick runs after the click is recorded, outside the page lock.
	OnClick func()
}

// Selector implements page.Element.
func (e *FakeElement) Selector() string { return e.Sel }

// FakePage is an in-memory page.Page whose DOM is a map of selector to
// elements. Tests mutate it (immediately or on a timer) to simulate a
// server-rendered page moving between states.
type FakePage struct {
	mu          sync.Mutex
	nodes       map[string][]*FakeElement
	errs        map[string]error
	locates     map[string]int
	clicks      []string
	typed       []string
	keys        []string
	navigations []string
	reloads     int
	timers      []*time.Timer

	// OnReload runs after every Reload, outside the page lock.
	OnReload func(p *FakePage)
	// EvaluateFunc answers Evaluate. Its result is JSON round-tripped into res.
	EvaluateFunc func(fn string, args []any) (any, error)
	// ScreenshotData is returned by Screenshot.
	ScreenshotData []byte
}

var _ page.Page = (*FakePage)(nil)

// NewFakePage returns an empty page.
func NewFakePage() *FakePage {
	return &FakePage{
		nodes:   make(map[string][]*FakeElement),
		errs:    make(map[string]error),
		locates: make(map[string]int),
	}
}

// Set makes selector match els, replacing whatever matched before.
func (p *FakePage) Set(selector string, els ...*FakeElement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range els {
		if el.Sel == "" {
			el.Sel = selector
		}
	}
	p.nodes[selector] = els
}

// Remove makes selector match nothing.
func (p *FakePage) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, selector)
}

// SetAfter calls Set once d has elapsed.
func (p *FakePage) SetAfter(d time.Duration, selector string, els ...*FakeElement) {
	timer := time.AfterFunc(d, func() { p.Set(selector, els...) })
	p.mu.Lock()
	p.timers = append(p.timers, timer)
	p.mu.Unlock()
}

// FailLocate makes every lookup of selector return err.
func (p *FakePage) FailLocate(selector string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[selector] = err
}

// Stop cancels pending SetAfter timers.
func (p *FakePage) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.timers {
		t.Stop()
	}
}

// Clicks returns the IDs of clicked elements in click order.
func (p *FakePage) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Typed returns "<id>:<text>" for every Type call.
func (p *FakePage) Typed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.typed...)
}

// Keys returns the pressed keys.
func (p *FakePage) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Reloads returns the number of Reload calls.
func (p *FakePage) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// Navigations returns every URL passed to Navigate.
func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// LocateCount returns how many times selector was looked up.
func (p *FakePage) LocateCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locates[selector]
}

func (p *FakePage) Locate(ctx context.Context, selector string) (page.Element, error) {
	els, err := p.LocateAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, page.ErrNotPresent
	}
	return els[0], nil
}

func (p *FakePage) LocateAll(ctx context.Context, selector string) ([]page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locates[selector]++
	if err := p.errs[selector]; err != nil {
		return nil, err
	}
	out := make([]page.Element, 0, len(p.nodes[selector]))
	for _, el := range p.nodes[selector] {
		out = append(out, el)
	}
	return out, nil
}

func (p *FakePage) LocateWithin(ctx context.Context, parent page.Element, selector string) (page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	el, err := asFake(parent)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	child, ok := el.Children[selector]
	if !ok {
		return nil, page.ErrNotPresent
	}
	return child, nil
}

func (p *FakePage) ReadText(_ context.Context, el page.Element) (string, error) {
	fe, err := asFake(el)
	if err != nil {
		return "", err
	}
	return fe.Text, nil
}

func (p *FakePage) ReadMarkup(_ context.Context, el page.Element) (string, error) {
	fe, err := asFake(el)
	if err != nil {
		return "", err
	}
	return fe.Markup, nil
}

func (p *FakePage) Click(ctx context.Context, el page.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fe, err := asFake(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, fe.ID)
	p.mu.Unlock()
	if fe.OnClick != nil {
		fe.OnClick()
	}
	return nil
}

func (p *FakePage) Type(_ context.Context, el page.Element, text string) error {
	fe, err := asFake(el)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, fe.ID+":"+text)
	return nil
}

func (p *FakePage) PressKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *FakePage) Evaluate(ctx context.Context, fn string, args []any, res any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.EvaluateFunc == nil {
		return fmt.Errorf("fake page: no EvaluateFunc configured")
	}
	out, err := p.EvaluateFunc(fn, args)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, res)
}

func (p *FakePage) Screenshot(_ context.Context) ([]byte, error) {
	return p.ScreenshotData, nil
}

func asFake(el page.Element) (*FakeElement, error) {
	fe, ok := el.(*FakeElement)
	if !ok {
		return nil, fmt.Errorf("fake page: foreign element %T", el)
	}
	return fe, nil
}

// -- Prompter Mock --

// MockPrompter mocks prompt.Prompter.
type MockPrompter struct {
	mock.Mock
}

func (m *MockPrompter) Text(label string) (string, error) {
	args := m.Called(label)
	return args.String(0), args.Error(1)
}

func (m *MockPrompter) Password(label string) (string, error) {
	args := m.Called(label)
	return args.String(0), args.Error(1)
}

func (m *MockPrompter) Select(label string, options []string) (int, error) {
	args := m.Called(label, options)
	return args.Int(0), args.Error(1)
}

func (m *MockPrompter) MultiSelect(label string, options []string) ([]int, error) {
	args := m.Called(label, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

// -- Submitter Mock --

// MockSubmitter mocks enroll.Submitter.
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, action string, form url.Values) (string, error) {
	// Record a copy; callers keep mutating the same url.Values between steps.
	snapshot := make(url.Values, len(form))
	for k, v := range form {
		snapshot[k] = append([]string(nil), v...)
	}
	args := m.Called(ctx, action, snapshot)
	return args.String(0), args.Error(1)
}
