package enroll

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/mocks"
	"github.com/xkilldash9x/course-sniper/internal/poller"
)

func newTransaction(t *testing.T, p *mocks.FakePage, opts ...Option) (*Transaction, *config.Config) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Timing.StageTimeout = 500 * time.Millisecond
	cfg.Timing.PollInterval = 10 * time.Millisecond
	t.Cleanup(p.Stop)
	return New(p, cfg.Site, cfg.Timing, zaptest.NewLogger(t), opts...), cfg
}

func checkboxes(n int) []*mocks.FakeElement {
	out := make([]*mocks.FakeElement, n)
	for i := range out {
		out[i] = &mocks.FakeElement{ID: fmt.Sprintf("cb%d", i)}
	}
	return out
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("direct")
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, m)

	_, err = ParseMethod("fast")
	assert.Error(t, err)
}

func TestEnrollUI_ClicksOnlySelectedPositions(t *testing.T) {
	p := mocks.NewFakePage()
	tx, cfg := newTransaction(t, p)
	sel := cfg.Site.Selectors

	p.Set(sel.Checkboxes, checkboxes(5)...)
	p.Set(sel.EnrollButton, &mocks.FakeElement{ID: "enroll"})
	p.Set(sel.EnrollConfirmButton, &mocks.FakeElement{ID: "confirm"})

	require.NoError(t, tx.Enroll(context.Background(), MethodUI, []int{0, 2}))
	assert.Equal(t, []string{"cb0", "cb2", "enroll", "confirm"}, p.Clicks())
}

func TestEnrollUI_WaitsForEnoughCheckboxes(t *testing.T) {
	p := mocks.NewFakePage()
	tx, cfg := newTransaction(t, p)
	sel := cfg.Site.Selectors

	boxes := checkboxes(5)
	p.Set(sel.Checkboxes, boxes[:2]...)
	p.SetAfter(60*time.Millisecond, sel.Checkboxes, boxes...)
	p.Set(sel.EnrollButton, &mocks.FakeElement{ID: "enroll"})
	p.Set(sel.EnrollConfirmButton, &mocks.FakeElement{ID: "confirm"})

	require.NoError(t, tx.EnrollUI(context.Background(), []int{4}))
	assert.Equal(t, []string{"cb4", "enroll", "confirm"}, p.Clicks())
}

func TestEnrollUI_MissingConfirmKeepsEarlierClicks(t *testing.T) {
	p := mocks.NewFakePage()
	tx, cfg := newTransaction(t, p)
	sel := cfg.Site.Selectors

	p.Set(sel.Checkboxes, checkboxes(3)...)
	p.Set(sel.EnrollButton, &mocks.FakeElement{ID: "enroll"})

	err := tx.EnrollUI(context.Background(), []int{1})
	require.ErrorIs(t, err, poller.ErrDeadlineExceeded)
	assert.Contains(t, err.Error(), "confirm")
	assert.Equal(t, []string{"cb1", "enroll"}, p.Clicks())
}

func TestValidate(t *testing.T) {
	p := mocks.NewFakePage()
	tx, cfg := newTransaction(t, p)
	sel := cfg.Site.Selectors

	p.Set(sel.Checkboxes, checkboxes(3)...)
	p.Set(sel.ValidateButton, &mocks.FakeElement{ID: "validate"})

	require.NoError(t, tx.Validate(context.Background(), []int{2, 0}))
	assert.Equal(t, []string{"cb0", "cb2", "validate"}, p.Clicks())
}

func TestSelectRows_Empty(t *testing.T) {
	tx, _ := newTransaction(t, mocks.NewFakePage())
	assert.Error(t, tx.SelectRows(context.Background(), nil))
}

func TestParseStateToken(t *testing.T) {
	tests := []struct {
		name, body, want string
		wantErr          bool
	}{
		{name: "double quotes", body: `<input type="hidden" name="ICStateNum" value="17">`, want: "17"},
		{name: "single quotes", body: `<input name='ICStateNum'   value='4'>`, want: "4"},
		{name: "missing", body: `<html>session expired</html>`, wantErr: true},
		{name: "not numeric", body: `<input name="ICStateNum" value="abc">`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStateToken(tt.body, "ICStateNum")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrStateTokenParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

const postURL = "https://registrar.example.edu/psc/SSR_SHOP_CART_FL.GBL"

func snapshotPage(t *testing.T) *mocks.FakePage {
	t.Helper()
	p := mocks.NewFakePage()
	p.EvaluateFunc = func(fn string, args []any) (any, error) {
		require.Equal(t, snapshotJS, fn)
		return `{"action":"` + postURL + `","fields":[["ICStateNum","3"],["ICAction","None"],["ICSID","abc"]]}`, nil
	}
	return p
}

func TestEnrollDirect_TwoStepSubmission(t *testing.T) {
	sub := &mocks.MockSubmitter{}
	tx, _ := newTransaction(t, snapshotPage(t), WithSubmitter(sub))

	sub.On("Submit", mock.Anything, postURL, mock.MatchedBy(func(v url.Values) bool {
		return v.Get("ICAction") == "DERIVED_SSR_FL_SSR_ENROLL_FL"
	})).Return(`<input type="hidden" name="ICStateNum" value="4">`, nil).Once()
	sub.On("Submit", mock.Anything, postURL, mock.MatchedBy(func(v url.Values) bool {
		return v.Get("ICAction") == "#ICYes"
	})).Return("<html>ok</html>", nil).Once()

	require.NoError(t, tx.EnrollDirect(context.Background(), []int{0, 2}))
	sub.AssertExpectations(t)

	enroll := sub.Calls[0].Arguments.Get(2).(url.Values)
	assert.Equal(t, "Y", enroll.Get("DERIVED_REGFRM1_SSR_SELECT$0"))
	assert.Equal(t, "Y", enroll.Get("DERIVED_REGFRM1_SSR_SELECT$2"))
	assert.Empty(t, enroll.Get("DERIVED_REGFRM1_SSR_SELECT$1"))
	assert.Equal(t, "3", enroll.Get("ICStateNum"))
	assert.Equal(t, "abc", enroll.Get("ICSID"))
	assert.Equal(t, "0", enroll.Get("ICXPos"))

	confirm := sub.Calls[1].Arguments.Get(2).(url.Values)
	assert.Equal(t, "4", confirm.Get("ICStateNum"), "state token copied from the enroll response")
	assert.Equal(t, "Y", confirm.Get("DERIVED_REGFRM1_SSR_SELECT$2"))
}

func TestEnrollDirect_MissingTokenNeverConfirms(t *testing.T) {
	sub := &mocks.MockSubmitter{}
	tx, _ := newTransaction(t, snapshotPage(t), WithSubmitter(sub))

	sub.On("Submit", mock.Anything, postURL, mock.Anything).Return("<html>no token here</html>", nil)

	err := tx.Enroll(context.Background(), MethodDirect, []int{1})
	require.ErrorIs(t, err, ErrStateTokenParse)
	sub.AssertNumberOfCalls(t, "Submit", 1)
}

func TestEnrollDirect_SubmitError(t *testing.T) {
	sub := &mocks.MockSubmitter{}
	tx, _ := newTransaction(t, snapshotPage(t), WithSubmitter(sub))
	boom := errors.New("network down")
	sub.On("Submit", mock.Anything, postURL, mock.Anything).Return("", boom)

	err := tx.EnrollDirect(context.Background(), []int{1})
	require.ErrorIs(t, err, boom)
	sub.AssertNumberOfCalls(t, "Submit", 1)
}

func TestSnapshot_NoForm(t *testing.T) {
	p := mocks.NewFakePage()
	p.EvaluateFunc = func(string, []any) (any, error) { return "", nil }
	tx, _ := newTransaction(t, p)

	_, err := tx.Snapshot(context.Background())
	assert.ErrorContains(t, err, "no form")
}

func TestPageSubmitter(t *testing.T) {
	p := mocks.NewFakePage()
	var gotArgs []any
	status := 200
	p.EvaluateFunc = func(fn string, args []any) (any, error) {
		gotArgs = args
		return map[string]any{"status": status, "body": "<html>done</html>"}, nil
	}
	s := NewPageSubmitter(p)

	body, err := s.Submit(context.Background(), postURL, url.Values{"ICAction": {"#ICYes"}})
	require.NoError(t, err)
	assert.Equal(t, "<html>done</html>", body)
	assert.Equal(t, []any{postURL, "ICAction=%23ICYes"}, gotArgs)

	status = 500
	_, err = s.Submit(context.Background(), postURL, url.Values{})
	assert.ErrorContains(t, err, "HTTP 500")
}

func TestFormSnapshot_Values(t *testing.T) {
	snap := FormSnapshot{Fields: [][2]string{{"ICSID", "abc"}, {"DERIVED$1", "Y"}, {"ICSID", "def"}}}
	v := snap.Values()

	assert.Equal(t, []string{"abc", "def"}, v["ICSID"], "repeated names keep their relative order")
	assert.Equal(t, "DERIVED%241=Y&ICSID=abc&ICSID=def", v.Encode(), "encoding sorts by name")
}
