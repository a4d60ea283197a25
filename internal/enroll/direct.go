package enroll

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	regexp "github.com/wasilibs/go-re2"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormSnapshot is the serialized state of the registration form.
type FormSnapshot struct {
	Action string      `json:"action"`
	Fields [][2]string `json:"fields"`
}

// Values returns the fields as form values. Repeated names keep their
// relative order; url.Values.Encode sorts the names.
func (s FormSnapshot) Values() url.Values {
	v := make(url.Values, len(s.Fields))
	for _, f := range s.Fields {
		v.Add(f[0], f[1])
	}
	return v
}

// snapshotJS serializes the first matching form, or document.forms[0].
const snapshotJS = `function(selector) {
	const form = document.querySelector(selector) || document.forms[0];
	if (!form) { return ""; }
	const fields = [];
	for (const [k, v] of new FormData(form)) {
		if (typeof v === "string") { fields.push([k, v]); }
	}
	return JSON.stringify({action: form.action, fields: fields});
}`

// Snapshot reads the current registration form.
func (t *Transaction) Snapshot(ctx context.Context) (FormSnapshot, error) {
	var raw string
	if err := t.page.Evaluate(ctx, snapshotJS, []any{t.sel.Form}, &raw); err != nil {
		return FormSnapshot{}, fmt.Errorf("reading form: %w", err)
	}
	if raw == "" {
		return FormSnapshot{}, fmt.Errorf("reading form: no form on page")
	}
	var snap FormSnapshot
	if err := json.UnmarshalFromString(raw, &snap); err != nil {
		return FormSnapshot{}, fmt.Errorf("decoding form snapshot: %w", err)
	}
	if snap.Action == "" {
		return FormSnapshot{}, fmt.Errorf("form has no action URL")
	}
	return snap, nil
}

// stateTokenPattern matches the numeric state token named field in a response body.
func stateTokenPattern(field string) *regexp.Regexp {
	return regexp.MustCompile(`name=['"]` + regexp.QuoteMeta(field) + `['"]\s*value=['"](\d+)`)
}

// ParseStateToken extracts the state token from body.
func ParseStateToken(body, field string) (string, error) {
	m := stateTokenPattern(field).FindStringSubmatch(body)
	if m == nil {
		return "", ErrStateTokenParse
	}
	return m[1], nil
}

// EnrollDirect replays the two-step enroll and confirm submission with the
// page's current form state. It reports success once the confirmation request
// completes; whether the enrollment went through is read from the results.
func (t *Transaction) EnrollDirect(ctx context.Context, indexes []int) error {
	if len(indexes) == 0 {
		return fmt.Errorf("no courses selected")
	}
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return err
	}

	params := snap.Values()
	for _, i := range indexes {
		params.Set(t.form.SelectFieldPrefix+strconv.Itoa(i), t.form.SelectValue)
	}
	params.Set(t.form.ActionField, t.form.EnrollAction)
	for _, kv := range t.form.ExtraFields {
		name, value, _ := strings.Cut(kv, "=")
		params.Set(name, value)
	}

	body, err := t.submitter.Submit(ctx, snap.Action, params)
	if err != nil {
		return fmt.Errorf("submitting enroll: %w", err)
	}
	t.logger.Info("Enroll submitted.", zap.Int("bytes", len(body)), zap.String("at", time.Now().Format("15:04:05.000")))

	token, err := ParseStateToken(body, t.form.StateField)
	if err != nil {
		return err
	}
	params.Set(t.form.StateField, token)
	params.Set(t.form.ActionField, t.form.ConfirmAction)

	body, err = t.submitter.Submit(ctx, snap.Action, params)
	if err != nil {
		return fmt.Errorf("submitting confirm: %w", err)
	}
	t.logger.Info("Confirm submitted.", zap.Int("bytes", len(body)), zap.String("at", time.Now().Format("15:04:05.000")))
	return nil
}
