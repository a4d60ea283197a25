package enroll

import (
	"context"
	"fmt"
	"net/url"

	"github.com/xkilldash9x/course-sniper/internal/page"
)

// Submitter posts an urlencoded form and returns the response body.
type Submitter interface {
	Submit(ctx context.Context, action string, form url.Values) (string, error)
}

// PageSubmitter posts from inside the page so the request carries the
// session's cookies and origin.
type PageSubmitter struct {
	page page.Page
}

// NewPageSubmitter creates a submitter that fetches through p.
func NewPageSubmitter(p page.Page) *PageSubmitter {
	return &PageSubmitter{page: p}
}

const submitJS = `async function(action, body) {
	const resp = await fetch(action, {
		method: "POST",
		headers: {"Content-Type": "application/x-www-form-urlencoded"},
		body: body,
		credentials: "include",
	});
	return {status: resp.status, body: await resp.text()};
}`

type submitResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Submit implements Submitter.
func (s *PageSubmitter) Submit(ctx context.Context, action string, form url.Values) (string, error) {
	var resp submitResponse
	if err := s.page.Evaluate(ctx, submitJS, []any{action, form.Encode()}, &resp); err != nil {
		return "", err
	}
	if resp.Status >= 400 {
		return resp.Body, fmt.Errorf("form post returned HTTP %d", resp.Status)
	}
	return resp.Body, nil
}
