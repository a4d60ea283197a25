// Package catalog scrapes the shopping-cart, course-listing and enrollment
// result fragments into typed values.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/course-sniper/internal/config"
	"github.com/xkilldash9x/course-sniper/internal/page"
)

// WaitlistUnknown is the position reported when the seat counts cannot be read.
const WaitlistUnknown = 999

// AvailabilityKind tags an Availability.
type AvailabilityKind int

const (
	Closed AvailabilityKind = iota
	Open
	Waitlist
)

// Availability is the parsed seat status of one course row. Available and
// Capacity are set for Open, Position for Waitlist.
type Availability struct {
	Kind      AvailabilityKind
	Available int
	Capacity  int
	Position  int
}

func (a Availability) String() string {
	switch a.Kind {
	case Open:
		return fmt.Sprintf("Open %d/%d", a.Available, a.Capacity)
	case Waitlist:
		return fmt.Sprintf("Waitlist %d", a.Position)
	}
	return "Closed"
}

// ParseAvailability classifies a row from its availability label and the
// free-form seats text. Only whitespace-separated non-negative integers of
// the seats text are considered.
func ParseAvailability(label, seats string) Availability {
	var nums []int
	for _, word := range strings.Fields(seats) {
		n, err := strconv.ParseUint(word, 10, 31)
		if err == nil {
			nums = append(nums, int(n))
		}
	}

	switch {
	case strings.Contains(label, "Wait List"):
		if len(nums) != 2 {
			return Availability{Kind: Waitlist, Position: WaitlistUnknown}
		}
		return Availability{Kind: Waitlist, Position: max(nums[1]-nums[0], 0)}
	case strings.Contains(label, "Closed"):
		return Availability{Kind: Closed}
	case strings.Contains(label, "Open"):
		if len(nums) != 2 {
			return Availability{Kind: Open}
		}
		return Availability{Kind: Open, Available: nums[0], Capacity: nums[1]}
	}
	return Availability{Kind: Closed}
}

// Cart is one selectable semester cart link.
type Cart struct {
	Element page.Element
	Text    string
}

func (c Cart) String() string { return c.Text }

// Course is one row of the course listing. CheckboxIndex is the row's
// position and must match the position of its selection checkbox.
type Course struct {
	CheckboxIndex int
	Availability  Availability
	Description   string
	Schedule      string
	Room          string
	Instructor    string
	Credits       string
}

func (c Course) String() string { return c.Description }

// ResultStatus is the classification of one enrollment result row.
type ResultStatus int

const (
	StatusUnknown ResultStatus = iota
	StatusSuccess
	StatusFail
)

func (s ResultStatus) String() string {
	switch s {
	case StatusSuccess:
		return "✅"
	case StatusFail:
		return "❌"
	}
	return "❔"
}

// ClassifyStatus maps the status markup of a result row to a ResultStatus.
// Markup carrying neither marker is StatusUnknown, never StatusFail.
func ClassifyStatus(markup string, markers config.MarkersConfig) ResultStatus {
	switch {
	case markers.Success != "" && strings.Contains(markup, markers.Success):
		return StatusSuccess
	case markers.Fail != "" && strings.Contains(markup, markers.Fail):
		return StatusFail
	}
	return StatusUnknown
}

// Result is one row of the enrollment or validation results.
type Result struct {
	Description string
	Status      ResultStatus
}

// Scraper reads listings from a page.
type Scraper struct {
	page        page.Page
	sel         config.SelectorsConfig
	markers     config.MarkersConfig
	concurrency int
	logger      *zap.Logger
}

// NewScraper creates a Scraper issuing at most concurrency row reads at once.
func NewScraper(p page.Page, site config.SiteConfig, concurrency int, logger *zap.Logger) *Scraper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scraper{
		page:        p,
		sel:         site.Selectors,
		markers:     site.Markers,
		concurrency: concurrency,
		logger:      logger.Named("catalog"),
	}
}

// readRows runs read for every element matching selector and returns the
// results in row order, whatever order the reads complete in.
func readRows[T any](ctx context.Context, s *Scraper, selector string, read func(context.Context, int, page.Element) (T, error)) ([]T, error) {
	rows, err := s.page.LocateAll(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("locating rows %q: %w", selector, err)
	}

	out := make([]T, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, row := range rows {
		g.Go(func() error {
			v, err := read(gctx, i, row)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Carts lists the semester cart links.
func (s *Scraper) Carts(ctx context.Context) ([]Cart, error) {
	carts, err := readRows(ctx, s, s.sel.SemesterCart, func(ctx context.Context, _ int, el page.Element) (Cart, error) {
		text, err := s.page.ReadText(ctx, el)
		if err != nil {
			return Cart{}, err
		}
		return Cart{Element: el, Text: strings.TrimSpace(text)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading carts: %w", err)
	}
	return carts, nil
}

// Courses scrapes the course listing.
func (s *Scraper) Courses(ctx context.Context) ([]Course, error) {
	courses, err := readRows(ctx, s, s.sel.CourseRow, s.readCourse)
	if err != nil {
		return nil, fmt.Errorf("reading courses: %w", err)
	}
	s.logger.Debug("Scraped course listing.", zap.Int("rows", len(courses)))
	return courses, nil
}

func (s *Scraper) readCourse(ctx context.Context, index int, row page.Element) (Course, error) {
	seats, err := s.childText(ctx, row, s.sel.Seats, "")
	if err != nil {
		return Course{}, err
	}
	label, err := s.childText(ctx, row, s.sel.Availability, "")
	if err != nil {
		return Course{}, err
	}

	c := Course{CheckboxIndex: index, Availability: ParseAvailability(label, seats)}
	fields := []struct {
		dst      *string
		selector string
	}{
		{&c.Description, s.sel.Description},
		{&c.Schedule, s.sel.Schedule},
		{&c.Room, s.sel.Room},
		{&c.Instructor, s.sel.Instructor},
		{&c.Credits, s.sel.Credits},
	}
	for _, f := range fields {
		if *f.dst, err = s.childText(ctx, row, f.selector, "None"); err != nil {
			return Course{}, err
		}
	}
	return c, nil
}

// Results scrapes the enrollment or validation result rows.
func (s *Scraper) Results(ctx context.Context) ([]Result, error) {
	results, err := readRows(ctx, s, s.sel.ResultRows, func(ctx context.Context, _ int, row page.Element) (Result, error) {
		markup, err := s.childMarkup(ctx, row, s.sel.ResultStatus)
		if err != nil {
			return Result{}, err
		}
		desc, err := s.childText(ctx, row, s.sel.ResultDescription, "None")
		if err != nil {
			return Result{}, err
		}
		return Result{Description: desc, Status: ClassifyStatus(markup, s.markers)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	return results, nil
}

// childText reads the text of the element matching selector inside row. A
// missing child yields fallback.
func (s *Scraper) childText(ctx context.Context, row page.Element, selector, fallback string) (string, error) {
	el, err := s.page.LocateWithin(ctx, row, selector)
	if errors.Is(err, page.ErrNotPresent) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return s.page.ReadText(ctx, el)
}

func (s *Scraper) childMarkup(ctx context.Context, row page.Element, selector string) (string, error) {
	el, err := s.page.LocateWithin(ctx, row, selector)
	if errors.Is(err, page.ErrNotPresent) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.page.ReadMarkup(ctx, el)
}
