package catalog

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// collapse joins the whitespace-separated fields of s with single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// WriteCourseTable renders the course listing.
func WriteCourseTable(w io.Writer, courses []Course) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "#\tCOURSE\tCREDITS\tAVAILABILITY\tSCHEDULE\tROOM\tINSTRUCTOR"); err != nil {
		return err
	}
	for _, c := range courses {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CheckboxIndex, collapse(c.Description), collapse(c.Credits), c.Availability,
			collapse(c.Schedule), collapse(c.Room), collapse(c.Instructor)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteResultTable renders enrollment or validation results.
func WriteResultTable(w io.Writer, results []Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "COURSE\tSTATUS"); err != nil {
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintf(tw, "%s\t%s\n", collapse(r.Description), r.Status); err != nil {
			return err
		}
	}
	return tw.Flush()
}
