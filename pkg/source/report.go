package source

import (
	"errors"
	"time"
)

// ErrStopWalk stops Walk without reporting an error.
var ErrStopWalk = errors.New("stop walk")

// Column describes one report column. Period is the normalized month end for
// columns that hold a single month; it is zero for label and total columns.
type Column struct {
	Title  string
	Type   string
	Start  time.Time
	End    time.Time
	Period time.Time
}

// Node is one entry in a report tree: a *DataRow or a *Section.
type Node interface {
	Accept(v Visitor) error
}

// DataRow is a leaf line item. Cells are aligned with Report.Columns; the
// first cell is the label.
type DataRow struct {
	Cells     []string
	AccountID string
}

func (r *DataRow) Label() string {
	if len(r.Cells) == 0 {
		return ""
	}
	return r.Cells[0]
}

func (r *DataRow) Accept(v Visitor) error {
	return v.VisitRow(r)
}

// Section groups child rows under a source defined group name and may carry
// a summary (total) row.
type Section struct {
	Group    string
	Title    string
	Children []Node
	Summary  *DataRow
}

func (s *Section) Accept(v Visitor) error {
	if err := v.EnterSection(s); err != nil {
		return err
	}
	for _, child := range s.Children {
		if err := child.Accept(v); err != nil {
			return err
		}
	}
	return v.LeaveSection(s)
}

// Visitor receives a depth-first walk of a report tree. LeaveSection is
// called after every child of the section has been visited.
type Visitor interface {
	EnterSection(s *Section) error
	LeaveSection(s *Section) error
	VisitRow(r *DataRow) error
}

// Report is a decoded source report.
type Report struct {
	Name     string
	Currency string
	Columns  []Column
	Rows     []Node
}

// PeriodColumns returns the indexes of the single-month columns.
func (r *Report) PeriodColumns() []int {
	var idx []int
	for i, col := range r.Columns {
		if !col.Period.IsZero() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Walk visits every node in order.
func Walk(nodes []Node, v Visitor) error {
	for _, node := range nodes {
		if err := node.Accept(v); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
	}
	return nil
}

// SkippedSection records a part of a report that could not be mapped.
type SkippedSection struct {
	Report  string
	Section string
	Reason  string
}
