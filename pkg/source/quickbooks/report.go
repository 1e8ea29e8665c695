package quickbooks

import (
	"time"

	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/source"
)

// ReportPayload is the QuickBooks report JSON: a header, column metadata and
// a tree of rows whose ColData cells align with the columns.
type ReportPayload struct {
	Header  ReportHeader  `json:"Header"`
	Columns ReportColumns `json:"Columns"`
	Rows    ReportRows    `json:"Rows"`
}

type ReportHeader struct {
	ReportName  string      `json:"ReportName"`
	Currency    string      `json:"Currency"`
	StartPeriod string      `json:"StartPeriod"`
	EndPeriod   string      `json:"EndPeriod"`
	Option      []NameValue `json:"Option"`
}

type NameValue struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type ReportColumns struct {
	Column []ReportColumn `json:"Column"`
}

type ReportColumn struct {
	ColTitle string      `json:"ColTitle"`
	ColType  string      `json:"ColType"`
	MetaData []NameValue `json:"MetaData"`
}

type ReportRows struct {
	Row []ReportRow `json:"Row"`
}

type ReportRow struct {
	Type    string      `json:"type"`
	Group   string      `json:"group"`
	Header  *ColDataRow `json:"Header,omitempty"`
	Rows    *ReportRows `json:"Rows,omitempty"`
	Summary *ColDataRow `json:"Summary,omitempty"`
	ColData []ColData   `json:"ColData,omitempty"`
}

type ColDataRow struct {
	ColData []ColData `json:"ColData"`
}

type ColData struct {
	Value string `json:"value"`
	ID    string `json:"id,omitempty"`
}

func lookup(values []NameValue, name string) string {
	for _, nv := range values {
		if nv.Name == name {
			return nv.Value
		}
	}
	return ""
}

// NoData reports whether QuickBooks flagged the report as empty.
func (p *ReportPayload) NoData() bool {
	return lookup(p.Header.Option, "NoReportData") == "true"
}

// ToReport converts the payload into the shared report tree.
func (p *ReportPayload) ToReport() *source.Report {
	report := &source.Report{
		Name:     p.Header.ReportName,
		Currency: p.Header.Currency,
		Columns:  make([]source.Column, 0, len(p.Columns.Column)),
	}
	for _, col := range p.Columns.Column {
		report.Columns = append(report.Columns, toColumn(col))
	}
	if p.NoData() {
		return report
	}
	report.Rows = toNodes(p.Rows.Row)
	return report
}

// toColumn sets Period only for columns spanning a single calendar month, so
// total columns and partial ranges never become monthly values.
func toColumn(col ReportColumn) source.Column {
	c := source.Column{Title: col.ColTitle, Type: col.ColType}
	start, startErr := time.Parse(dateLayout, lookup(col.MetaData, "StartDate"))
	end, endErr := time.Parse(dateLayout, lookup(col.MetaData, "EndDate"))
	if startErr != nil || endErr != nil {
		return c
	}
	c.Start, c.End = start, end
	if metricstore.NormalizePeriod(start).Equal(metricstore.NormalizePeriod(end)) {
		c.Period = metricstore.NormalizePeriod(end)
	}
	return c
}

func toNodes(rows []ReportRow) []source.Node {
	nodes := make([]source.Node, 0, len(rows))
	for _, row := range rows {
		if row.Type == "Section" || row.Rows != nil || row.Summary != nil || row.Header != nil {
			nodes = append(nodes, toSection(row))
			continue
		}
		nodes = append(nodes, toDataRow(row.ColData))
	}
	return nodes
}

func toSection(row ReportRow) *source.Section {
	section := &source.Section{Group: row.Group}
	if row.Header != nil && len(row.Header.ColData) > 0 {
		section.Title = row.Header.ColData[0].Value
	}
	if row.Rows != nil {
		section.Children = toNodes(row.Rows.Row)
	}
	if row.Summary != nil {
		section.Summary = toDataRow(row.Summary.ColData)
	}
	return section
}

func toDataRow(cells []ColData) *source.DataRow {
	row := &source.DataRow{Cells: make([]string, len(cells))}
	for i, cell := range cells {
		row.Cells[i] = cell.Value
	}
	if len(cells) > 0 {
		row.AccountID = cells[0].ID
	}
	return row
}
