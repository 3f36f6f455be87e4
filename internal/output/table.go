package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

func newWriter(v View) table.Writer {
	t := table.NewWriter()
	if v.Title != "" {
		t.SetTitle(v.Title)
	}
	t.AppendHeader(v.Header)
	t.AppendRows(v.Rows)
	if len(v.Footer) > 0 {
		t.AppendFooter(v.Footer)
	}
	return t
}

func renderTable(v View) string {
	if len(v.Rows) == 0 && v.Empty != "" {
		return v.Empty
	}
	t := newWriter(v)
	t.SetStyle(table.StyleRounded)
	return t.Render()
}
