package cliui

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Table renders rows under a header.
func Table(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(lo.ToAnySlice(header)...)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
