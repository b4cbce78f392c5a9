package helpers

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// PrintTable renders rows as a borderless left-aligned listing, the format
// the CLI uses for status output.
func PrintTable(headers []string, rows [][]any) {
	symbols := tw.NewSymbolCustom("keymaster").WithRow(" ").WithColumn(" ")
	rendition := tw.Rendition{Symbols: symbols}
	rendition.Settings.Lines.ShowHeaderLine = tw.Off

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithRenderer(renderer.NewBlueprint(rendition)),
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}},
			Row:    tw.CellConfig{Alignment: tw.CellAlignment{Global: tw.AlignLeft}},
		}),
	)

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	table.Header(header...)
	table.Bulk(rows)
	table.Render()
}
