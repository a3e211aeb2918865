package ui

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RosterRow is one participant in the room roster.
type RosterRow struct {
	ID     string
	Name   string
	InCall bool
	Self   bool
}

// RenderRoster prints the room membership as a table.
func RenderRoster(roomID string, rows []RosterRow) {
	fmt.Printf("\n%s Room %s\n\n", IconRoom, BoldStyle.Render(roomID))
	if len(rows) == 0 {
		fmt.Println(MutedStyle.Render("No participants"))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "ID", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
	})

	for i, row := range rows {
		name := row.Name
		if row.Self {
			name += " (you)"
		}
		status := "in room"
		if row.InCall {
			status = IconCall + " in call"
		}
		t.AppendRow(table.Row{i + 1, name, row.ID, status})
	}
	t.Render()
}
