package main

import (
	"context"
	"os"
	"sort"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "Show how many people are in each room",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		log := newLogger()
		defer log.Sync()

		client, err := connect(ctx, log)
		if err != nil {
			return err
		}
		defer client.Close()

		counts, err := client.Occupancy(ctx)
		if err != nil {
			return err
		}
		renderOccupancy(counts)
		return nil
	},
}

func renderOccupancy(counts map[domain.RoomID]int) {
	ids := make([]domain.RoomID, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Voice rooms")
	t.AppendHeader(table.Row{"Room", "Members"})

	total := 0
	for _, id := range ids {
		t.AppendRow(table.Row{id, counts[id]})
		total += counts[id]
	}
	t.AppendFooter(table.Row{"Total", total})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	t.Render()
}
