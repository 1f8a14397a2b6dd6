package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"pricewatch/internal/model"
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Print counts of the persisted state",
		Action: printStats,
	}
}

func dumpCommand() *cli.Command {
	output := &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Write to file instead of stdout",
	}
	return &cli.Command{
		Name:  "dump",
		Usage: "Export the persisted state as JSON",
		Subcommands: []*cli.Command{
			{
				Name:   "items",
				Usage:  "Item id to name map",
				Flags:  []cli.Flag{output},
				Action: dumpItems,
			},
			{
				Name:   "prices",
				Usage:  "Current prices with bounds",
				Flags:  []cli.Flag{output},
				Action: dumpPrices,
			},
			{
				Name:   "denylist",
				Usage:  "Denylisted ids",
				Flags:  []cli.Flag{output},
				Action: dumpDenylist,
			},
		},
	}
}

func printStats(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	st, err := store.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	last := "never"
	if st.LastUpdateAt != nil {
		last = st.LastUpdateAt.Format(time.RFC3339)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "items:        %d\n", st.Items)
	fmt.Fprintf(w, "history rows: %d\n", st.HistoryRows)
	fmt.Fprintf(w, "denylisted:   %d\n", st.Denylisted)
	fmt.Fprintf(w, "deferred:     %d\n", st.Deferred)
	fmt.Fprintf(w, "last update:  %s\n", last)
	return nil
}

func dumpItems(c *cli.Context) error {
	return dump(c, func(items []model.Item, _ []int64) any {
		out := make(map[string]string, len(items))
		for _, it := range items {
			out[strconv.FormatInt(it.ID, 10)] = it.Name
		}
		return out
	})
}

type priceRow struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Initial    string    `json:"initial"`
	Final      string    `json:"final"`
	Lowest     string    `json:"lowest,omitempty"`
	Highest    string    `json:"highest,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

func dumpPrices(c *cli.Context) error {
	return dump(c, func(items []model.Item, _ []int64) any {
		rows := make([]priceRow, len(items))
		for i, it := range items {
			rows[i] = priceRow{
				ID:         it.ID,
				Name:       it.Name,
				Initial:    model.FormatPrice(it.InitPrice),
				Final:      model.FormatPrice(it.FinalPrice),
				LastUpdate: it.LastUpdate,
			}
			if it.LowestPrice != nil {
				rows[i].Lowest = model.FormatPrice(*it.LowestPrice)
			}
			if it.HighestPrice != nil {
				rows[i].Highest = model.FormatPrice(*it.HighestPrice)
			}
		}
		return rows
	})
}

func dumpDenylist(c *cli.Context) error {
	return dump(c, func(_ []model.Item, deny []int64) any {
		if deny == nil {
			return []int64{}
		}
		return deny
	})
}

// dump loads the store and writes build's result as indented JSON.
func dump(c *cli.Context, build func(items []model.Item, deny []int64) any) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	items, err := store.ListItems(c.Context)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	deny, err := store.ListDenylist(c.Context)
	if err != nil {
		return fmt.Errorf("list denylist: %w", err)
	}

	var w io.Writer = c.App.Writer
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(build(items, deny)); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	return nil
}
