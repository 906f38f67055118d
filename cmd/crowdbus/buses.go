package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
	"crowdbus/internal/config"
	"crowdbus/internal/store"
)

func busesCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "buses",
		Usage: "List buses that run from one stop to another, with their live status",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Required: true},
			&cli.StringFlag{Name: "to", Required: true},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			table, err := loadRoutes(ctx, cfg)
			if err != nil {
				return err
			}
			matches := table.Search(c.String("from"), c.String("to"))
			if len(matches) == 0 {
				fmt.Printf("No buses found from %q to %q.\n", c.String("from"), c.String("to"))
				return nil
			}

			// live status is best-effort; the listing works without the store
			var st store.Store
			if rs, err := openStore(ctx, cfg); err != nil {
				log.Warn().Err(err).Msg("live status unavailable")
			} else {
				defer rs.Close()
				st = rs
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUS\tFROM\tTO\tARRIVAL\tSTATUS\tCONFIDENCE")
			for _, m := range matches {
				status, confidence := bus.StatusOffline, "0%"
				if st != nil {
					samples, err := st.Snapshot(ctx, m.Route.ID)
					if err != nil {
						log.Warn().Err(err).Str("bus", m.Route.ID).Msg("snapshot failed")
					} else {
						res := aggregate.New(cfg.StaleWindow).Aggregate(samples, now)
						status, confidence = res.Status, fmt.Sprintf("%d%%", res.Confidence)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.Route.ID, m.Route.Stops[m.FromIdx].Name, m.Route.Stops[m.ToIdx].Name, m.Arrival, status, confidence)
			}
			return w.Flush()
		},
	}
}
