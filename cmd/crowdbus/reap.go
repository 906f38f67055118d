package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"crowdbus/internal/config"
	"crowdbus/internal/reaper"
)

func reapCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "Delete stored locations older than REAP_MAX_AGE_MIN",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "bus", Usage: "bus to sweep (repeatable); defaults to one bus per route"},
			&cli.BoolFlag{Name: "loop", Usage: "keep sweeping every REAP_INTERVAL_MIN"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			ids := c.StringSlice("bus")
			if len(ids) == 0 {
				table, err := loadRoutes(ctx, cfg)
				if err != nil {
					return err
				}
				ids = table.IDs()
			}
			if len(ids) == 0 {
				return errors.New("no buses to sweep")
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			r := &reaper.Reaper{
				Store:    st,
				Interval: cfg.ReapInterval,
				MaxAge:   cfg.ReapMaxAge,
			}
			if mcol := startMetrics(ctx, cfg); mcol != nil {
				r.Metrics = mcol
			}
			if c.Bool("loop") {
				r.Run(ctx, func() []string { return ids })
				return nil
			}
			n := r.Sweep(ctx, ids)
			log.Info().Int("removed", n).Int("buses", len(ids)).Msgf("Cleaned %d old locations.", n)
			return nil
		},
	}
}
