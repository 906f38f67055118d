package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"crowdbus/internal/bus"
	"crowdbus/internal/config"
	"crowdbus/internal/metrics"
	"crowdbus/internal/publisher"
	"crowdbus/internal/routes"
	"crowdbus/internal/schedule"
	"crowdbus/internal/session"
	"crowdbus/internal/tracker"
)

func trackCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "track",
		Usage: "Aggregate live locations and publish display frames for each bus",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "bus",
				Usage: "bus to track as ID or ID=ROUTE (repeatable); defaults to one bus per route",
			},
		},
		Action: func(c *cli.Context) error {
			// Root context with cancellation on SIGINT/SIGTERM
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			table, err := loadRoutes(ctx, cfg)
			if err != nil {
				if len(c.StringSlice("bus")) == 0 {
					return err
				}
				log.Warn().Err(err).Msg("no route table; buses will have no schedule estimate")
			}
			buses, err := parseBuses(c.StringSlice("bus"), table)
			if err != nil {
				return err
			}
			if len(buses) == 0 {
				return errors.New("nothing to track")
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			mcol := startMetrics(ctx, cfg)

			var sink session.Sink = publisher.LogSink{}
			if cfg.NATSURL != "" {
				pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
				if err != nil {
					return err
				}
				defer pub.Close()
				sink = pub
			}

			var estimator session.Estimator
			if table != nil {
				estimator = schedule.NewEstimator(table, cfg.Location)
			}

			mgr := tracker.NewManager(st, estimator, sink, tracker.Options{
				DefaultPosition: bus.Point{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng},
				StaleWindow:     cfg.StaleWindow,
				ScheduleTick:    cfg.ScheduleTick,
				StatusRefresh:   cfg.StatusRefresh,
				LabelRefresh:    cfg.LabelRefresh,
				ReapInterval:    cfg.ReapInterval,
				ReapMaxAge:      cfg.ReapMaxAge,
			}, mcol)
			mgr.Start(ctx, buses)
			mgr.StartReaper(ctx)

			// Block until context cancelled
			<-ctx.Done()
			mgr.Stop()
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

// parseBuses turns "ID" / "ID=ROUTE" flag values into buses. With none, every
// route in table becomes a bus with the same identifier.
func parseBuses(values []string, table *routes.Table) ([]tracker.Bus, error) {
	if len(values) == 0 {
		if table == nil {
			return nil, nil
		}
		out := make([]tracker.Bus, 0, table.Len())
		for _, id := range table.IDs() {
			out = append(out, tracker.Bus{ID: id, RouteID: id})
		}
		return out, nil
	}
	out := make([]tracker.Bus, 0, len(values))
	for _, v := range values {
		id, routeID, _ := strings.Cut(v, "=")
		id, routeID = strings.TrimSpace(id), strings.TrimSpace(routeID)
		if id == "" {
			return nil, fmt.Errorf("invalid --bus %q", v)
		}
		if routeID != "" && table != nil {
			if _, err := table.Get(routeID); err != nil {
				return nil, err
			}
		}
		out = append(out, tracker.Bus{ID: id, RouteID: routeID})
	}
	return out, nil
}

// wrapPublisherMetrics keeps a nil collector from becoming a non-nil interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
