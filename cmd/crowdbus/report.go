package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"crowdbus/internal/config"
	"crowdbus/internal/reporter"
)

func reportCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Share this device's location for a bus; reads NDJSON fixes from stdin",
		ArgsUsage: "< fixes.ndjson",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bus", Usage: "bus identifier", Required: true},
			&cli.StringFlag{Name: "reporter", Usage: "reporter identifier (default user_<epoch ms>)"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reporterID := c.String("reporter")
			if reporterID == "" {
				reporterID = fmt.Sprintf("user_%d", time.Now().UnixMilli())
			}

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			mcol := startMetrics(ctx, cfg)
			var m reporter.Metrics
			if mcol != nil {
				m = mcol
			}

			rep := reporter.New(reporter.Config{
				Writer: reporter.WriterConfig{
					BusID:      c.String("bus"),
					ReporterID: reporterID,
					Debounce:   cfg.WriteDebounce,
				},
			}, st, reporter.NewNDJSONSource(os.Stdin), reporter.NotifierFunc(logNotice), m)

			log.Info().Str("bus", c.String("bus")).Str("reporter", reporterID).Msg("reading fixes from stdin")
			return rep.Run(ctx)
		},
	}
}

func logNotice(n reporter.Notice) {
	switch n.Kind {
	case reporter.NoticeWritten:
		log.Debug().Int("attempts", n.Attempt).Msg("location shared")
	case reporter.NoticeRetrying:
		log.Warn().Err(n.Err).Msg(n.Message)
	case reporter.NoticeFailed:
		// no interactive user here; the next accepted fix or a reconnect retries
		log.Error().Err(n.Err).Msg(n.Message)
	case reporter.NoticeGPS:
		log.Warn().Err(n.Err).Msg(n.Message)
	}
}
