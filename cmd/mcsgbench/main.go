// Command mcsgbench runs a contention workload against an mcsg lock, mixing queued and guest
// acquirers, and reports throughput. Wait-time metrics can be exposed for Prometheus.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ahrav/go-mcsg/internal/bench"
	"github.com/ahrav/go-mcsg/mcsg"
)

func main() {
	app := &cli.App{
		Name:    "mcsgbench",
		Usage:   "stress an MCS lock with queued and guest acquirers",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "queued",
				Aliases: []string{"q"},
				Value:   4,
				Usage:   "goroutines acquiring through the queue",
				EnvVars: []string{"MCSG_QUEUED"},
			},
			&cli.IntFlag{
				Name:    "guests",
				Aliases: []string{"g"},
				Value:   4,
				Usage:   "goroutines acquiring as guests",
				EnvVars: []string{"MCSG_GUESTS"},
			},
			&cli.IntFlag{
				Name:    "iterations",
				Aliases: []string{"n"},
				Value:   100000,
				Usage:   "acquisitions per goroutine",
				EnvVars: []string{"MCSG_ITERATIONS"},
			},
			&cli.IntFlag{
				Name:    "work",
				Aliases: []string{"w"},
				Value:   100,
				Usage:   "increments performed inside the critical section",
				EnvVars: []string{"MCSG_WORK"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   time.Minute,
				Usage:   "abort the run after this long",
				EnvVars: []string{"MCSG_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on this address during the run (e.g. :9090)",
				EnvVars: []string{"MCSG_METRICS_ADDR"},
			},
			&cli.DurationFlag{
				Name:    "linger",
				Usage:   "keep serving metrics this long after the run finishes",
				EnvVars: []string{"MCSG_LINGER"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := bench.Config{
		Queued:     c.Int("queued"),
		Guests:     c.Int("guests"),
		Iterations: c.Int("iterations"),
		Work:       c.Int("work"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	var rec bench.Recorder
	if addr := c.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		prom, err := bench.NewPromRecorder(reg, "mcsgbench")
		if err != nil {
			return err
		}
		rec = prom

		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		log.Printf("Serving metrics on %s", addr)

		defer func() {
			if linger := c.Duration("linger"); linger > 0 {
				log.Printf("Lingering %s for metrics scrapes", linger)
				time.Sleep(linger)
			}
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Printf("metrics server shutdown: %v", err)
			}
		}()
	}

	log.Printf("Running %d queued and %d guest goroutines, %d iterations each",
		cfg.Queued, cfg.Guests, cfg.Iterations)

	res, err := bench.Run(ctx, mcsg.NewLock(), cfg, rec)
	if err != nil {
		return errors.Wrap(err, "benchmark failed")
	}

	log.Printf("Queued acquisitions: %d", res.Queued)
	log.Printf("Guest acquisitions: %d", res.Guest)
	log.Printf("Elapsed: %s (%.0f acquisitions/s)", res.Elapsed, res.Throughput())
	return nil
}
