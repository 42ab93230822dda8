package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/db"
	"github.com/psrpipe/pipeline/internal/discovery"
	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/pipeline"
	"github.com/psrpipe/pipeline/internal/store"
	"github.com/psrpipe/pipeline/internal/transform"
)

// globList collects repeated -prioritize flags.
type globList []string

func (g *globList) String() string { return fmt.Sprint(*g) }

func (g *globList) Set(v string) error {
	*g = append(*g, v)
	return nil
}

func main() {
	var priorities globList
	procs := flag.Int("procs", 4, "maximum number of concurrent workers")
	sleep := flag.Int("sleep", 60, "seconds between dispatch cycles")
	flag.Var(&priorities, "prioritize", "source-name glob pattern; repeatable; only matching sources are processed")
	flag.Parse()

	logger.Initialize()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables", nil)
	}

	cfg := config.Load()
	db.Connect(cfg)
	db.AutoMigrate()

	st := store.New(db.DB)
	tools := transform.NewTools(transform.DefaultToolConfig())
	pipe := pipeline.New(st, tools, tools, tools, cfg)

	// One discovery pass before the loop starts; a store failure here means
	// the daemon cannot do useful work at all.
	added, err := discovery.Discover(st, cfg.BaseRawDataDir)
	if err != nil {
		logger.Fatal("Initial raw-data discovery failed", map[string]interface{}{
			"rawdata_dir": cfg.BaseRawDataDir,
			"error":       err.Error(),
		})
	}
	logger.Info("Initial raw-data discovery complete", map[string]interface{}{
		"added": added,
	})

	// Periodic re-discovery runs beside the dispatch loop; its failures are
	// logged and retried on the next schedule tick.
	c := cron.New()
	if _, err := c.AddFunc(cfg.DiscoverySchedule, func() {
		added, err := discovery.Discover(st, cfg.BaseRawDataDir)
		if err != nil {
			logger.Error("Raw-data discovery failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if added > 0 {
			logger.Info("Raw-data discovery complete", map[string]interface{}{
				"added": added,
			})
		}
	}); err != nil {
		logger.Fatal("Invalid discovery schedule", map[string]interface{}{
			"schedule": cfg.DiscoverySchedule,
			"error":    err.Error(),
		})
	}
	c.Start()
	defer c.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := pipeline.NewScheduler(pipe, pipeline.SchedulerConfig{
		Procs:         *procs,
		Sleep:         time.Duration(*sleep) * time.Second,
		Priorities:    priorities,
		WorkerTimeout: cfg.WorkerTimeout,
	})
	if err := sched.Run(ctx); err != nil {
		logger.Error("Scheduler stopped on unrecoverable failure", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.Info("Daemon shut down cleanly", nil)
}
