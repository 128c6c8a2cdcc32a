package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/citysync/internal/messaging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes city events from Azure Service Bus and refreshes replica and dependency gauges`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	deps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	if cfg.Azure.QueueConnStr != "" {
		consumer, err := messaging.NewConsumer(cfg.Azure, deps.syncService, deps.metrics)
		if err != nil {
			return err
		}

		g.Go(func() error {
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := consumer.Close(closeCtx); err != nil {
					log.Error().Err(err).Msg("Failed to close Service Bus consumer")
				}
			}()

			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus consumer")
			return consumer.Run(ctx)
		})
	} else {
		log.Warn().Msg("No Service Bus connection string configured, queue consumer disabled")
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.RefreshInterval),
			gocron.NewTask(func() { refreshGauges(ctx, deps) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return err
		}

		log.Info().Dur("interval", cfg.Worker.RefreshInterval).Msg("Starting gauge refresh job")
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// refreshGauges reloads replica counts and probes each outbound dependency
func refreshGauges(ctx context.Context, deps *components) {
	if err := deps.syncService.RefreshMetrics(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to refresh replica stats")
	}

	health := deps.vehicles.HealthCheck(ctx)
	deps.metrics.SetHealth("vehicles", health.IsOK())
	if !health.IsOK() {
		log.Warn().Str("reason", health.Reason).Bool("circuit_open", health.CircuitOpen()).Msg("Vehicle service health check failed")
	}

	for _, snapshot := range deps.breakers.Snapshots() {
		deps.metrics.SetBreakerState(snapshot.Name, snapshot.State)
	}
}
