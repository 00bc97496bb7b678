package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutorloop/tutorloop"
	"github.com/tutorloop/tutorloop/pkg/observability"
	"github.com/tutorloop/tutorloop/pkg/restore"
	"github.com/tutorloop/tutorloop/pkg/snapshot"
	"github.com/tutorloop/tutorloop/pkg/store"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [lesson-id] [learner-id]",
	Short: "Print the persisted checkpoint for a (learner, lesson) pair",
	Long: `Reads the checkpoint through the configured tiers (cache first, then
the durable store) and prints it as JSON. Legacy key variants are
checked the same way a restore would check them.`,
	Args: cobra.ExactArgs(2),
	RunE: runInspect,
}

var liveCmd = &cobra.Command{
	Use:   "live [lesson-id] [learner-id]",
	Short: "Show which session currently owns the live record, if any",
	Args:  cobra.ExactArgs(2),
	RunE:  runLive,
}

var clearCmd = &cobra.Command{
	Use:   "clear [lesson-id] [learner-id]",
	Short: "Delete the checkpoint, every legacy key variant, and the live record",
	Args:  cobra.ExactArgs(2),
	RunE:  runClear,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics and health endpoints until interrupted",
	RunE:  runMetrics,
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := tutorloop.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	key := snapshot.Key(args[0], args[1])
	for _, candidate := range restore.CandidateKeys(key) {
		cp, err := s.Read(cmd.Context(), candidate)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %q: %w", candidate, err)
		}
		out, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n%s\n", candidate, out)
	}
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := tutorloop.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	live, err := s.Live(cmd.Context(), snapshot.Key(args[0], args[1]))
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("no live session")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("owner: %s\ndevice: %s\nlast activity: %s\n",
		live.OwnerSessionID, live.DeviceLabel, live.LastActivityAt.Format(time.RFC3339))
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := tutorloop.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	keys := restore.CandidateKeys(snapshot.Key(args[0], args[1]))
	if err := s.Clear(cmd.Context(), keys...); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	log.Printf("Cleared %d key variants for lesson %s learner %s", len(keys), args[0], args[1])
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Printf("Starting tutorloop metrics server v%s", Version)

	observability.InitMetrics()
	if err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  "tutorloop",
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: cfg.Tracing.ExporterType,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	srv := observability.NewServer(cfg.MetricsPort)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("Serving metrics on :%d", cfg.MetricsPort)
		if err := srv.Start(); err != nil {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := observability.ShutdownTracing(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
	log.Println("Stopped")
	return nil
}
