package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/telemetry/internal/config"
	handler "github.com/xiaot623/gogo/telemetry/internal/transport/http"
)

// ServeCmd returns the serve command: HTTP API plus evaluator scheduler.
func ServeCmd() *cobra.Command {
	var (
		noScheduler bool
		projectID   string
		projectName string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API and the realtime evaluator scheduler",
		Long: `Start the HTTP API on HTTP_PORT and, unless disabled, the realtime
evaluator scheduler in the same process.

Examples:
  telemetry serve
  telemetry serve --no-scheduler
  telemetry serve --project-id 0b5c... --project-name demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if projectName != "" {
				p, err := a.service.CreateProject(ctx, projectID, projectName)
				if err != nil {
					return fmt.Errorf("failed to bootstrap project: %w", err)
				}
				a.logger.Info("project ready", "project_id", p.ID, "name", p.Name)
			}

			server := handler.NewServer(a.service)
			errCh := make(chan error, 1)
			go func() {
				addr := fmt.Sprintf(":%d", cfg.HTTPPort)
				a.logger.Info("telemetry API listening", "addr", addr, "database", cfg.DatabaseURL)
				if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			schedDone := make(chan struct{})
			if noScheduler {
				close(schedDone)
			} else {
				go func() {
					defer close(schedDone)
					_ = a.scheduler.Run(ctx)
				}()
			}

			select {
			case <-ctx.Done():
			case err := <-errCh:
				stop()
				<-schedDone
				return fmt.Errorf("failed to start server: %w", err)
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server forced to shutdown", "error", err)
			}
			<-schedDone
			return nil
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without running evaluators")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Id of the project to create at startup")
	cmd.Flags().StringVar(&projectName, "project-name", "", "Create this project at startup if missing")
	return cmd
}
