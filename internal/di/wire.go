// Package di provides dependency injection wiring.
package di

import (
	"fmt"

	"github.com/aristath/tradegate/internal/config"
	"github.com/rs/zerolog"
)

// Wire builds the whole application: databases, services and scheduled jobs.
// Nothing is started; the caller starts the scheduler, fill feed and server.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	// Step 1: Databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Services
	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 3: Jobs
	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency wiring complete")
	return container, jobs, nil
}
