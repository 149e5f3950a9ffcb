package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/services"
)

// orphanError is the error message recorded on runs recovered at startup.
const orphanError = "orphaned by restart"

// RecoverStartupOrphans fails RUNNING runs that were claimed by a worker on
// this host before an unclean shutdown. Worker ids embed the host prefix, so
// only this host's runs are touched; runs executing on other hosts keep
// going. Called once at boot, before the pool starts.
//
// Each recovery co-commits the FAILED flip with its RUN_FAILED event via the
// conditional transition, so a run that reached a terminal state on its own
// in the meantime is left alone.
func RecoverStartupOrphans(ctx context.Context, runs *services.RunService, hostPrefix string) (int, error) {
	candidates, err := runs.ListOrphanCandidates(ctx, hostPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphan candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	slog.Warn("Found orphaned runs from previous process", "host_prefix", hostPrefix, "count", len(candidates))

	recovered := 0
	for _, run := range candidates {
		done, err := runs.FailRun(ctx, run.ID, orphanError, events.RunFailedPayload{
			Error: orphanError,
			Where: "worker",
		})
		if err != nil {
			slog.Error("Failed to recover orphaned run", "run_id", run.ID, "error", err)
			continue
		}
		if done {
			recovered++
			slog.Info("Orphaned run marked failed", "run_id", run.ID, "claimed_by", run.ClaimedBy)
		}
	}
	return recovered, nil
}
