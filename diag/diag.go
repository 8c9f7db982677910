// Package diag provides startup diagnostics that support the engine's
// UTC-alignment guarantee: every timestamp bound to the database is
// normalized to UTC, so a meaningful clock-drift reading requires comparing
// against the database's own notion of UTC rather than its local time zone.
package diag

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

// RecordClockDrift queries the database for UTC_TIMESTAMP() and logs the
// drift between the database's clock and the provided time provider. It
// returns the measured drift and any error encountered while querying the
// database.
func RecordClockDrift(ctx context.Context, session sqldb.DB, provider timeprovider.Provider, logger *slog.Logger) (time.Duration, error) {
	driftCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var dbNow time.Time
	row := session.QueryRowContext(driftCtx, "SELECT UTC_TIMESTAMP()")
	if err := row.Scan(&dbNow); err != nil {
		logger.Warn("clock drift measurement failed", "err", err)
		return 0, err
	}

	appNow := provider.Now().UTC()
	drift := dbNow.Sub(appNow)
	logger.Info("clock drift measured", "db_now", dbNow, "app_now", appNow, "drift", drift)
	return drift, nil
}
