// Package growth turns an agent's operational history into durable
// learning state: deduped constraints and mistake counters fed by policy
// denials, a versioned trust score, the skill onboarding ledger with its
// supply-chain checks, and the daily snapshot / survival / lifecycle
// rollups that batch jobs drive.
package growth

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

// Service owns the growth tables (sec_constraints, sec_mistake_counters,
// grw_* and skl_packages). Unlike proj_ tables these are primary state,
// written inline rather than rebuilt from the log.
type Service struct {
	db     *sql.DB
	writer *eventlog.Writer
	clock  func() time.Time
	logger *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: writer, clock: time.Now, logger: logger}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
