// Package audit records administrative actions and integrity alerts as
// structured log events.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging. All events carry an
// event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogAuth logs an admin API authentication attempt.
// result is "allowed" or "denied".
func (l *Logger) LogAuth(subject, method, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("subject", subject).
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogModeChange logs a pool mode change.
func (l *Logger) LogModeChange(actor, pool, oldMode, newMode string) {
	l.logger.Info().
		Str("event_type", "mode_change").
		Str("actor", actor).
		Str("pool", pool).
		Str("old_mode", oldMode).
		Str("new_mode", newMode).
		Msg("Pool mode changed")
}

// LogSpaceChange logs a change of the pool's total space.
func (l *Logger) LogSpaceChange(actor, pool string, oldTotal, newTotal int64) {
	l.logger.Info().
		Str("event_type", "space_change").
		Str("actor", actor).
		Str("pool", pool).
		Int64("old_total", oldTotal).
		Int64("new_total", newTotal).
		Msg("Pool space changed")
}

// LogSticky logs a sticky flag change.
// action is "add" or "remove".
func (l *Logger) LogSticky(actor, pool, replicaID, owner, action, details string) {
	event := l.logger.Info().
		Str("event_type", "sticky").
		Str("actor", actor).
		Str("pool", pool).
		Str("replica_id", replicaID).
		Str("owner", owner).
		Str("action", action)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Sticky flag changed")
}

// LogMigration logs a migration job lifecycle action such as "start",
// "cancel", "suspend", "resume" or "clear".
func (l *Logger) LogMigration(actor, pool, jobID, action, details string) {
	event := l.logger.Info().
		Str("event_type", "migration").
		Str("actor", actor).
		Str("pool", pool).
		Str("job_id", jobID).
		Str("action", action)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Migration job event")
}

// LogIntegrity logs a replica whose content failed verification or could
// not be read.
func (l *Logger) LogIntegrity(pool, replicaID, details string) {
	l.logger.Error().
		Str("event_type", "integrity").
		Str("pool", pool).
		Str("replica_id", replicaID).
		Str("details", details).
		Msg("Replica integrity alert")
}

// LogPoolDead logs a pool being taken out of service after a fatal error.
func (l *Logger) LogPoolDead(pool, reason string) {
	l.logger.Error().
		Str("event_type", "pool_dead").
		Str("pool", pool).
		Str("reason", reason).
		Msg("Pool disabled as dead")
}
