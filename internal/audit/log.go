package audit

import (
	"context"
	"log/slog"
	"time"
)

// LogPublisher writes events as structured log lines.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Emit(ctx context.Context, e Event) error {
	e = stamp(e, time.Now)
	attrs := []any{
		"event_id", e.ID,
		"action", string(e.Action),
		"timestamp", e.Timestamp,
	}
	if e.IssuerID != "" {
		attrs = append(attrs, "issuer_id", e.IssuerID)
	}
	if e.SubjectID != "" {
		attrs = append(attrs, "subject_id", e.SubjectID)
	}
	if e.CredentialID != "" {
		attrs = append(attrs, "credential_id", e.CredentialID)
	}
	if e.RequestingParty != "" {
		attrs = append(attrs, "requesting_party", e.RequestingParty)
	}
	if e.RequestID != "" {
		attrs = append(attrs, "request_id", e.RequestID)
	}
	if e.Decision != "" {
		attrs = append(attrs, "decision", e.Decision)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	p.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}
