package caserelay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RepositoryAuditSink writes audit entries through the repository and never
// reports failure to its caller. An unknown actor is retried as an anonymous
// entry with metadata.actorUserId set.
type RepositoryAuditSink struct {
	repo   Repository
	logger *slog.Logger
	newID  IDFunc
	now    func() time.Time
}

func NewRepositoryAuditSink(repo Repository, logger *slog.Logger) *RepositoryAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryAuditSink{
		repo:   repo,
		logger: logger,
		newID:  NewID,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *RepositoryAuditSink) Log(ctx context.Context, userID, action, resource string, metadata map[string]any) {
	if a == nil || a.repo == nil {
		return
	}
	entry := AuditEntry{
		ID:        a.newID(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Metadata:  copyMetadata(metadata),
		CreatedAt: a.now(),
	}
	err := a.repo.CreateAuditEntry(ctx, entry)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrForeignKey) {
		a.logger.Warn("audit write skipped", "action", action, "resource", resource, "err", err)
		return
	}
	entry.ID = a.newID()
	entry.UserID = ""
	entry.Metadata = copyMetadata(metadata)
	if userID == "" {
		entry.Metadata["actorUserId"] = nil
	} else {
		entry.Metadata["actorUserId"] = userID
	}
	if err := a.repo.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn("audit fallback write skipped", "action", action, "resource", resource, "err", err)
	}
}

func copyMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
