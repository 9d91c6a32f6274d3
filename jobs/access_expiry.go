package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/lyceum-lms/lyceum-authz/internal/jobs"
)

// GrantExpirer deactivates grants whose window has closed. The temporary
// access service implements it.
type GrantExpirer interface {
	ExpireGrant(ctx context.Context, id uuid.UUID) (bool, error)
	SweepExpired(ctx context.Context) (int, error)
}

// AccessExpiryHandlers processes grant expiry tasks.
type AccessExpiryHandlers struct {
	expirer GrantExpirer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAccessExpiryHandlers constructs the expiry task handlers.
func NewAccessExpiryHandlers(expirer GrantExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AccessExpiryHandlers {
	return &AccessExpiryHandlers{expirer: expirer, logger: logger, metrics: metrics}
}

// HandleExpire processes a one-shot TaskAccessExpire task. A grant already
// revoked or expired is not an error; the timer and the sweep race on
// purpose.
func (h *AccessExpiryHandlers) HandleExpire(ctx context.Context, t *asynq.Task) error {
	var payload AccessExpirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := h.metrics.Track("access_expire")
	expired, err := h.expirer.ExpireGrant(ctx, payload.GrantID)
	if err != nil {
		h.logger.Error("expire grant", slog.String("grant_id", payload.GrantID.String()), slog.Any("error", err))
		return tracker.End(err)
	}
	if expired {
		h.metrics.AddExpirations("timer", 1)
	}
	h.logger.Info("grant expiry processed",
		slog.String("grant_id", payload.GrantID.String()),
		slog.Bool("expired", expired))
	return tracker.End(nil)
}

// HandleSweep processes the periodic TaskAccessSweep task, catching grants
// whose one-shot timer was lost.
func (h *AccessExpiryHandlers) HandleSweep(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track("access_sweep")
	count, err := h.expirer.SweepExpired(ctx)
	if err != nil {
		h.logger.Error("sweep expired grants", slog.Any("error", err))
		return tracker.End(err)
	}
	if count > 0 {
		h.metrics.AddExpirations("sweep", count)
		h.logger.Info("sweep expired grants", slog.Int("count", count))
	}
	return tracker.End(nil)
}
