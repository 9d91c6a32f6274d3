package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/lyceum-lms/lyceum-authz/internal/jobs"
)

type fakeExpirer struct {
	expired    []uuid.UUID
	expireOK   bool
	expireErr  error
	sweepCount int
	sweepErr   error
}

func (f *fakeExpirer) ExpireGrant(ctx context.Context, id uuid.UUID) (bool, error) {
	if f.expireErr != nil {
		return false, f.expireErr
	}
	f.expired = append(f.expired, id)
	return f.expireOK, nil
}

func (f *fakeExpirer) SweepExpired(ctx context.Context) (int, error) {
	return f.sweepCount, f.sweepErr
}

func testHandlers(expirer *fakeExpirer) (*AccessExpiryHandlers, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return NewAccessExpiryHandlers(expirer, logger, jobmetrics.NewMetrics(reg)), reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			got := make(map[string]string)
			for _, pair := range m.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestHandleExpire(t *testing.T) {
	expirer := &fakeExpirer{expireOK: true}
	handlers, reg := testHandlers(expirer)

	grantID := uuid.New()
	task, opts, err := NewAccessExpireTask(grantID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, opts, 3)
	require.Equal(t, TaskAccessExpire, task.Type())

	require.NoError(t, handlers.HandleExpire(context.Background(), task))
	require.Equal(t, []uuid.UUID{grantID}, expirer.expired)
	require.EqualValues(t, 1,
		counterValue(t, reg, "lyceum_authz_grant_expirations_total", map[string]string{"trigger": "timer"}))
	require.EqualValues(t, 1,
		counterValue(t, reg, "lyceum_authz_jobs_total", map[string]string{"job": "access_expire", "status": "success"}))
}

func TestHandleExpireAlreadyInactive(t *testing.T) {
	// The timer and sweep race on purpose; losing the race is not a failure
	// and must not count as an expiration.
	expirer := &fakeExpirer{expireOK: false}
	handlers, reg := testHandlers(expirer)

	task, _, err := NewAccessExpireTask(uuid.New(), time.Now())
	require.NoError(t, err)
	require.NoError(t, handlers.HandleExpire(context.Background(), task))
	require.Zero(t,
		counterValue(t, reg, "lyceum_authz_grant_expirations_total", map[string]string{"trigger": "timer"}))
}

func TestHandleExpireBadPayloadSkipsRetry(t *testing.T) {
	handlers, _ := testHandlers(&fakeExpirer{})

	task := asynq.NewTask(TaskAccessExpire, []byte("{not json"))
	err := handlers.HandleExpire(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleExpirePropagatesFailure(t *testing.T) {
	expirer := &fakeExpirer{expireErr: errors.New("db down")}
	handlers, reg := testHandlers(expirer)

	task, _, err := NewAccessExpireTask(uuid.New(), time.Now())
	require.NoError(t, err)
	require.Error(t, handlers.HandleExpire(context.Background(), task))
	require.EqualValues(t, 1,
		counterValue(t, reg, "lyceum_authz_jobs_failures_total", map[string]string{"job": "access_expire"}))
}

func TestHandleSweep(t *testing.T) {
	expirer := &fakeExpirer{sweepCount: 3}
	handlers, reg := testHandlers(expirer)

	require.NoError(t, handlers.HandleSweep(context.Background(), NewAccessSweepTask()))
	require.EqualValues(t, 3,
		counterValue(t, reg, "lyceum_authz_grant_expirations_total", map[string]string{"trigger": "sweep"}))
}

func TestExpireTaskIDIsDeterministic(t *testing.T) {
	grantID := uuid.New()
	at := time.Now().Add(time.Hour)

	_, first, err := NewAccessExpireTask(grantID, at)
	require.NoError(t, err)
	_, second, err := NewAccessExpireTask(grantID, at)
	require.NoError(t, err)

	// Same grant, same task ID: re-enqueueing after a worker restart must
	// collide instead of double-firing.
	require.Equal(t, first[1], second[1])
	require.Equal(t, asynq.TaskID("access:expire:"+grantID.String()), first[1])
}
