// Package activity is the API available to activity implementations.
// Activities are ordinary Go functions taking a context.Context; the executor
// attaches the attempt's Info, heartbeat recorder and logger to that context.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Info describes the attempt being executed.
type Info struct {
	WorkflowID       string
	RunID            string
	WorkflowType     string
	ActivityID       string
	ActivityType     string
	TaskQueue        string
	Attempt          int
	ScheduledAt      time.Time
	StartedAt        time.Time
	Deadline         time.Time
	HeartbeatTimeout time.Duration
}

// HeartbeatRecorder persists progress for the current attempt.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, details any) error
	// LastDetails returns the details of the most recent heartbeat, which may
	// come from an earlier attempt.
	LastDetails() json.RawMessage
}

type ctxKey struct{}

type activityEnv struct {
	info     Info
	recorder HeartbeatRecorder
	logger   *slog.Logger
}

// NewContext attaches attempt information to ctx. Used by the executor.
func NewContext(ctx context.Context, info Info, recorder HeartbeatRecorder, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, ctxKey{}, &activityEnv{info: info, recorder: recorder, logger: logger})
}

func envFrom(ctx context.Context) *activityEnv {
	env, _ := ctx.Value(ctxKey{}).(*activityEnv)
	return env
}

// GetInfo returns the attempt information, or the zero Info outside an activity.
func GetInfo(ctx context.Context) Info {
	if env := envFrom(ctx); env != nil {
		return env.info
	}
	return Info{}
}

// RecordHeartbeat reports liveness and progress. Activities with a heartbeat
// timeout must call it more often than the timeout. Outside an activity it is
// a no-op.
func RecordHeartbeat(ctx context.Context, details any) error {
	env := envFrom(ctx)
	if env == nil || env.recorder == nil {
		return nil
	}
	return env.recorder.RecordHeartbeat(ctx, details)
}

// HasHeartbeatDetails reports whether an earlier heartbeat left progress.
func HasHeartbeatDetails(ctx context.Context) bool {
	env := envFrom(ctx)
	return env != nil && env.recorder != nil && len(env.recorder.LastDetails()) > 0
}

// GetHeartbeatDetails decodes the last heartbeat's details into valuePtr so
// a retried attempt can resume.
func GetHeartbeatDetails(ctx context.Context, valuePtr any) error {
	if !HasHeartbeatDetails(ctx) {
		return nil
	}
	return json.Unmarshal(envFrom(ctx).recorder.LastDetails(), valuePtr)
}

// GetLogger returns a logger tagged with the activity's identity.
func GetLogger(ctx context.Context) *slog.Logger {
	if env := envFrom(ctx); env != nil {
		return env.logger
	}
	return slog.Default()
}
