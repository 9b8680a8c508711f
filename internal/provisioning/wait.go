package provisioning

import (
	"context"
	"fmt"
	"io"
	"time"

	"popup/internal/cloud"
	"popup/internal/logging"

	"go.uber.org/zap"
)

// maxHiddenPolls is how many times a freshly launched instance may be
// reported unknown before polling gives up on it.
const maxHiddenPolls = 5

// WaitWhile polls the instance every interval for as long as it reports
// state, writing one '.' to progress per poll. It returns the first
// description with a different state. Until the instance is first seen, up
// to maxHiddenPolls not-found answers are treated as still waiting.
func WaitWhile(ctx context.Context, client cloud.Client, instanceID, state string, interval time.Duration, progress io.Writer) (*cloud.Instance, error) {
	return poll(ctx, client, instanceID, interval, progress, func(inst *cloud.Instance) bool {
		return inst.State != state
	})
}

// WaitFor polls the instance every interval until it reports state.
func WaitFor(ctx context.Context, client cloud.Client, instanceID, state string, interval time.Duration, progress io.Writer) (*cloud.Instance, error) {
	return poll(ctx, client, instanceID, interval, progress, func(inst *cloud.Instance) bool {
		return inst.State == state
	})
}

func poll(ctx context.Context, client cloud.Client, instanceID string, interval time.Duration, progress io.Writer, done func(*cloud.Instance) bool) (*cloud.Instance, error) {
	if progress == nil {
		progress = io.Discard
	}

	polls, hidden := 0, 0
	seen := false
	state := "unknown"
	for {
		inst, err := client.DescribeInstance(ctx, instanceID)
		switch {
		case err == nil:
			seen = true
			state = inst.State
		case !seen && hidden < maxHiddenPolls && cloud.IsNotFound(err):
			hidden++
			logging.Logger().Debug("Instance not visible yet",
				zap.String("instance_id", instanceID),
				zap.Int("attempt", hidden))
		default:
			return nil, fmt.Errorf("failed to poll instance %s: %w", instanceID, err)
		}
		if inst != nil && done(inst) {
			logging.Logger().Debug("Instance state settled",
				zap.String("instance_id", instanceID),
				zap.String("state", inst.State),
				zap.Int("polls", polls))
			return inst, nil
		}

		fmt.Fprint(progress, ".")
		polls++

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("stopped waiting for instance %s in state %s: %w", instanceID, state, ctx.Err())
		case <-timer.C:
		}
	}
}
