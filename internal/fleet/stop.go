package fleet

import (
	"context"
	"fmt"
	"io"

	"popup/internal/cloud"
	"popup/internal/logging"

	"go.uber.org/zap"
)

// Stop stops the selected pending or running popups in one batch call
// without waiting for them. Nothing is sent when no popup matches.
func Stop(ctx context.Context, client cloud.Client, identity string, sel Selector, force bool, out io.Writer) ([]Match, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	instances, err := client.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	matches := Gather(cloud.Stoppable(instances), identity, sel)
	ids := InstanceIDs(matches)

	fmt.Fprintf(writer(out), "Stopping %v\n", ids)
	if len(ids) == 0 {
		return matches, nil
	}

	logging.Logger().Info("Stopping popups", zap.Strings("instance_ids", logging.TruncateSlice(ids, 20)), zap.Bool("force", force))
	if err := client.StopInstances(ctx, ids, force); err != nil {
		return nil, fmt.Errorf("stop instances: %w", err)
	}
	return matches, nil
}
