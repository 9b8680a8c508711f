package fleet

import (
	"context"
	"fmt"
	"io"
	"time"

	"popup/internal/cloud"
	"popup/internal/provisioning"
)

// inventoryTags are printed in this order when present.
var inventoryTags = []string{
	provisioning.TagStartDate,
	provisioning.TagClient,
	provisioning.TagOwner,
	provisioning.TagPopupID,
}

// Inventory prints every non-terminated instance owned by identity and
// returns them. detailed adds the instance id, DNS name, state and launch time.
func Inventory(ctx context.Context, client cloud.Client, identity string, detailed bool, out io.Writer) ([]cloud.Instance, error) {
	instances, err := client.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	w := writer(out)

	var owned []cloud.Instance
	for _, inst := range cloud.Live(instances) {
		if owner, ok := inst.Tag(provisioning.TagOwner); !ok || owner != identity {
			continue
		}
		owned = append(owned, inst)

		if detailed {
			fmt.Fprintf(w, "instance id: %s\n", inst.ID)
			fmt.Fprintf(w, "public DNS: %s\n", inst.PublicDNS)
			fmt.Fprintf(w, "state: %s\n", inst.State)
			fmt.Fprintf(w, "launch time: %s\n", inst.LaunchTime.UTC().Format(time.RFC3339))
		}
		for _, key := range inventoryTags {
			if v, ok := inst.Tag(key); ok {
				fmt.Fprintf(w, "%s: %s\n", key, v)
			}
		}
	}
	return owned, nil
}
