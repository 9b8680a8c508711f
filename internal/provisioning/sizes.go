package provisioning

import (
	"errors"
	"fmt"
	"sort"

	"popup/internal/config"
)

// ErrUnknownSize is returned for a size name missing from the size table.
var ErrUnknownSize = errors.New("unknown instance size")

// Size is the machine type and image a size name launches.
type Size struct {
	InstanceType string
	ImageID      string
}

// DefaultSizes returns the built-in table. Both images are 64-bit Ubuntu in us-east-1.
func DefaultSizes() map[string]Size {
	return map[string]Size{
		"micro": {InstanceType: "t1.micro", ImageID: "ami-7539b41c"},
		"small": {InstanceType: "m1.small", ImageID: "ami-9b3db0f2"},
	}
}

// SizeTable merges the configured sizes over the built-in ones.
func SizeTable(sizes map[string]config.SizeConfig) map[string]Size {
	table := DefaultSizes()
	for name, s := range sizes {
		table[name] = Size{InstanceType: s.InstanceType, ImageID: s.ImageID}
	}
	return table
}

// ResolveSize looks a size name up in table.
func ResolveSize(table map[string]Size, name string) (Size, error) {
	size, ok := table[name]
	if !ok {
		return Size{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownSize, name, SizeNames(table))
	}
	return size, nil
}

// SizeNames returns the table's size names in order.
func SizeNames(table map[string]Size) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
