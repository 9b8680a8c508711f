// Package fleet finds a user's popups and acts on them as a group.
package fleet

import (
	"errors"

	"popup/internal/cloud"
	"popup/internal/manifest"
	"popup/internal/provisioning"
)

// ErrNoSelector is returned unless exactly one of All, Client or Tag is set.
var ErrNoSelector = errors.New("exactly one of --all, --client or --tag is required")

// Selector picks popups among those owned by an identity
type Selector struct {
	All    bool
	Client string
	Tag    string
}

// Validate checks that exactly one selection mode is set.
func (s Selector) Validate() error {
	n := 0
	if s.All {
		n++
	}
	if s.Client != "" {
		n++
	}
	if s.Tag != "" {
		n++
	}
	if n != 1 {
		return ErrNoSelector
	}
	return nil
}

// Match is a selected popup and the names needed to clean it up
type Match struct {
	InstanceID string
	Tag        string
	Host       string
	// Manifest is the record file name; empty when start_date is missing.
	Manifest string
}

// Gather returns the instances owned by identity that sel picks, in input
// order. Instances missing a tag the selection needs never match.
func Gather(instances []cloud.Instance, identity string, sel Selector) []Match {
	var matches []Match
	for _, inst := range instances {
		owner, ok := inst.Tag(provisioning.TagOwner)
		if !ok || owner != identity {
			continue
		}
		tag, ok := inst.Tag(provisioning.TagPopupID)
		if !ok {
			continue
		}

		switch {
		case sel.All:
		case sel.Client != "":
			client, ok := inst.Tag(provisioning.TagClient)
			if !ok || client != sel.Client {
				continue
			}
		case sel.Tag != "":
			if tag != sel.Tag {
				continue
			}
		default:
			continue
		}

		m := Match{InstanceID: inst.ID, Tag: tag, Host: inst.PublicDNS}
		if date, ok := inst.Tag(provisioning.TagStartDate); ok {
			m.Manifest = manifest.RecordName(date, inst.PublicDNS, tag)
		}
		matches = append(matches, m)
	}
	return matches
}

// InstanceIDs returns the instance IDs of matches.
func InstanceIDs(matches []Match) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.InstanceID)
	}
	return ids
}
