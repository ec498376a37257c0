package updates

import (
	"context"
	"log/slog"
	"time"

	"vlsync/internal/store"
)

// AvailableUpdates is the eligibility result for one device: at most one
// update per category, each the version-maximal candidate of its category.
type AvailableUpdates struct {
	Major *store.SoftwareUpdate
	Minor *store.SoftwareUpdate
	Patch *store.SoftwareUpdate
}

// List returns the present updates in (major, minor, patch) order.
func (u AvailableUpdates) List() []*store.SoftwareUpdate {
	var list []*store.SoftwareUpdate
	for _, update := range []*store.SoftwareUpdate{u.Major, u.Minor, u.Patch} {
		if update != nil {
			list = append(list, update)
		}
	}
	return list
}

// Matcher evaluates per-device update eligibility against the stored
// catalog.
type Matcher struct {
	store  store.Store
	logger *slog.Logger
}

// NewMatcher builds a Matcher.
func NewMatcher(s store.Store, logger *slog.Logger) *Matcher {
	return &Matcher{store: s, logger: logger}
}

// For returns the updates available to the device at the reference date.
// A device without a comparable OS version or without a device model
// identifier gets none. A zero date means today.
func (m *Matcher) For(ctx context.Context, device store.EnrolledDevice, date time.Time) (AvailableUpdates, error) {
	var result AvailableUpdates
	if device.OSVersion.IsZero() {
		m.logger.DebugContext(ctx, "no comparable os version", "serial_number", device.SerialNumber)
		return result, nil
	}
	if device.ModelID == "" {
		m.logger.DebugContext(ctx, "no update device model id", "serial_number", device.SerialNumber)
		return result, nil
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}

	var candidates []*store.SoftwareUpdate
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		candidates, err = tx.CandidateSoftwareUpdates(ctx, device.ModelID, date)
		return err
	})
	if err != nil {
		return result, err
	}

	current := device.OSVersion
	for _, candidate := range candidates {
		version := candidate.Key.Version
		if version.Compare(current) <= 0 {
			// not an update for the device
			continue
		}
		switch {
		case version.Major != current.Major:
			result.Major = maxUpdate(result.Major, candidate)
		case version.Minor != current.Minor:
			result.Minor = maxUpdate(result.Minor, candidate)
		case version.Patch != current.Patch:
			result.Patch = maxUpdate(result.Patch, candidate)
		}
	}
	return result, nil
}

func maxUpdate(current, candidate *store.SoftwareUpdate) *store.SoftwareUpdate {
	if current == nil || current.Key.Version.Compare(candidate.Key.Version) < 0 {
		return candidate
	}
	return current
}
