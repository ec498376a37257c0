package store

import (
	"fmt"
	"time"
)

// AssetKey identifies an asset within the organization.
type AssetKey struct {
	CatalogID    string `json:"adamId"`
	PricingParam string `json:"pricingParam"`
}

func (k AssetKey) String() string {
	return k.CatalogID + "/" + k.PricingParam
}

// Asset is a purchasable product, global within the organization.
// Created on first sight, updated in place, never deleted.
type Asset struct {
	Key                AssetKey
	ProductType        string
	DeviceAssignable   bool
	Revocable          bool
	SupportedPlatforms []string
	Name               string
	BundleID           string
	Metadata           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServerToken is the credential record of one licensing service location.
type ServerToken struct {
	InfoID       string
	LocationName string
	Platform     string
	Token        string
	UpdatedAt    time.Time
}

// ServerTokenAsset is the entitlement of one asset at one location.
type ServerTokenAsset struct {
	LocationID     string
	Key            AssetKey
	AssignedCount  int
	AvailableCount int
	RetiredCount   int
	TotalCount     int
}

// CountErrors returns the list of violated count invariants, or nil when
// the counts are valid. Invalid counts must never be persisted.
func (a *ServerTokenAsset) CountErrors() []string {
	var errs []string
	if a.AssignedCount < 0 {
		errs = append(errs, "negative assigned count")
	}
	if a.AvailableCount < 0 {
		errs = append(errs, "negative available count")
	}
	if a.RetiredCount < 0 {
		errs = append(errs, "negative retired count")
	}
	if a.TotalCount < 0 {
		errs = append(errs, "negative total count")
	}
	if a.AssignedCount > a.TotalCount {
		errs = append(errs, "assigned count greater than total count")
	}
	if a.RetiredCount > a.TotalCount {
		errs = append(errs, "retired count greater than total count")
	}
	return errs
}

// DeviceAssignment records a device holding one entitlement, as a
// reflection of confirmed remote state.
type DeviceAssignment struct {
	LocationID   string
	Key          AssetKey
	SerialNumber string
	CreatedAt    time.Time
}

// Association is a pending, locally initiated request to associate a
// device with an asset, awaiting remote confirmation. It exists to avoid
// issuing the same association request too frequently.
type Association struct {
	SerialNumber    string
	LocationID      string
	Key             AssetKey
	Attempts        int
	LastAttemptedAt time.Time
	CreatedAt       time.Time
}

// EnrolledDevice is the read-only projection of a managed device that the
// reconciliation core needs. The full device record lives elsewhere.
type EnrolledDevice struct {
	SerialNumber string
	// LocationID is the info id of the device's location credential,
	// empty when the device has no location context.
	LocationID string
	OSVersion  OSVersion
	// ModelID is the software-update device model identifier.
	ModelID string
}

// OSVersion is a comparable (major, minor, patch) triple ordered
// lexicographically.
type OSVersion struct {
	Major int
	Minor int
	Patch int
}

func (v OSVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether the triple carries no version information.
func (v OSVersion) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

// Compare returns -1, 0 or 1 comparing v to o lexicographically.
func (v OSVersion) Compare(o OSVersion) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SoftwareUpdateKey identifies an entry of the update catalog.
type SoftwareUpdateKey struct {
	Platform string
	Public   bool
	Version  OSVersion
}

// SoftwareUpdate is one entry of the update catalog, with its availability
// window and the device models it applies to.
type SoftwareUpdate struct {
	ID          int64
	Key         SoftwareUpdateKey
	PostingDate time.Time
	// ExpirationDate is nil for an open-ended availability window.
	ExpirationDate *time.Time
	DeviceIDs      []string
}

// AvailableAt reports whether the update's availability interval contains
// date. The interval is half-open: posting date inclusive, expiration
// date exclusive.
func (u *SoftwareUpdate) AvailableAt(date time.Time) bool {
	if date.Before(u.PostingDate) {
		return false
	}
	if u.ExpirationDate != nil && !date.Before(*u.ExpirationDate) {
		return false
	}
	return true
}
