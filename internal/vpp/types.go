// Package vpp implements the client for the volume-licensing service API.
// All calls target the versioned base endpoint, carry a bearer credential
// and run with a bounded timeout. List endpoints are paginated with a
// versionId consistency token checked across pages.
package vpp

import (
	"vlsync/internal/store"
)

// AssetData is the asset representation returned by the assets endpoint,
// including the per-location entitlement counts.
type AssetData struct {
	CatalogID          string   `json:"adamId"`
	PricingParam       string   `json:"pricingParam"`
	ProductType        string   `json:"productType"`
	DeviceAssignable   bool     `json:"deviceAssignable"`
	Revocable          bool     `json:"revocable"`
	SupportedPlatforms []string `json:"supportedPlatforms"`
	AssignedCount      int      `json:"assignedCount"`
	AvailableCount     int      `json:"availableCount"`
	RetiredCount       int      `json:"retiredCount"`
	TotalCount         int      `json:"totalCount"`
}

// Key returns the natural key of the asset.
func (a *AssetData) Key() store.AssetKey {
	return store.AssetKey{CatalogID: a.CatalogID, PricingParam: a.PricingParam}
}

// ServiceConfig is the service configuration document, fetched once per
// client and cached for its lifetime.
type ServiceConfig struct {
	URLs struct {
		ContentMetadataLookup string `json:"contentMetadataLookup"`
	} `json:"urls"`
}

// ClientConfig is the notification registration state of a location.
type ClientConfig struct {
	CountryCodes      []string `json:"countryCodes"`
	LocationName      string   `json:"locationName"`
	NotificationTypes []string `json:"notificationTypes"`
	NotificationURL   string   `json:"notificationUrl"`
	UID               string   `json:"uId"`
}

// NotificationRegistration is the webhook registration payload sent with
// UpdateClientConfig.
type NotificationRegistration struct {
	ServerName     string
	ServerMetadata string
	URL            string
	AuthToken      string
}

// envelope carries the fields shared by every API response: the embedded
// application error and the reported server identity.
type envelope struct {
	ErrorNumber  int    `json:"errorNumber"`
	ErrorMessage string `json:"errorMessage"`
	MDMInfo      struct {
		ID string `json:"id"`
	} `json:"mdmInfo"`
}

// assetPage is one page of the paginated assets endpoint. NextPageIndex is
// nil on the last page.
type assetPage struct {
	VersionID     string      `json:"versionId"`
	NextPageIndex *int        `json:"nextPageIndex"`
	Assets        []AssetData `json:"assets"`
}

type assignmentData struct {
	CatalogID    string `json:"adamId"`
	PricingParam string `json:"pricingParam"`
	SerialNumber string `json:"serialNumber"`
}

type assignmentPage struct {
	VersionID     string           `json:"versionId"`
	NextPageIndex *int             `json:"nextPageIndex"`
	Assignments   []assignmentData `json:"assignments"`
}

// eventResponse is the acknowledgement of an associate or disassociate
// request. The returned event id ties the request to the webhook
// notification that will confirm it later.
type eventResponse struct {
	EventID string `json:"eventId"`
}

// assetManagementRequest is the body of associate and disassociate calls.
type assetManagementRequest struct {
	Assets        []assetIdentifier `json:"assets"`
	SerialNumbers []string          `json:"serialNumbers"`
}

type assetIdentifier struct {
	CatalogID    string `json:"adamId"`
	PricingParam string `json:"pricingParam"`
}

// clientConfigUpdateRequest registers the webhook endpoint and the
// notification types the reconciler consumes.
type clientConfigUpdateRequest struct {
	MDMInfo               mdmInfoPayload `json:"mdmInfo"`
	NotificationTypes     []string       `json:"notificationTypes"`
	NotificationURL       string         `json:"notificationUrl"`
	NotificationAuthToken string         `json:"notificationAuthToken"`
}

type mdmInfoPayload struct {
	ID       string `json:"id"`
	Metadata string `json:"metadata"`
	Name     string `json:"name"`
}
