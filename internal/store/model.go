package store

import "time"

// MessageRow is a persisted undelivered message addressed to a device
// (spec.md §3 "Message row").
type MessageRow struct {
	DeviceID  string
	MessageID string
	Payload   string
}

// DeviceToken is a device's push-token row (spec.md §3 "Device push-token
// row").
type DeviceToken struct {
	DeviceID     string
	Token        string
	Platform     string
	TokenInvalid bool
}

// ExternalToken is a user's external-token row (spec.md §3 "External-token
// row").
type ExternalToken struct {
	UserID              string
	TokenData           string
	AssignedInstance    string
	AssignmentTimestamp time.Time
	LastHeartbeat       time.Time
	Unassigned          bool
}
