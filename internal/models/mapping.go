package models

import "time"

// SyncState is the lifecycle state of an EventMapping.
type SyncState string

const (
	SyncStatePending  SyncState = "pending"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
	SyncStateDeleted  SyncState = "deleted"
)

// EventMapping links one event's identity across two providers.
// It is unique per (UserID, SourceProvider, SourceExternalID).
type EventMapping struct {
	UserID           string
	SourceProvider   Provider
	SourceExternalID string
	TargetProvider   Provider
	TargetExternalID string // empty until the mirrored event is created
	SyncState        SyncState
	LeadMinutes      *int      // reminder lead carried to the mirrored event
	SourceReminder   bool      // LeadMinutes came from a reminder on the source event
	SourceStart      time.Time // start of the source event when last seen
	LastError        string
	UpdatedAt        time.Time
}

// MappingKey is the identity of a mapping row.
type MappingKey struct {
	UserID     string
	Provider   Provider
	ExternalID string
}

func (k MappingKey) String() string {
	return k.UserID + "|" + string(k.Provider) + "|" + k.ExternalID
}

// Key returns the mapping's unique key.
func (m EventMapping) Key() MappingKey {
	return MappingKey{UserID: m.UserID, Provider: m.SourceProvider, ExternalID: m.SourceExternalID}
}

// SourceRef returns the reference of the originating event.
func (m EventMapping) SourceRef() EventRef {
	return EventRef{Provider: m.SourceProvider, ExternalID: m.SourceExternalID}
}

// TargetRef returns the reference of the mirrored event, if created.
func (m EventMapping) TargetRef() (EventRef, bool) {
	if m.TargetExternalID == "" {
		return EventRef{}, false
	}
	return EventRef{Provider: m.TargetProvider, ExternalID: m.TargetExternalID}, true
}

// Terminal reports whether the mapping no longer takes part in sync.
func (m EventMapping) Terminal() bool {
	return m.SyncState == SyncStateDeleted
}
