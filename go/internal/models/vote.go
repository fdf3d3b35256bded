package models

import (
	"sort"
	"strings"
)

// SentinelVote marks a participant who joined but has not voted yet.
const SentinelVote = -1

// ParticipantID identifies one live connection. A reconnect gets a new one.
type ParticipantID string

// DisplayName is chosen once when a session starts.
type DisplayName string

// VoteRecord is the value stored for a participant in a room's vote table.
type VoteRecord struct {
	DisplayName DisplayName `json:"name"`
	Vote        int         `json:"vote"`
}

// HasVoted reports whether the record carries a cast vote.
func (r VoteRecord) HasVoted() bool {
	return r.Vote != SentinelVote
}

// NewPlaceholderRecord returns the record published when a session becomes active.
func NewPlaceholderRecord(name DisplayName) VoteRecord {
	return VoteRecord{DisplayName: name, Vote: SentinelVote}
}

// VoteTable maps participants to their records. It is always handled as a
// full snapshot, never as a diff.
type VoteTable map[ParticipantID]VoteRecord

// Keys returns the participant ids in enumeration order (ascending key order,
// the same order the table is encoded in on the wire).
func (t VoteTable) Keys() []ParticipantID {
	keys := make([]ParticipantID, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Clone returns a copy that can be handed to another goroutine.
func (t VoteTable) Clone() VoteTable {
	out := make(VoteTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// ProjectedVote is one row of the list shown to a participant.
type ProjectedVote struct {
	ParticipantID ParticipantID `json:"participant_id"`
	DisplayName   DisplayName   `json:"name"`
	Vote          int           `json:"vote"`
}

// ValidateDisplayName trims a user supplied name and rejects empty ones.
func ValidateDisplayName(raw string) (DisplayName, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", false
	}
	return DisplayName(name), true
}
