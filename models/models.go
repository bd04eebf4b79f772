package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/store"
)

// Status is a member's self-reported focus state.
type Status string

const (
	StatusFocus      Status = "focus"
	StatusDistracted Status = "distracted"
)

func (s Status) Valid() bool {
	return s == StatusFocus || s == StatusDistracted
}

// JoinedMessage is the status message a member starts with after joining.
const JoinedMessage = "👋 joined"

var ErrMalformedDocument = errors.New("malformed document")

// Member is one membership record, stored at groups/{groupId}/members/{userId}.
type Member struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarSeed  string    `json:"avatarSeed"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	GroupID     string    `json:"groupId"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Distracted reports whether the member currently halts the group timer.
func (m Member) Distracted() bool {
	return m.Status == StatusDistracted
}

// MemberFromDocument decodes and validates a membership record. The
// document id is the user id; a record claiming another user is rejected.
func MemberFromDocument(doc store.Document) (Member, error) {
	var m Member
	if err := doc.Decode(&m); err != nil {
		return Member{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if m.UserID == "" {
		m.UserID = doc.ID
	}
	if m.UserID != doc.ID {
		return Member{}, fmt.Errorf("%w: %s: userId %q does not match key", ErrMalformedDocument, doc.Path, m.UserID)
	}
	if !m.Status.Valid() {
		return Member{}, fmt.Errorf("%w: %s: unknown status %q", ErrMalformedDocument, doc.Path, m.Status)
	}
	return m, nil
}

// RosterFromSnapshot decodes a members collection snapshot, keeping the
// snapshot order. Malformed records are skipped and reported in the
// returned error.
func RosterFromSnapshot(snap store.Snapshot) ([]Member, error) {
	roster := make([]Member, 0, len(snap.Docs))
	var errs []error
	for _, doc := range snap.Docs {
		m, err := MemberFromDocument(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		roster = append(roster, m)
	}
	return roster, errors.Join(errs...)
}
