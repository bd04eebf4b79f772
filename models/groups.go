package models

import (
	"fmt"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/store"
)

// Group is the shared group document at groups/{id}. The id is the code
// members type in to join.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Password  string    `json:"password,omitempty"`
	OwnerID   string    `json:"ownerId"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fields returns the full document for an initial write.
func (g Group) Fields() store.Fields {
	return store.Fields{
		"id":        g.ID,
		"name":      g.Name,
		"password":  g.Password,
		"ownerId":   g.OwnerID,
		"color":     g.Color,
		"createdAt": g.CreatedAt,
	}
}

// Public returns a copy without the password, for display.
func (g Group) Public() Group {
	g.Password = ""
	return g
}

// GroupFromDocument decodes and validates a group document.
func GroupFromDocument(doc store.Document) (Group, error) {
	var g Group
	if err := doc.Decode(&g); err != nil {
		return Group{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if g.ID == "" {
		g.ID = doc.ID
	}
	if g.ID != doc.ID {
		return Group{}, fmt.Errorf("%w: %s: id %q does not match key", ErrMalformedDocument, doc.Path, g.ID)
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	return g, nil
}
