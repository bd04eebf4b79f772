// Package session persists the per-device state: the generated identity,
// the joined group list, the active group and the saved store URL.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lockedin-study/lockedin-sync/models"
)

// State is the on-disk layout of the session file.
type State struct {
	UserID      string   `json:"userId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	AvatarSeed  string   `json:"avatarSeed,omitempty"`
	Groups      []string `json:"groups"`
	ActiveGroup string   `json:"activeGroup,omitempty"`
	StoreURL    string   `json:"storeUrl,omitempty"`
}

// Store is a JSON-file backed session. All methods are safe for concurrent
// use; every mutation is written through before it returns.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads the session at path. A missing file yields an empty session.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	s.state.Groups = dedupe(s.state.Groups)
	return s, nil
}

// Path returns the file the session is persisted to.
func (s *Store) Path() string {
	return s.path
}

// Identity returns the stored identity, which is zero until EnsureIdentity
// has run.
func (s *Store) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity()
}

func (s *Store) identity() models.Identity {
	return models.Identity{
		UserID:      s.state.UserID,
		DisplayName: s.state.DisplayName,
		AvatarSeed:  s.state.AvatarSeed,
	}
}

// EnsureIdentity generates a user id and avatar seed on first use. The
// display name defaults to the given fallback.
func (s *Store) EnsureIdentity(fallbackName string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if next.UserID == "" {
		next.UserID = uuid.NewString()
	}
	if next.AvatarSeed == "" {
		next.AvatarSeed = next.UserID
	}
	if next.DisplayName == "" {
		next.DisplayName = strings.TrimSpace(fallbackName)
	}
	if next.UserID == s.state.UserID && next.AvatarSeed == s.state.AvatarSeed && next.DisplayName == s.state.DisplayName {
		return s.identity(), nil
	}
	if err := s.save(next); err != nil {
		return models.Identity{}, err
	}
	return s.identity(), nil
}

// UpdateProfile changes the display name and avatar seed. Empty values
// leave the current ones in place.
func (s *Store) UpdateProfile(displayName, avatarSeed string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if name := strings.TrimSpace(displayName); name != "" {
		next.DisplayName = name
	}
	if seed := strings.TrimSpace(avatarSeed); seed != "" {
		next.AvatarSeed = seed
	}
	if err := s.save(next); err != nil {
		return models.Identity{}, err
	}
	return s.identity(), nil
}

// Groups returns a copy of the joined group ids in join order.
func (s *Store) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Groups)
}

// AddGroup records a joined group and makes it active.
func (s *Store) AddGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if !slices.Contains(next.Groups, groupID) {
		next.Groups = append(slices.Clone(next.Groups), groupID)
	}
	next.ActiveGroup = groupID
	return s.save(next)
}

// RemoveGroup forgets a group. If it was active, the first remaining group
// becomes active, or none. The new active group is returned.
func (s *Store) RemoveGroup(groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	next.Groups = slices.DeleteFunc(slices.Clone(next.Groups), func(g string) bool { return g == groupID })
	if next.ActiveGroup == groupID || !slices.Contains(next.Groups, next.ActiveGroup) {
		next.ActiveGroup = ""
		if len(next.Groups) > 0 {
			next.ActiveGroup = next.Groups[0]
		}
	}
	if err := s.save(next); err != nil {
		return s.state.ActiveGroup, err
	}
	return next.ActiveGroup, nil
}

func (s *Store) ActiveGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveGroup
}

// SetActiveGroup selects a joined group, or clears the selection with "".
func (s *Store) SetActiveGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if groupID != "" && !slices.Contains(s.state.Groups, groupID) {
		return fmt.Errorf("group %q has not been joined", groupID)
	}
	next := s.state
	next.ActiveGroup = groupID
	return s.save(next)
}

func (s *Store) StoreURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StoreURL
}

func (s *Store) SetStoreURL(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	next.StoreURL = strings.TrimSpace(url)
	return s.save(next)
}

// ResetCredentials forgets the saved store URL.
func (s *Store) ResetCredentials() error {
	return s.SetStoreURL("")
}

// save writes next to disk through a temp file and rename, then adopts it.
// The in-memory state is untouched if the write fails.
func (s *Store) save(next State) error {
	if next.Groups == nil {
		next.Groups = []string{}
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	s.state = next
	return nil
}

func dedupe(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	return out
}
