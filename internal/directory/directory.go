// Package directory creates, joins, renames, deletes and leaves groups.
package directory

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog"
)

// Local is the part of the local session the directory reads and updates.
type Local interface {
	EnsureIdentity(fallbackName string) (models.Identity, error)
	UpdateProfile(displayName, avatarSeed string) (models.Identity, error)
	Identity() models.Identity
	AddGroup(groupID string) error
	RemoveGroup(groupID string) (string, error)
}

type JoinRequest struct {
	Code        string `json:"code"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	AvatarSeed  string `json:"avatarSeed"`
}

type JoinResult struct {
	GroupID string       `json:"groupId"`
	Created bool         `json:"created"`
	Group   models.Group `json:"group"`
}

type Directory struct {
	adapter store.Adapter
	local   Local
	log     *zerolog.Logger

	now  func() time.Time
	intn func(n int) int
}

func New(adapter store.Adapter, local Local, log *zerolog.Logger) *Directory {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Directory{
		adapter: adapter,
		local:   local,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		intn:    rand.Intn,
	}
}

// WithRand replaces the random source used for group colors.
func (d *Directory) WithRand(intn func(n int) int) *Directory {
	d.intn = intn
	return d
}

// CreateOrJoin creates the group named by req.Code if it does not exist, or
// joins it after checking the password. On success the caller's member
// record is upserted and the group becomes the active one locally.
func (d *Directory) CreateOrJoin(ctx context.Context, req JoinRequest) (JoinResult, error) {
	const op = "directory.CreateOrJoin"

	code := strings.TrimSpace(req.Code)
	password := req.Password
	displayName := strings.TrimSpace(req.DisplayName)
	avatarSeed := strings.TrimSpace(req.AvatarSeed)

	if err := validateCode(op, code); err != nil {
		return JoinResult{}, err
	}
	if strings.TrimSpace(password) == "" {
		return JoinResult{}, apperrors.Validation(op, "password is required")
	}
	if displayName == "" {
		return JoinResult{}, apperrors.Validation(op, "display name is required")
	}

	identity, err := d.local.EnsureIdentity(displayName)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%s: %w", op, err)
	}
	logger := d.log.With().Str("group_id", code).Str("user_id", identity.UserID).Logger()

	result := JoinResult{GroupID: code}

	doc, err := d.adapter.Get(ctx, store.GroupPath(code))
	switch {
	case errors.Is(err, store.ErrNotFound):
		group := models.Group{
			ID:        code,
			Name:      code,
			Password:  password,
			OwnerID:   identity.UserID,
			Color:     fmt.Sprintf("#%06x", d.intn(1<<24)),
			CreatedAt: d.now(),
		}
		if err := d.adapter.Create(ctx, store.GroupPath(code), group.Fields(), false); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				logger.Info().Msg("lost group create race")
			}
			return JoinResult{}, apperrors.FromStore(op, err)
		}
		logger.Info().Msg("group created")
		result.Created = true
		result.Group = group.Public()

	case err != nil:
		return JoinResult{}, apperrors.FromStore(op, err)

	default:
		group, err := models.GroupFromDocument(doc)
		if err != nil {
			return JoinResult{}, fmt.Errorf("%s: %w", op, err)
		}
		if subtle.ConstantTimeCompare([]byte(group.Password), []byte(password)) != 1 {
			logger.Info().Msg("group password rejected")
			return JoinResult{}, apperrors.E(apperrors.KindAuthRejected, op, errors.New("wrong group password"))
		}
		result.Group = group.Public()
	}

	if err := d.upsertMember(ctx, code, identity.UserID, displayName, avatarSeed); err != nil {
		return JoinResult{}, apperrors.FromStore(op, err)
	}

	if _, err := d.local.UpdateProfile(displayName, avatarSeed); err != nil {
		return JoinResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := d.local.AddGroup(code); err != nil {
		return JoinResult{}, fmt.Errorf("%s: %w", op, err)
	}

	logger.Info().Bool("created", result.Created).Msg("joined group")
	return result, nil
}

// upsertMember merges the caller's member record. joinedAt is written only
// the first time so a repeat join keeps the original value.
func (d *Directory) upsertMember(ctx context.Context, groupID, userID, displayName, avatarSeed string) error {
	path := store.MemberPath(groupID, userID)

	fields := store.Fields{
		"userId":      userID,
		"displayName": displayName,
		"avatarSeed":  avatarSeed,
		"status":      models.StatusDistracted,
		"message":     models.JoinedMessage,
		"groupId":     groupID,
	}

	_, err := d.adapter.Get(ctx, path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fields["joinedAt"] = d.now()
	case err != nil:
		return err
	}

	return d.adapter.Create(ctx, path, fields, true)
}

// Rename changes the display name of a group. The code is unchanged.
func (d *Directory) Rename(ctx context.Context, groupID, name string) error {
	const op = "directory.Rename"

	name = strings.TrimSpace(name)
	if err := validateCode(op, groupID); err != nil {
		return err
	}
	if name == "" {
		return apperrors.Validation(op, "group name is required")
	}

	if err := d.adapter.Update(ctx, store.GroupPath(groupID), store.Fields{"name": name}); err != nil {
		return apperrors.FromStore(op, err)
	}
	d.log.Info().Str("group_id", groupID).Str("name", name).Msg("group renamed")
	return nil
}

// Delete removes a group owned by the local user. Member records are left
// behind. Returns the new active group id.
func (d *Directory) Delete(ctx context.Context, groupID string) (string, error) {
	const op = "directory.Delete"

	if err := validateCode(op, groupID); err != nil {
		return "", err
	}

	doc, err := d.adapter.Get(ctx, store.GroupPath(groupID))
	if err != nil {
		return "", apperrors.FromStore(op, err)
	}
	group, err := models.GroupFromDocument(doc)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	identity := d.local.Identity()
	if !identity.Valid() || group.OwnerID != identity.UserID {
		return "", apperrors.E(apperrors.KindAuthRejected, op, errors.New("only the group owner can delete it"))
	}

	if err := d.adapter.Delete(ctx, store.GroupPath(groupID)); err != nil {
		return "", apperrors.FromStore(op, err)
	}
	d.log.Info().Str("group_id", groupID).Msg("group deleted")

	active, err := d.local.RemoveGroup(groupID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return active, nil
}

// Leave deletes the local user's member record and forgets the group.
// Returns the new active group id.
func (d *Directory) Leave(ctx context.Context, groupID string) (string, error) {
	const op = "directory.Leave"

	if err := validateCode(op, groupID); err != nil {
		return "", err
	}

	identity := d.local.Identity()
	if identity.UserID != "" {
		if err := d.adapter.Delete(ctx, store.MemberPath(groupID, identity.UserID)); err != nil {
			return "", apperrors.FromStore(op, err)
		}
	}

	active, err := d.local.RemoveGroup(groupID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	d.log.Info().Str("group_id", groupID).Str("user_id", identity.UserID).Msg("left group")
	return active, nil
}

func validateCode(op, code string) error {
	switch {
	case strings.TrimSpace(code) == "":
		return apperrors.Validation(op, "group code is required")
	case strings.Contains(code, "/"):
		return apperrors.Validation(op, "group code may not contain '/'")
	}
	return nil
}
