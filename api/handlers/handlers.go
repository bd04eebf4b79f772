package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/coordinator"
	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
)

// Coordinator is the session API the handlers drive.
type Coordinator interface {
	View(ctx context.Context) (coordinator.View, error)
	Join(ctx context.Context, req directory.JoinRequest) (directory.JoinResult, error)
	Rename(ctx context.Context, groupID, name string) error
	DeleteGroup(ctx context.Context, groupID string) error
	Leave(ctx context.Context, groupID string) error
	SelectGroup(ctx context.Context, groupID string) error
	SetLock(ctx context.Context, locked bool) error
	SetVisibility(ctx context.Context, v lifecycle.Visibility) error
	ResetTimer(ctx context.Context) error
	ResetCredentials(ctx context.Context, url string) error
}

type RenameRequest struct {
	Name string `json:"name"`
}

type SelectGroupRequest struct {
	GroupID string `json:"groupId"`
}

type LockRequest struct {
	Locked *bool `json:"locked"`
}

type VisibilityRequest struct {
	Visibility string `json:"visibility"`
}

type CredentialsRequest struct {
	URL string `json:"url"`
}

// Routes registers the control API on r.
func Routes(r *mux.Router, c Coordinator) {
	r.HandleFunc("/state", GetState(c)).Methods(http.MethodGet)
	r.HandleFunc("/groups", JoinGroup(c)).Methods(http.MethodPost)
	r.HandleFunc("/groups/{group-id}", RenameGroup(c)).Methods(http.MethodPut)
	r.HandleFunc("/groups/{group-id}", DeleteGroup(c)).Methods(http.MethodDelete)
	r.HandleFunc("/groups/{group-id}/leave", LeaveGroup(c)).Methods(http.MethodPost)
	r.HandleFunc("/active-group", SelectGroup(c)).Methods(http.MethodPut)
	r.HandleFunc("/lock", SetLock(c)).Methods(http.MethodPut)
	r.HandleFunc("/visibility", SetVisibility(c)).Methods(http.MethodPut)
	r.HandleFunc("/timer/reset", ResetTimer(c)).Methods(http.MethodPost)
	r.HandleFunc("/credentials", ResetCredentials(c)).Methods(http.MethodPut)
}

// stateAfter writes the session state after a successful command.
func stateAfter(c Coordinator, w http.ResponseWriter, r *http.Request, status int) {
	view, err := c.View(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, status, view)
}

// @Summary Get the session state
// @Description Get the local study session view, including the active group roster and the focus timer.
// @Tags session
// @Produce json
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 412 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /state [get]
func GetState(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Create or join a study group
// @Description Create the group named by the code, or join it with the group password if the code is taken. The group becomes the active one and any held lock in the previous group is released.
// @Tags groups
// @Accept json
// @Produce json
// @Param request body directory.JoinRequest true "Group code, password and profile"
// @Success 200 {object} models.Response{data=directory.JoinResult}
// @Success 201 {object} models.Response{data=directory.JoinResult}
// @Failure 400 {object} models.Response
// @Failure 403 {object} models.Response
// @Failure 409 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /groups [post]
func JoinGroup(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req directory.JoinRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		res, err := c.Join(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		writeData(w, status, res)
	}
}

// @Summary Rename a study group
// @Description Change the display name of a joined group.
// @Tags groups
// @Accept json
// @Produce json
// @Param group-id path string true "Group code" example(ABCDEF)
// @Param request body RenameRequest true "New group name"
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 404 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /groups/{group-id} [put]
func RenameGroup(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID := mux.Vars(r)["group-id"]

		var req RenameRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.Rename(r.Context(), groupID, req.Name); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Delete a study group
// @Description Delete a group. Only the owner may do this. Member records are left in place.
// @Tags groups
// @Produce json
// @Param group-id path string true "Group code" example(ABCDEF)
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 403 {object} models.Response
// @Failure 404 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /groups/{group-id} [delete]
func DeleteGroup(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.DeleteGroup(r.Context(), mux.Vars(r)["group-id"]); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Leave a study group
// @Description Remove the local member from a group and forget it locally.
// @Tags groups
// @Produce json
// @Param group-id path string true "Group code" example(ABCDEF)
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /groups/{group-id}/leave [post]
func LeaveGroup(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Leave(r.Context(), mux.Vars(r)["group-id"]); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Select the active group
// @Description Make a joined group the active one. A held lock is released in the group being left.
// @Tags groups
// @Accept json
// @Produce json
// @Param request body SelectGroupRequest true "Joined group code"
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /active-group [put]
func SelectGroup(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectGroupRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.SelectGroup(r.Context(), req.GroupID); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Engage or release the lock
// @Description Set the local lock flag and broadcast the matching status to the active group.
// @Tags presence
// @Accept json
// @Produce json
// @Param request body LockRequest true "Lock flag"
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /lock [put]
func SetLock(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LockRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Locked == nil {
			writeError(w, r, apperrors.Validation("handlers.SetLock", "locked is required"))
			return
		}
		if err := c.SetLock(r.Context(), *req.Locked); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Report app visibility
// @Description Report a foreground or background change. Going to the background while locked forces an unlock.
// @Tags presence
// @Accept json
// @Produce json
// @Param request body VisibilityRequest true "Visibility" example(hidden)
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /visibility [put]
func SetVisibility(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VisibilityRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		v, err := lifecycle.ParseVisibility(req.Visibility)
		if err != nil {
			writeError(w, r, apperrors.E(apperrors.KindValidation, "handlers.SetVisibility", err))
			return
		}
		if err := c.SetVisibility(r.Context(), v); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Reset the focus timer
// @Description Set the elapsed focus time back to zero.
// @Tags presence
// @Produce json
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /timer/reset [post]
func ResetTimer(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.ResetTimer(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}

// @Summary Replace the store credentials
// @Description Save a new store URL and reconnect. An empty URL forgets the saved one.
// @Tags session
// @Accept json
// @Produce json
// @Param request body CredentialsRequest true "Store URL" example(redis://localhost:6379/0)
// @Success 200 {object} models.Response{data=coordinator.View}
// @Failure 400 {object} models.Response
// @Failure 412 {object} models.Response
// @Failure 503 {object} models.Response
// @Failure 500 {object} models.Response
// @Router /credentials [put]
func ResetCredentials(c Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CredentialsRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := c.ResetCredentials(r.Context(), req.URL); err != nil {
			writeError(w, r, err)
			return
		}
		stateAfter(c, w, r, http.StatusOK)
	}
}
