package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/coordinator"
	"github.com/lockedin-study/lockedin-sync/internal/directory"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func serve(c Coordinator, method, target, body string) *httptest.ResponseRecorder {
	r := mux.NewRouter()
	Routes(r, c)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) models.Response {
	t.Helper()
	var resp models.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestGetState(t *testing.T) {
	c := new(MockCoordinator)
	c.On("View", mock.Anything).Return(coordinator.View{ActiveGroup: "ABCDEF", Elapsed: "00:00:07", ElapsedSeconds: 7}, nil)

	w := serve(c, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decode(t, w)
	assert.Equal(t, 1, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "ABCDEF", data["activeGroup"])
	assert.Equal(t, "00:00:07", data["elapsed"])
}

func TestJoinGroup(t *testing.T) {
	c := new(MockCoordinator)
	req := directory.JoinRequest{Code: "ABCDEF", Password: "pw", DisplayName: "Mina"}
	c.On("Join", mock.Anything, req).Return(directory.JoinResult{GroupID: "ABCDEF", Created: true}, nil)

	w := serve(c, http.MethodPost, "/groups", `{"code":"ABCDEF","password":"pw","displayName":"Mina"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ABCDEF", resp.Data.(map[string]interface{})["groupId"])
	c.AssertExpectations(t)
}

func TestJoinGroupErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"wrong password", apperrors.E(apperrors.KindAuthRejected, "join", errors.New("wrong password")), http.StatusForbidden, "auth_rejected"},
		{"validation", apperrors.Validation("join", "code is required"), http.StatusBadRequest, "validation"},
		{"race lost", apperrors.E(apperrors.KindAlreadyExists, "join", nil), http.StatusConflict, "already_exists"},
		{"offline", apperrors.E(apperrors.KindConnectivity, "join", nil), http.StatusServiceUnavailable, "connectivity"},
		{"no credentials", apperrors.E(apperrors.KindConfigMissing, "join", nil), http.StatusPreconditionFailed, "config_missing"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(MockCoordinator)
			c.On("Join", mock.Anything, mock.Anything).Return(directory.JoinResult{}, tt.err)

			w := serve(c, http.MethodPost, "/groups", `{"code":"ABCDEF","password":"pw","displayName":"Mina"}`)
			assert.Equal(t, tt.want, w.Code)
			resp := decode(t, w)
			assert.Equal(t, 0, resp.Success)
			assert.Equal(t, tt.code, resp.ErrorCode)
		})
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	c := new(MockCoordinator)

	w := serve(c, http.MethodPost, "/groups", `{"code":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(c, http.MethodPut, "/lock", `{"locked":true,"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(c, http.MethodPut, "/lock", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(c, http.MethodPut, "/visibility", `{"visibility":"minimised"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(c, http.MethodPut, "/credentials", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c.AssertNotCalled(t, "Join", mock.Anything, mock.Anything)
	c.AssertNotCalled(t, "SetLock", mock.Anything, mock.Anything)
}

func TestCommandsReturnState(t *testing.T) {
	view := coordinator.View{ActiveGroup: "g1", Locked: true}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		setup  func(c *MockCoordinator)
	}{
		{"rename", http.MethodPut, "/groups/g1", `{"name":"Calculus"}`, func(c *MockCoordinator) {
			c.On("Rename", mock.Anything, "g1", "Calculus").Return(nil)
		}},
		{"delete", http.MethodDelete, "/groups/g1", "", func(c *MockCoordinator) {
			c.On("DeleteGroup", mock.Anything, "g1").Return(nil)
		}},
		{"leave", http.MethodPost, "/groups/g1/leave", "", func(c *MockCoordinator) {
			c.On("Leave", mock.Anything, "g1").Return(nil)
		}},
		{"select", http.MethodPut, "/active-group", `{"groupId":"g1"}`, func(c *MockCoordinator) {
			c.On("SelectGroup", mock.Anything, "g1").Return(nil)
		}},
		{"lock", http.MethodPut, "/lock", `{"locked":true}`, func(c *MockCoordinator) {
			c.On("SetLock", mock.Anything, true).Return(nil)
		}},
		{"unlock", http.MethodPut, "/lock", `{"locked":false}`, func(c *MockCoordinator) {
			c.On("SetLock", mock.Anything, false).Return(nil)
		}},
		{"hidden", http.MethodPut, "/visibility", `{"visibility":"hidden"}`, func(c *MockCoordinator) {
			c.On("SetVisibility", mock.Anything, lifecycle.Hidden).Return(nil)
		}},
		{"reset timer", http.MethodPost, "/timer/reset", "", func(c *MockCoordinator) {
			c.On("ResetTimer", mock.Anything).Return(nil)
		}},
		{"credentials", http.MethodPut, "/credentials", `{"url":"redis://localhost:6379"}`, func(c *MockCoordinator) {
			c.On("ResetCredentials", mock.Anything, "redis://localhost:6379").Return(nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := new(MockCoordinator)
			tt.setup(c)
			c.On("View", mock.Anything).Return(view, nil)

			w := serve(c, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			resp := decode(t, w)
			assert.Equal(t, "g1", resp.Data.(map[string]interface{})["activeGroup"])
			c.AssertExpectations(t)
		})
	}
}

func TestDeleteByNonOwner(t *testing.T) {
	c := new(MockCoordinator)
	c.On("DeleteGroup", mock.Anything, "g1").Return(apperrors.E(apperrors.KindAuthRejected, "directory.Delete", errors.New("only the owner can delete")))

	w := serve(c, http.MethodDelete, "/groups/g1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	c.AssertNotCalled(t, "View", mock.Anything)
}

func TestWrongMethod(t *testing.T) {
	w := serve(new(MockCoordinator), http.MethodGet, "/lock", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
