package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/config"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
)

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID][]string
}

func (f *fakeTokenStore) Register(_ context.Context, userID uuid.UUID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens == nil {
		f.tokens = make(map[uuid.UUID][]string)
	}
	f.tokens[userID] = append(f.tokens[userID], token)
	return nil
}

func (f *fakeTokenStore) registered(userID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID]
}

type fakeCallIndex struct {
	calls map[uuid.UUID]*domain.Call
}

func (f *fakeCallIndex) Create(context.Context, *domain.Call) error { return nil }
func (f *fakeCallIndex) UpdateStatus(context.Context, uuid.UUID, domain.CallStatus) error {
	return nil
}
func (f *fakeCallIndex) MarkConnected(context.Context, uuid.UUID) error { return nil }
func (f *fakeCallIndex) Finish(context.Context, uuid.UUID, domain.CallStatus) error {
	return nil
}

func (f *fakeCallIndex) GetByID(_ context.Context, callID uuid.UUID) (*domain.Call, error) {
	if c, ok := f.calls[callID]; ok {
		return c, nil
	}
	return nil, apperrors.CallNotFoundError()
}

func (f *fakeCallIndex) GetUserCalls(context.Context, uuid.UUID, int, int) ([]*domain.Call, error) {
	return nil, nil
}

type fakePresenceIndex struct {
	online []uuid.UUID
}

func (f *fakePresenceIndex) SetOnline(context.Context, uuid.UUID, time.Time) error  { return nil }
func (f *fakePresenceIndex) SetOffline(context.Context, uuid.UUID, time.Time) error { return nil }
func (f *fakePresenceIndex) Refresh(context.Context, uuid.UUID, time.Time) error    { return nil }
func (f *fakePresenceIndex) IsOnline(context.Context, uuid.UUID) (bool, error)      { return false, nil }
func (f *fakePresenceIndex) LastSeen(context.Context, uuid.UUID) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakePresenceIndex) GetOnlineUsers(context.Context) ([]uuid.UUID, error) {
	return f.online, nil
}

func newTestRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if deps.Cfg == nil {
		deps.Cfg = &config.Config{}
	}
	router := gin.New()
	New(deps).Register(router)
	return router
}

func TestRegisterPushToken(t *testing.T) {
	tokens := &fakeTokenStore{}
	router := newTestRouter(Deps{Tokens: tokens})
	userID := uuid.New()

	body := bytes.NewBufferString(`{"token":"device-token-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/users/"+userID.String()+"/push-tokens", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"device-token-1"}, tokens.registered(userID))
}

func TestRegisterPushTokenRejectsEmptyBody(t *testing.T) {
	tokens := &fakeTokenStore{}
	router := newTestRouter(Deps{Tokens: tokens})
	userID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/api/users/"+userID.String()+"/push-tokens", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, tokens.registered(userID))
}

func TestCallDetail(t *testing.T) {
	callID := uuid.New()
	calls := &fakeCallIndex{calls: map[uuid.UUID]*domain.Call{
		callID: {CallID: callID, Kind: domain.CallKindVideo, Status: domain.CallStatusEnded},
	}}
	router := newTestRouter(Deps{Calls: calls})

	req := httptest.NewRequest(http.MethodGet, "/api/calls/"+callID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Call *domain.Call `json:"call"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Call)
	assert.Equal(t, callID, resp.Call.CallID)
	assert.Equal(t, domain.CallStatusEnded, resp.Call.Status)
}

func TestCallDetailUnknownCall(t *testing.T) {
	router := newTestRouter(Deps{Calls: &fakeCallIndex{}})

	req := httptest.NewRequest(http.MethodGet, "/api/calls/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOnlineUsers(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	router := newTestRouter(Deps{Presence: &fakePresenceIndex{online: []uuid.UUID{a, b}}})

	req := httptest.NewRequest(http.MethodGet, "/api/presence/online", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Online []uuid.UUID `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []uuid.UUID{a, b}, resp.Online)
}
