package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/wire"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", credential.Static("tok"), nil, 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func requireBearer(t *testing.T, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer on %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func TestClient_GroupsAndMembers(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/groups", requireBearer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []wire.Group{{ID: "g1", Name: "Go", MemberCount: 3, IsMember: true}})
	})).Methods(http.MethodGet)
	r.HandleFunc("/api/groups", requireBearer(t, func(w http.ResponseWriter, r *http.Request) {
		var req wire.CreateGroupRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "Rust", req.Name)
		writeJSON(w, wire.CreateGroupResponse{ID: "g2"})
	})).Methods(http.MethodPost)
	r.HandleFunc("/api/groups/{id}/members", requireBearer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "g1", mux.Vars(r)["id"])
		writeJSON(w, []wire.Member{{UserID: "u1", Username: "alice", Role: 2}})
	})).Methods(http.MethodGet)
	c := newServer(t, r)
	ctx := context.Background()

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "Go", groups[0].Name)

	id, err := c.CreateGroup(ctx, "Rust", "")
	require.NoError(t, err)
	require.Equal(t, "g2", id)

	members, err := c.Members(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 2, members[0].Role)
}

func TestClient_HistoryPaths(t *testing.T) {
	seen := make(chan string, 3)
	h := func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Path
		writeJSON(w, []wire.Message{{Content: "x", Sender: "s"}})
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/messages/public", h).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/private/{userId}", h).Methods(http.MethodGet)
	r.HandleFunc("/api/groups/{id}/messages", h).Methods(http.MethodGet)
	c := newServer(t, r)
	ctx := context.Background()

	_, err := c.PublicHistory(ctx)
	require.NoError(t, err)
	_, err = c.PrivateHistory(ctx, "u2")
	require.NoError(t, err)
	msgs, err := c.GroupHistory(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Equal(t, "/api/messages/public", <-seen)
	require.Equal(t, "/api/messages/private/u2", <-seen)
	require.Equal(t, "/api/groups/g1/messages", <-seen)
}

func TestClient_NotificationCommands(t *testing.T) {
	calls := make(chan string, 4)
	ok := func(w http.ResponseWriter, r *http.Request) {
		calls <- r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/notifications/read-all", ok).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications/{id}/read", ok).Methods(http.MethodPut)
	r.HandleFunc("/api/notifications", ok).Methods(http.MethodDelete)
	r.HandleFunc("/api/notifications", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"n1","type":"Invite","payload":{"groupId":"g"},"isRead":false,"sentAt":"2024-01-02T03:04:05Z"}]`))
	}).Methods(http.MethodGet)
	c := newServer(t, r)
	ctx := context.Background()

	ns, err := c.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	require.JSONEq(t, `{"groupId":"g"}`, string(ns[0].Payload))

	require.NoError(t, c.MarkNotificationRead(ctx, "n1"))
	require.NoError(t, c.MarkAllNotificationsRead(ctx))
	require.NoError(t, c.DeleteNotifications(ctx))
	require.Equal(t, "PUT /api/notifications/n1/read", <-calls)
	require.Equal(t, "PUT /api/notifications/read-all", <-calls)
	require.Equal(t, "DELETE /api/notifications", <-calls)
}

func TestClient_StatusMapping(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/notifications", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	})
	r.HandleFunc("/api/groups/{id}/members", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.HandleFunc("/api/groups", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newServer(t, r)
	ctx := context.Background()

	_, err := c.Notifications(ctx)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusUnauthorized, se.Code)
	require.Contains(t, se.Error(), "expired")

	_, err = c.Members(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = c.Groups(ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestClient_NoCredential(t *testing.T) {
	c, err := New("http://127.0.0.1:1", credential.Static(""), nil, time.Second, nil)
	require.NoError(t, err)
	_, err = c.Groups(context.Background())
	require.ErrorIs(t, err, errs.ErrNoCredential)
}
