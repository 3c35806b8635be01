package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"duet/internal/api"
	"duet/internal/client"
	"duet/internal/logger"
	"duet/internal/models"
	"duet/internal/view"

	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	adminAddr := "127.0.0.1:18888"
	apiAddr := "127.0.0.1:18887"
	baseURL := "http://" + apiAddr

	t.Setenv("DUET_DB", filepath.Join(dir, "integration.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, nil) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/health", adminAddr), 50)
	waitForServer(t, baseURL+"/health", 50)

	alice := addUser(t, adminAddr, "Alice")
	bob := addUser(t, adminAddr, "Bob")

	aliceAPI := client.New(baseURL, alice.Token, nil)
	bobAPI := client.New(baseURL, bob.Token, nil)

	// Alice runs a full view controller fed by her event socket.
	ctrl := view.NewController(alice.User.ID, aliceAPI, logger.NewNop())
	require.NoError(t, ctrl.Refresh(ctx))
	require.Len(t, ctrl.Conversations(), 1)
	require.Equal(t, 0, ctrl.UnreadChatCount())

	aliceEvents := make(chan models.Event, 64)
	go func() {
		_ = aliceAPI.Stream(ctx, func(ev models.Event) {
			_ = ctrl.Handle(ctx, ev)
			aliceEvents <- ev
		})
	}()
	bobEvents := make(chan models.Event, 64)
	go func() {
		_ = bobAPI.Stream(ctx, func(ev models.Event) { bobEvents <- ev })
	}()
	waitForEvent(t, aliceEvents, models.EventOnlineUsers)
	waitForEvent(t, bobEvents, models.EventOnlineUsers)

	// Step 1: Bob writes while Alice looks at the sidebar only.
	first, err := bobAPI.Send(ctx, alice.User.ID, models.SendRequest{Text: "hi"})
	require.NoError(t, err)
	waitForEvent(t, aliceEvents, models.EventNewMessage)
	require.Equal(t, 1, ctrl.UnreadChatCount())
	require.Equal(t, "hi", ctrl.Conversations()[0].LastMessage.Text)

	// Step 2: opening the conversation reads it and tells Bob.
	require.NoError(t, ctrl.Open(ctx, bob.User.ID))
	require.Equal(t, view.PhaseReady, ctrl.Phase())
	require.Equal(t, 0, ctrl.UnreadChatCount())

	receipt := waitForEvent(t, bobEvents, models.EventMessagesRead)
	require.Equal(t, alice.User.ID, receipt.Read.ReceiverID)
	require.Equal(t, first.Seq, receipt.Read.LastSeq)

	// Step 3: a message landing in the open conversation is read right away.
	second, err := bobAPI.Send(ctx, alice.User.ID, models.SendRequest{Text: "still there?"})
	require.NoError(t, err)
	receipt = waitForEvent(t, bobEvents, models.EventMessagesRead)
	require.Equal(t, []string{second.ID}, receipt.Read.MessageIDs)

	require.Eventually(t, func() bool {
		thread, err := ctrl.Thread()
		return err == nil && len(thread.Messages) == 2 && len(thread.Unread(alice.User.ID)) == 0
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, 0, ctrl.UnreadChatCount())

	// Step 4: the server agrees with the local view.
	list, err := aliceAPI.ListCounterparts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, list[0].UnreadCount)
	require.Equal(t, second.ID, list[0].LastMessage.ID)
	require.Equal(t, second.ID, ctrl.Conversations()[0].LastMessage.ID)

	// Step 5: sessions.
	_, err = bobAPI.Me(ctx)
	require.NoError(t, err)
	_, err = client.New(baseURL, "bad-token", nil).Me(ctx)
	require.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func addUser(t *testing.T, adminAddr, name string) api.TokenResponse {
	t.Helper()
	body, err := json.Marshal(api.AddUserRequest{FullName: name})
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out api.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitForEvent(t *testing.T, ch <-chan models.Event, typ models.EventType) models.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return models.Event{}
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
