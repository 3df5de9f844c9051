package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"quad/internal/api"
	"quad/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	// Setup temporary DB and ports
	dbFile := "integration_test.db"
	_ = os.Remove(dbFile) // cleanup before
	defer func() { _ = os.Remove(dbFile) }()

	adminAddr := "127.0.0.1:8888"
	apiAddr := ":8887"

	_ = os.Setenv("QUAD_DB", dbFile)
	_ = os.Setenv("ADMIN_ADDR", adminAddr)
	_ = os.Setenv("API_ADDR", apiAddr)
	defer func() {
		_ = os.Unsetenv("QUAD_DB")
		_ = os.Unsetenv("ADMIN_ADDR")
		_ = os.Unsetenv("API_ADDR")
	}()

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, "", ""); err != nil {
			// run returns context.Canceled on shutdown, ignore it
			if err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		}
	}()

	// Wait for server to start
	waitForServer(t, fmt.Sprintf("http://%s/admin/users", adminAddr), 20)

	client := &http.Client{}

	// Step 1: Provision two users via the admin API
	createUser := func(username, displayName string) (models.User, string) {
		reqBody, _ := json.Marshal(api.AddUserRequest{Username: username, DisplayName: displayName})
		req, err := http.NewRequest("POST", fmt.Sprintf("http://%s/admin/users", adminAddr), bytes.NewBuffer(reqBody))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var adminResp api.AddUserResponse
		err = json.NewDecoder(resp.Body).Decode(&adminResp)
		require.NoError(t, err)
		require.True(t, adminResp.Success)
		require.NotEmpty(t, adminResp.Token)
		return adminResp.User, adminResp.Token
	}

	alice, aliceToken := createUser("alice", "Alice")
	bob, bobToken := createUser("bob", "Bob")

	// Duplicate usernames are rejected with 409
	{
		reqBody, _ := json.Marshal(api.AddUserRequest{Username: "alice"})
		resp, err := client.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewBuffer(reqBody))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	}

	apiGet := func(path, token string, out any) *http.Response {
		req, err := http.NewRequest("GET", fmt.Sprintf("http://localhost%s%s", apiAddr, path), nil)
		require.NoError(t, err)
		req.Header.Set("token", token)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		if out != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp
	}

	// Step 2: Requests without a token are rejected
	{
		resp := apiGet("/api/conversations", "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Step 3: Bob opens his event stream
	wsURL := fmt.Sprintf("ws://localhost%s/api/stream?token=%s", apiAddr, bobToken)
	wsConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = wsConn.Close() }()

	readEvent := func() models.Event {
		require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var ev models.Event
		require.NoError(t, wsConn.ReadJSON(&ev))
		return ev
	}

	// The first frame is always a presence snapshot
	first := readEvent()
	require.Equal(t, models.EventPresenceSnapshot, first.Type)

	// Step 4: Alice sends a message to Bob
	sendBody, _ := json.Marshal(api.SendMessageRequest{
		ReceiverID:     bob.ID,
		Content:        "hello *bob*",
		IdempotencyKey: "it-key-1",
	})
	reqSend, err := http.NewRequest("POST", fmt.Sprintf("http://localhost%s/api/messages", apiAddr), bytes.NewBuffer(sendBody))
	require.NoError(t, err)
	reqSend.Header.Set("Content-Type", "application/json")
	reqSend.Header.Set("token", aliceToken)
	reqSend.Header.Set("Origin", fmt.Sprintf("http://localhost%s", apiAddr))

	respSend, err := client.Do(reqSend)
	require.NoError(t, err)
	defer func() { _ = respSend.Body.Close() }()
	require.Equal(t, http.StatusOK, respSend.StatusCode)

	var sent models.Message
	require.NoError(t, json.NewDecoder(respSend.Body).Decode(&sent))
	require.NotZero(t, sent.ID)
	require.Equal(t, alice.ID, sent.SenderID)
	require.False(t, sent.Read)

	// Step 5: The message and the unread signal arrive on Bob's stream.
	// Presence snapshots may interleave, skip them.
	var gotMessage, gotSignal bool
	for !gotMessage || !gotSignal {
		ev := readEvent()
		switch ev.Type {
		case models.EventNewMessage:
			require.NotNil(t, ev.Message)
			require.Equal(t, sent.ID, ev.Message.ID)
			gotMessage = true
		case models.EventUnreadSignal:
			require.NotNil(t, ev.Signal)
			require.Equal(t, alice.ID, ev.Signal.SenderID)
			require.Equal(t, 1, ev.Signal.Unread)
			require.Equal(t, "hello bob", ev.Signal.Preview)
			gotSignal = true
		case models.EventPresenceSnapshot:
		default:
			t.Fatalf("unexpected event type %q", ev.Type)
		}
	}

	// Step 6: A retried send with the same key returns the same row
	reqRetry, err := http.NewRequest("POST", fmt.Sprintf("http://localhost%s/api/messages", apiAddr), bytes.NewBuffer(sendBody))
	require.NoError(t, err)
	reqRetry.Header.Set("Content-Type", "application/json")
	reqRetry.Header.Set("token", aliceToken)

	respRetry, err := client.Do(reqRetry)
	require.NoError(t, err)
	defer func() { _ = respRetry.Body.Close() }()
	require.Equal(t, http.StatusOK, respRetry.StatusCode)

	var retried models.Message
	require.NoError(t, json.NewDecoder(respRetry.Body).Decode(&retried))
	require.Equal(t, sent.ID, retried.ID)

	// Step 7: Bob's badge and conversation list reflect the unread row
	var unread map[string]int
	resp := apiGet("/api/unread-count", bobToken, &unread)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, unread["count"])

	var conversations []models.Conversation
	resp = apiGet("/api/conversations", bobToken, &conversations)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, conversations, 1)
	require.Equal(t, alice.ID, conversations[0].CounterpartyID)
	require.Equal(t, "Alice", conversations[0].Name)
	require.True(t, conversations[0].Unread)

	// Step 8: Fetching history marks the conversation read
	var history []models.Message
	resp = apiGet(fmt.Sprintf("/api/messages/%s", alice.ID), bobToken, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	require.True(t, history[0].Read)

	resp = apiGet("/api/unread-count", bobToken, &unread)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 0, unread["count"])

	// Rendered form of the same history
	var rendered []models.Message
	resp = apiGet(fmt.Sprintf("/api/messages/%s?format=html", alice.ID), bobToken, &rendered)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rendered, 1)
	require.Contains(t, rendered[0].Content, "<em>bob</em>")

	// The badge reset shows up on the stream too
	for {
		ev := readEvent()
		if ev.Type == models.EventPresenceSnapshot {
			continue
		}
		require.Equal(t, models.EventUnreadSignal, ev.Type)
		require.Equal(t, 0, ev.Signal.Unread)
		break
	}

	// Step 9: History against an unknown counterparty is a 404
	resp = apiGet("/api/messages/nobody", bobToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Step 10: The user directory lists both users
	var users []models.User
	resp = apiGet("/api/users", aliceToken, &users)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, users, 2)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
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
