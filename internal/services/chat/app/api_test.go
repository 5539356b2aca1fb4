package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	var health healthResponse
	resp := getJSON(t, srv, "/health", &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors origin = %q", got)
	}
}

func TestRoomsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	var rooms []wireRoom
	resp := getJSON(t, srv, "/api/chat/rooms", &rooms)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(rooms) != len(storage.DefaultRooms()) {
		t.Fatalf("rooms = %d, want %d", len(rooms), len(storage.DefaultRooms()))
	}

	var hub wireRoom
	resp = getJSON(t, srv, "/api/chat/rooms/hub", &hub)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if hub.ID != "hub" || !hub.VoiceEnabled {
		t.Fatalf("hub = %+v", hub)
	}

	resp = getJSON(t, srv, "/api/chat/rooms/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, "u1", "User", ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	var seqs []int64
	for i := 1; i <= 4; i++ {
		msg, err := store.StoreMessage(ctx, "hub", "u1", fmt.Sprintf("m%d", i), "text", nil)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		seqs = append(seqs, msg.Seq)
	}

	var history []wireMessage
	resp := getJSON(t, srv, "/api/chat/history/hub?limit=2", &history)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(history) != 2 || history[0].Content != "m3" || history[1].Content != "m4" {
		t.Fatalf("history = %+v", history)
	}

	history = nil
	resp = getJSON(t, srv, fmt.Sprintf("/api/chat/history/hub?before=%d", seqs[1]), &history)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(history) != 1 || history[0].Content != "m1" {
		t.Fatalf("history before = %+v", history)
	}

	resp = getJSON(t, srv, "/api/chat/history/hub?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPostMessageEndpoint(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, "bot", "Bot", ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A connected room member receives the REST-originated broadcast.
	member := dialWS(t, srv)
	member.expectFrame(t, "connected")
	joinTestRoom(t, member, "hub", "alice")

	body, err := json.Marshal(postMessageRequest{RoomID: "hub", UserID: "bot", Content: "from rest"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/api/chat/message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stored wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Content != "from rest" || stored.UserID != "bot" {
		t.Fatalf("stored = %+v", stored)
	}

	frame := member.expectFrame(t, "message")
	var broadcast wireMessage
	decodePayload(t, frame, &broadcast)
	if broadcast.ID != stored.ID {
		t.Fatalf("broadcast id %d != stored id %d", broadcast.ID, stored.ID)
	}

	// Blank content is rejected before it reaches the store.
	blank, err := json.Marshal(postMessageRequest{RoomID: "hub", UserID: "bot", Content: "  "})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp2, err := http.Post(srv.URL+"/api/chat/message", "application/json", bytes.NewReader(blank))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() {
		_ = resp2.Body.Close()
	}()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp2.StatusCode)
	}
}

func TestOnlineEndpoint(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if _, err := store.UpsertUser(ctx, id, id, ""); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.UpdatePresence(ctx, "u1", "hub", storage.StatusOnline, "c1", storage.PresenceUpdate{}); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := store.UpdatePresence(ctx, "u2", "events", storage.StatusOnline, "c2", storage.PresenceUpdate{}); err != nil {
		t.Fatalf("presence: %v", err)
	}

	var all []wireUser
	getJSON(t, srv, "/api/presence/online", &all)
	if len(all) != 2 {
		t.Fatalf("online = %+v", all)
	}

	var hubOnly []wireUser
	getJSON(t, srv, "/api/presence/online?room=hub", &hubOnly)
	if len(hubOnly) != 1 || hubOnly[0].ID != "u1" {
		t.Fatalf("hub online = %+v", hubOnly)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, store := newTestServer(t, Config{})
	ctx := context.Background()

	if _, err := store.UpsertUser(ctx, "u1", "User", ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.StoreMessage(ctx, "hub", "u1", "hi", "text", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	var stats storage.Stats
	resp := getJSON(t, srv, "/api/stats", &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if stats.Users != 1 || stats.Messages != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
