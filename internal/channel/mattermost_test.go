package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printerbot/internal/domain"

	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMattermost serves the subset of the v4 API the channel uses.
type fakeMattermost struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	posts     []map[string]any
	uploads   []string
	authToken string
	events    []string
}

func newFakeMattermost(t *testing.T) *fakeMattermost {
	t.Helper()
	f := &fakeMattermost{t: t}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/v4/users/me", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authToken = r.Header.Get("Authorization")
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"id": "bot-id", "username": "printer"})
	})
	mux.HandleFunc("/api/v4/teams/name/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/api/v4/teams/name/")
		if name != "office" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "team not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "team-id", "name": name})
	})
	mux.HandleFunc("/api/v4/files/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v4/files/")
		if id, ok := strings.CutSuffix(rest, "/info"); ok {
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": id + ".pdf", "extension": "pdf"})
			return
		}
		if rest == "missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		_, _ = w.Write([]byte("content of " + rest))
	})
	mux.HandleFunc("/api/v4/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		file, header, err := r.FormFile("files")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		body, _ := io.ReadAll(file)
		_ = file.Close()

		f.mu.Lock()
		f.uploads = append(f.uploads, r.FormValue("channel_id")+"/"+header.Filename+"="+string(body))
		id := "upload-" + header.Filename
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{
			"file_infos": []map[string]string{{"id": id, "name": header.Filename}},
		})
	})
	mux.HandleFunc("/api/v4/posts", func(w http.ResponseWriter, r *http.Request) {
		var post map[string]any
		if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, post)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"id": "reply-id"})
	})
	mux.HandleFunc("/api/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var challenge map[string]any
		if err := conn.ReadJSON(&challenge); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"status": "OK", "seq_reply": 1})

		f.mu.Lock()
		events := append([]string(nil), f.events...)
		f.mu.Unlock()
		for _, e := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(e)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func postedEvent(t *testing.T, post map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	evt, err := json.Marshal(map[string]any{
		"event": "posted",
		"data":  map[string]any{"post": string(raw), "sender_name": "@alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(evt)
}

func newTestMattermost(t *testing.T, f *fakeMattermost, allow ...string) *Mattermost {
	t.Helper()
	m, err := NewMattermost(MattermostConfig{
		URL:            f.server.URL,
		Team:           "office",
		Token:          "secret",
		AllowFrom:      allow,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type collectingHandler struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
	got  chan struct{}
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{got: make(chan struct{}, 16)}
}

func (h *collectingHandler) OnMessage(_ context.Context, msg domain.InboundMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *collectingHandler) wait(t *testing.T, n int) []domain.InboundMessage {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.InboundMessage(nil), h.msgs...)
}

func TestMattermostBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		port int
		want string
	}{
		{"https://chat.example.com", 443, "https://chat.example.com"},
		{"chat.example.com", 443, "https://chat.example.com"},
		{"https://chat.example.com", 8065, "https://chat.example.com:8065"},
		{"http://chat.example.com", 80, "http://chat.example.com"},
		{"http://chat.example.com:8065/", 443, "http://chat.example.com:8065"},
		{"https://example.com/mattermost/", 0, "https://example.com/mattermost"},
	}
	for _, tt := range tests {
		got, err := mattermostBaseURL(tt.raw, tt.port)
		if err != nil {
			t.Errorf("mattermostBaseURL(%q, %d): %v", tt.raw, tt.port, err)
			continue
		}
		if got != tt.want {
			t.Errorf("mattermostBaseURL(%q, %d) = %q, want %q", tt.raw, tt.port, got, tt.want)
		}
	}

	for _, bad := range []string{"", "ftp://chat.example.com", "https://"} {
		if _, err := mattermostBaseURL(bad, 443); err == nil {
			t.Errorf("mattermostBaseURL(%q) should fail", bad)
		}
	}
}

func TestMattermostPost_AttachmentField(t *testing.T) {
	withFiles, err := parseMattermostPost(`{"id":"p1","channel_id":"c1","user_id":"u1","message":"hi",
		"file_ids":["f1","f2"],"metadata":{"files":[
			{"id":"f1","name":"a.pdf","extension":"pdf"},
			{"id":"f2","name":"b.png","extension":"png"}]}}`)
	if err != nil {
		t.Fatal(err)
	}
	msg := withFiles.inbound()
	if len(msg.Attachments) != 2 || msg.Attachments[1].ID != "f2" || msg.Attachments[1].Extension != "png" {
		t.Errorf("attachments = %+v", msg.Attachments)
	}
	if msg.MessageID != "p1" || msg.ChatID != "c1" || msg.SenderID != "u1" || msg.Content != "hi" {
		t.Errorf("unexpected message %+v", msg)
	}

	noField, err := parseMattermostPost(`{"id":"p2","message":"scan"}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := noField.inbound(); got.HasAttachmentField() {
		t.Errorf("post without file_ids should have no attachment field, got %+v", got.Attachments)
	}

	emptyField, err := parseMattermostPost(`{"id":"p3","message":"scan","file_ids":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	got := emptyField.inbound()
	if !got.HasAttachmentField() || len(got.Attachments) != 0 {
		t.Errorf("empty file_ids should give an empty, present list, got %#v", got.Attachments)
	}

	if _, err := parseMattermostPost(""); err == nil {
		t.Error("empty post should fail to parse")
	}
}

func TestMattermost_GetFileContent(t *testing.T) {
	f := newFakeMattermost(t)
	m := newTestMattermost(t, f)

	status, body, err := m.GetFileContent(context.Background(), domain.Attachment{ID: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "content of abc" {
		t.Errorf("got %d %q", status, body)
	}

	status, _, err = m.GetFileContent(context.Background(), domain.Attachment{ID: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestMattermost_ReplyThreadsAndUploads(t *testing.T) {
	f := newFakeMattermost(t)
	m := newTestMattermost(t, f)

	path := filepath.Join(t.TempDir(), "scan.jpeg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := domain.InboundMessage{ChatID: "c1", MessageID: "p1"}
	if err := m.Reply(context.Background(), msg, "Result", []string{path}); err != nil {
		t.Fatal(err)
	}
	threaded := domain.InboundMessage{ChatID: "c1", MessageID: "p2", ThreadID: "root"}
	if err := m.Reply(context.Background(), threaded, "Printed `a.pdf`!", nil); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploads) != 1 || f.uploads[0] != "c1/scan.jpeg=jpeg" {
		t.Errorf("uploads = %v", f.uploads)
	}
	if len(f.posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(f.posts))
	}
	first := f.posts[0]
	if first["root_id"] != "p1" || first["message"] != "Result" || first["channel_id"] != "c1" {
		t.Errorf("first post = %v", first)
	}
	ids, _ := first["file_ids"].([]any)
	if len(ids) != 1 || ids[0] != "upload-scan.jpeg" {
		t.Errorf("file_ids = %v", first["file_ids"])
	}
	if f.posts[1]["root_id"] != "root" {
		t.Errorf("reply inside a thread should keep its root, got %v", f.posts[1]["root_id"])
	}
	if _, ok := f.posts[1]["file_ids"]; ok {
		t.Errorf("text-only reply should not carry file_ids")
	}
}

func TestMattermost_ReplyUploadMissingFile(t *testing.T) {
	f := newFakeMattermost(t)
	m := newTestMattermost(t, f)

	err := m.Reply(context.Background(), domain.InboundMessage{ChatID: "c1"}, "Result", []string{"/nonexistent/x.jpeg"})
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) != 0 {
		t.Errorf("no post should be created when the upload fails, got %v", f.posts)
	}
}

func TestMattermost_StartDeliversPostedEvents(t *testing.T) {
	f := newFakeMattermost(t)
	f.events = []string{
		`{"event":"hello","data":{}}`,
		postedEvent(t, map[string]any{"id": "own", "user_id": "bot-id", "channel_id": "c1", "message": "Result"}),
		postedEvent(t, map[string]any{"id": "sys", "user_id": "u1", "channel_id": "c1", "type": "system_join_channel"}),
		postedEvent(t, map[string]any{"id": "p1", "user_id": "u1", "channel_id": "c1", "message": "scan please"}),
		postedEvent(t, map[string]any{
			"id": "p2", "user_id": "u1", "channel_id": "c1", "message": "",
			"file_ids": []string{"f9"},
		}),
	}
	m := newTestMattermost(t, f)
	h := newCollectingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx, h) }()

	msgs := h.wait(t, 2)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	byID := map[string]domain.InboundMessage{}
	for _, msg := range msgs {
		byID[msg.MessageID] = msg
	}
	if _, ok := byID["own"]; ok {
		t.Error("the bot's own post must be ignored")
	}
	if _, ok := byID["sys"]; ok {
		t.Error("system posts must be ignored")
	}
	scan, ok := byID["p1"]
	if !ok || scan.Content != "scan please" || scan.HasAttachmentField() {
		t.Errorf("scan message = %+v", scan)
	}
	files, ok := byID["p2"]
	if !ok || len(files.Attachments) != 1 {
		t.Fatalf("file message = %+v", files)
	}
	if att := files.Attachments[0]; att.ID != "f9" || att.Name != "f9.pdf" || att.Extension != "pdf" {
		t.Errorf("resolved attachment = %+v", att)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authToken != "Bearer secret" {
		t.Errorf("Authorization = %q", f.authToken)
	}
}

func TestMattermost_StartFailsOnUnknownTeam(t *testing.T) {
	f := newFakeMattermost(t)
	m, err := NewMattermost(MattermostConfig{URL: f.server.URL, Team: "nope", Token: "secret", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), newCollectingHandler()); err == nil {
		t.Fatal("expected an error for an unknown team")
	}
}

func TestMattermost_AllowList(t *testing.T) {
	f := newFakeMattermost(t)
	f.events = []string{
		postedEvent(t, map[string]any{"id": "p1", "user_id": "u-stranger", "channel_id": "c1", "message": "scan"}),
	}
	m := newTestMattermost(t, f, "bob")
	h := newCollectingHandler()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := m.Start(ctx, h); err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) != 0 {
		t.Errorf("sender not in allow list was delivered: %+v", h.msgs)
	}

	// sender_name "@alice" in postedEvent matches by username.
	if !newAllowList([]string{"alice"}).allows("u-stranger", "alice") {
		t.Error("username should match the allow list")
	}
}
