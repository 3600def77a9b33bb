package attachment

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"printerbot/internal/domain"

	"github.com/spf13/afero"
)

type fileResponse struct {
	status int
	body   string
	err    error
}

type fakeClient struct {
	responses map[string]fileResponse
	calls     []string
}

func (c *fakeClient) GetFileContent(ctx context.Context, att domain.Attachment) (int, []byte, error) {
	c.calls = append(c.calls, att.ID)
	resp, ok := c.responses[att.ID]
	if !ok {
		return http.StatusNotFound, []byte("not found"), nil
	}
	return resp.status, []byte(resp.body), resp.err
}

func (c *fakeClient) Reply(ctx context.Context, msg domain.InboundMessage, text string, filePaths []string) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestFetcher(client *fakeClient, fs afero.Fs) *Fetcher {
	return NewFetcher(FetcherConfig{
		CacheRoot: "/cache",
		Client:    client,
		Fs:        fs,
		Logger:    testLogger(),
	})
}

func TestFetch_NoAttachmentField_ReturnsNil(t *testing.T) {
	client := &fakeClient{}
	f := newTestFetcher(client, afero.NewMemMapFs())

	files, err := f.Fetch(context.Background(), domain.InboundMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if files != nil {
		t.Errorf("expected nil, got %v", files)
	}
	if len(client.calls) != 0 {
		t.Errorf("expected no network calls, got %v", client.calls)
	}
}

func TestFetch_EmptyAttachmentList_ReturnsEmpty(t *testing.T) {
	f := newTestFetcher(&fakeClient{}, afero.NewMemMapFs())

	files, err := f.Fetch(context.Background(), domain.InboundMessage{Attachments: []domain.Attachment{}})
	if err != nil {
		t.Fatal(err)
	}
	if files == nil || len(files) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", files)
	}
}

func TestFetch_WritesFileVerbatim(t *testing.T) {
	fs := afero.NewMemMapFs()
	body := "X\x00\xffbinary"
	client := &fakeClient{responses: map[string]fileResponse{
		"abc123": {status: http.StatusOK, body: body},
	}}
	f := newTestFetcher(client, fs)

	msg := domain.InboundMessage{Attachments: []domain.Attachment{
		{ID: "abc123", Name: "Photo.PNG", Extension: "png"},
	}}
	files, err := f.Fetch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join("/cache", "print", "abc123.png")
	if len(files) != 1 || files[0].Path != want || files[0].Name != "Photo.PNG" {
		t.Fatalf("unexpected files: %#v", files)
	}
	data, err := afero.ReadFile(fs, want)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestFetch_SecondFetchIsCacheHit(t *testing.T) {
	client := &fakeClient{responses: map[string]fileResponse{
		"abc123": {status: http.StatusOK, body: "X"},
	}}
	f := newTestFetcher(client, afero.NewMemMapFs())
	msg := domain.InboundMessage{Attachments: []domain.Attachment{
		{ID: "abc123", Name: "Photo.PNG", Extension: "png"},
	}}

	first, err := f.Fetch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.Fetch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}

	if len(client.calls) != 1 {
		t.Errorf("expected exactly one network call, got %d", len(client.calls))
	}
	if first[0].Path != second[0].Path {
		t.Errorf("paths differ: %q vs %q", first[0].Path, second[0].Path)
	}
}

func TestFetch_CacheHitDoesNotCheckContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	client := &fakeClient{}
	f := newTestFetcher(client, fs)
	att := domain.Attachment{ID: "stale", Name: "a.pdf", Extension: "pdf"}
	if err := afero.WriteFile(fs, f.Path(att), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := f.Fetch(context.Background(), domain.InboundMessage{Attachments: []domain.Attachment{att}})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || len(client.calls) != 0 {
		t.Errorf("expected cache hit without download, files=%v calls=%v", files, client.calls)
	}
}

func TestFetch_EmptyExtensionHitsDottedCacheFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	client := &fakeClient{}
	f := newTestFetcher(client, fs)
	if err := afero.WriteFile(fs, filepath.Join("/cache", "print", "readme."), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := f.Fetch(context.Background(), domain.InboundMessage{Attachments: []domain.Attachment{
		{ID: "README", Name: "README"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != 0 {
		t.Errorf("expected cache hit, downloaded %v", client.calls)
	}
	if len(files) != 1 || files[0].Path != filepath.Join("/cache", "print", "readme.") {
		t.Errorf("files = %+v", files)
	}
}

func TestFetch_NonOKStatusAbortsRemaining(t *testing.T) {
	fs := afero.NewMemMapFs()
	client := &fakeClient{responses: map[string]fileResponse{
		"one":   {status: http.StatusOK, body: "1"},
		"two":   {status: http.StatusForbidden, body: "permission denied"},
		"three": {status: http.StatusOK, body: "3"},
	}}
	f := newTestFetcher(client, fs)
	msg := domain.InboundMessage{Attachments: []domain.Attachment{
		{ID: "one", Name: "one.txt", Extension: "txt"},
		{ID: "two", Name: "two.txt", Extension: "txt"},
		{ID: "three", Name: "three.txt", Extension: "txt"},
	}}

	files, err := f.Fetch(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error")
	}
	if files != nil {
		t.Errorf("expected no files on failure, got %v", files)
	}

	var rerr *RetrievalError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RetrievalError, got %T", err)
	}
	if rerr.Status != http.StatusForbidden || rerr.Name != "two.txt" {
		t.Errorf("unexpected error fields: %+v", rerr)
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error should carry status and body: %v", err)
	}

	if strings.Join(client.calls, ",") != "one,two" {
		t.Errorf("third descriptor must not be fetched, calls=%v", client.calls)
	}
	if ok, _ := afero.Exists(fs, f.Path(msg.Attachments[0])); !ok {
		t.Error("first file should remain cached")
	}
	if ok, _ := afero.Exists(fs, f.Path(msg.Attachments[2])); ok {
		t.Error("third file must not exist")
	}
}

func TestFetch_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	client := &fakeClient{responses: map[string]fileResponse{
		"a": {err: boom},
	}}
	f := newTestFetcher(client, afero.NewMemMapFs())

	_, err := f.Fetch(context.Background(), domain.InboundMessage{Attachments: []domain.Attachment{
		{ID: "a", Name: "a.png", Extension: "png"},
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestFetch_PreservesOrderWithCacheHits(t *testing.T) {
	fs := afero.NewMemMapFs()
	client := &fakeClient{responses: map[string]fileResponse{
		"b": {status: http.StatusOK, body: "b"},
	}}
	f := newTestFetcher(client, fs)
	cached := domain.Attachment{ID: "a", Name: "A", Extension: "jpg"}
	if err := afero.WriteFile(fs, f.Path(cached), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := f.Fetch(context.Background(), domain.InboundMessage{Attachments: []domain.Attachment{
		cached,
		{ID: "b", Name: "B", Extension: "jpg"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Name != "A" || files[1].Name != "B" {
		t.Errorf("unexpected order: %v", files)
	}
}

func TestPath_SlugifiesIdentifier(t *testing.T) {
	f := newTestFetcher(&fakeClient{}, afero.NewMemMapFs())
	cases := []struct {
		att  domain.Attachment
		want string
	}{
		{domain.Attachment{ID: "ABC 123", Extension: "png"}, "/cache/print/abc-123.png"},
		{domain.Attachment{ID: "Élan", Extension: "pdf"}, "/cache/print/elan.pdf"},
		{domain.Attachment{ID: "noext"}, "/cache/print/noext."},
		{domain.Attachment{ID: "evil", Extension: "../../etc"}, "/cache/print/evil.etc"},
	}
	for _, tc := range cases {
		if got := f.Path(tc.att); got != filepath.FromSlash(tc.want) {
			t.Errorf("Path(%+v) = %q, want %q", tc.att, got, tc.want)
		}
	}
}
