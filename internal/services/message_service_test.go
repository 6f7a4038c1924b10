package services

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ticket-chat/internal/database"
	"ticket-chat/internal/media"
	"ticket-chat/internal/models"
	"ticket-chat/internal/notify"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func pngURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	rooms  []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, roomID string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	p.rooms = append(p.rooms, roomID)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingNotifier struct {
	mu        sync.Mutex
	envelopes []notify.Envelope
	// release, when set, holds every Publish until it is closed.
	release chan struct{}
}

func (n *recordingNotifier) Publish(ctx context.Context, env notify.Envelope) error {
	if n.release != nil {
		<-n.release
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.envelopes = append(n.envelopes, env)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.envelopes)
}

func (n *recordingNotifier) Close() error { return nil }

// staleReads never finds an existing message, as when two sessions race on
// the same id.
type staleReads struct {
	database.MessageRepository
}

func (staleReads) GetMessage(ctx context.Context, roomID, id string) (*models.ChatMessage, error) {
	return nil, database.ErrNotFound
}

// cancelAfterCreate cancels the caller's context once the message is stored.
type cancelAfterCreate struct {
	database.MessageRepository
	cancel context.CancelFunc
}

func (r cancelAfterCreate) CreateMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	stored, created, err := r.MessageRepository.CreateMessageIfAbsent(ctx, msg)
	r.cancel()
	return stored, created, err
}

// blobFiles lists the files under dir, relative to it.
func blobFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func readBlob(t *testing.T, dir, key string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	if err != nil {
		t.Fatalf("read blob %s: %v", key, err)
	}
	return data
}

// failingMessages fails every write.
type failingMessages struct {
	database.MessageRepository
}

func (failingMessages) CreateMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	return nil, false, errors.New("disk full")
}

type fixture struct {
	svc      *MessageService
	db       *database.MemoryDB
	pub      *recordingPublisher
	notifier *recordingNotifier
	mediaDir string
}

func newFixture(t *testing.T, messages database.MessageRepository) *fixture {
	t.Helper()

	db := database.NewMemoryDB()
	if messages == nil {
		messages = db
	}
	dir := t.TempDir()
	blobs, err := media.NewLocalStore(media.LocalConfig{BasePath: dir, BaseURL: "/media"})
	if err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	svc := NewMessageService(messages, blobs, pub, notifier, MessageServiceConfig{MaxImageSize: 5 << 20})
	svc.SetClock(func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) })

	return &fixture{svc: svc, db: db, pub: pub, notifier: notifier, mediaDir: dir}
}

func TestIngestTextMessage(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), "T1", owner, "m1", "  hello  ", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Duplicate || !res.Broadcast {
		t.Errorf("result = %+v", res)
	}
	if res.Message.ID != "m1" || res.Message.Content != "hello" || res.Message.UserID != "c1" || res.Message.UserRole != models.RoleClient {
		t.Errorf("message = %+v", res.Message)
	}

	if f.pub.count() != 1 {
		t.Fatalf("published %d events, want 1", f.pub.count())
	}
	ev := f.pub.events[0]
	if ev.Kind != models.EventChatDelivered || ev.Message.ID != "m1" || f.pub.rooms[0] != "T1" {
		t.Errorf("event = %+v room = %s", ev, f.pub.rooms[0])
	}
	f.svc.Wait()
	if len(f.notifier.envelopes) != 1 || f.notifier.envelopes[0].Meta.Type != notify.EventMessageCreated {
		t.Errorf("notifier got %+v", f.notifier.envelopes)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, "T1", owner, "m1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Ingest(ctx, "T1", owner, "m1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	if !second.Duplicate || second.Broadcast {
		t.Errorf("second result = %+v", second)
	}
	if second.Message.ID != first.Message.ID || !second.Message.CreatedAt.Equal(first.Message.CreatedAt) {
		t.Errorf("second message = %+v, want %+v", second.Message, first.Message)
	}
	if f.pub.count() != 1 {
		t.Errorf("published %d events, want 1", f.pub.count())
	}
	if n := f.db.MessageCount("T1"); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestIngestSameIDInOtherRoomIsDistinct(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	firstPNG := append([]byte{}, pngBytes...)
	secondPNG := append(append([]byte{}, pngBytes...), "second"...)

	first, err := f.svc.Ingest(ctx, "T1", owner, "m1", "hello", pngURI(firstPNG))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Ingest(ctx, "T2", otherOwner, "m1", "hi", pngURI(secondPNG))
	if err != nil {
		t.Fatal(err)
	}
	if second.Duplicate {
		t.Error("cross-room id treated as duplicate")
	}
	if f.pub.count() != 2 {
		t.Errorf("published %d events, want 2", f.pub.count())
	}

	if first.Message.ImageKey == second.Message.ImageKey {
		t.Fatalf("both rooms share image key %s", first.Message.ImageKey)
	}
	if !strings.HasPrefix(first.Message.ImageKey, "chat_images/2025/03/14/T1/") ||
		!strings.HasPrefix(second.Message.ImageKey, "chat_images/2025/03/14/T2/") {
		t.Errorf("keys = %s, %s", first.Message.ImageKey, second.Message.ImageKey)
	}
	if got := readBlob(t, f.mediaDir, first.Message.ImageKey); string(got) != string(firstPNG) {
		t.Error("T1 image was overwritten")
	}
	if got := readBlob(t, f.mediaDir, second.Message.ImageKey); string(got) != string(secondPNG) {
		t.Error("T2 image has the wrong payload")
	}
}

func TestIngestLostRaceKeepsWinnerImage(t *testing.T) {
	db := database.NewMemoryDB()
	f := newFixture(t, staleReads{MessageRepository: db})
	ctx := context.Background()

	winnerPNG := append([]byte{}, pngBytes...)
	loserPNG := append(append([]byte{}, pngBytes...), "loser"...)

	winner, err := f.svc.Ingest(ctx, "T1", owner, "m1", "", pngURI(winnerPNG))
	if err != nil {
		t.Fatal(err)
	}
	loser, err := f.svc.Ingest(ctx, "T1", owner, "m1", "", pngURI(loserPNG))
	if err != nil {
		t.Fatal(err)
	}

	if !loser.Duplicate || loser.Message.ImageKey != winner.Message.ImageKey {
		t.Errorf("loser = %+v, want duplicate of %s", loser, winner.Message.ImageKey)
	}
	if got := readBlob(t, f.mediaDir, winner.Message.ImageKey); string(got) != string(winnerPNG) {
		t.Error("winner image was overwritten by the losing upload")
	}
	if files := blobFiles(t, f.mediaDir); len(files) != 1 {
		t.Errorf("blobs = %v, want only the winner's", files)
	}
}

func TestIngestBroadcastsAfterSessionCancel(t *testing.T) {
	db := database.NewMemoryDB()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, cancelAfterCreate{MessageRepository: db, cancel: cancel})

	res, err := f.svc.Ingest(ctx, "T1", owner, "m1", "hello", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Broadcast || f.pub.count() != 1 {
		t.Errorf("broadcast = %v, published %d events, want 1", res.Broadcast, f.pub.count())
	}
}

func TestIngestDoesNotWaitForNotifier(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ingest(context.Background(), "T1", owner, "m1", "hello", "")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ingest blocked on the notifier")
	}
	if n := f.notifier.count(); n != 0 {
		t.Fatalf("notified %d times before release", n)
	}

	close(f.notifier.release)
	f.svc.Wait()
	if n := f.notifier.count(); n != 1 {
		t.Errorf("notified %d times, want 1", n)
	}
}

func TestIngestGeneratesID(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), "T1", owner, "", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Message.ID == "" {
		t.Error("no id assigned")
	}
}

func TestIngestImage(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), "T1", assigned, "img-1", "", pngURI(pngBytes))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	wantKey := res.Message.ImageKey
	if !strings.HasPrefix(wantKey, "chat_images/2025/03/14/T1/") || !strings.HasSuffix(wantKey, ".png") {
		t.Errorf("image key = %s", wantKey)
	}
	if res.Message.ImageURL != "/media/"+wantKey {
		t.Errorf("image url = %s", res.Message.ImageURL)
	}
	if _, err := os.Stat(filepath.Join(f.mediaDir, filepath.FromSlash(wantKey))); err != nil {
		t.Errorf("blob not stored: %v", err)
	}
	if got := f.pub.events[0].Message.ImageURL; got != res.Message.ImageURL {
		t.Errorf("broadcast image url = %s", got)
	}

	// History resolves the URL from the stored key.
	recent, err := f.svc.ListRecent(context.Background(), "T1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ImageURL != res.Message.ImageURL {
		t.Errorf("recent = %+v", recent)
	}
}

func TestIngestRejects(t *testing.T) {
	oversized := make([]byte, 6<<20)
	copy(oversized, pngBytes)

	tests := []struct {
		name     string
		clientID string
		text     string
		image    string
		want     error
	}{
		{"empty", "m1", "", "", ErrEmptyMessage},
		{"whitespace only", "m1", " \n\t ", "", ErrEmptyMessage},
		{"oversized image", "m1", "", pngURI(oversized), ErrImageTooLarge},
		{"malformed image", "m1", "", "data:image/png;base64,%%%", ErrInvalidImage},
		{"bad id characters", "m 1", "hello", "", ErrInvalidMessageID},
		{"id too long", strings.Repeat("a", 65), "hello", "", ErrInvalidMessageID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			_, err := f.svc.Ingest(context.Background(), "T1", owner, tt.clientID, tt.text, tt.image)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if f.pub.count() != 0 {
				t.Errorf("published %d events, want 0", f.pub.count())
			}
			if n := f.db.MessageCount("T1"); n != 0 {
				t.Errorf("stored %d messages, want 0", n)
			}
		})
	}
}

func TestIngestPersistenceFailure(t *testing.T) {
	db := database.NewMemoryDB()
	f := newFixture(t, failingMessages{MessageRepository: db})

	_, err := f.svc.Ingest(context.Background(), "T1", owner, "m1", "", pngURI(pngBytes))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if f.pub.count() != 0 {
		t.Errorf("published %d events, want 0", f.pub.count())
	}
	f.svc.Wait()
	if n := f.notifier.count(); n != 0 {
		t.Errorf("notified %d times, want 0", n)
	}

	// The uploaded blob is removed again.
	if files := blobFiles(t, f.mediaDir); len(files) != 0 {
		t.Errorf("orphaned blobs left behind: %v", files)
	}
}

func TestIngestBroadcastFailureStillStores(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.err = errors.New("redis down")

	res, err := f.svc.Ingest(context.Background(), "T1", owner, "m1", "hello", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Broadcast {
		t.Error("Broadcast set although publish failed")
	}
	if n := f.db.MessageCount("T1"); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}
