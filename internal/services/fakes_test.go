package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// ----- DB -----

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

// ----- Fake messenger -----

type forwardCall struct {
	Dest, Src int64
	MessageID int
	At        time.Time
}

type deleteCall struct {
	ChatID    int64
	MessageID int
}

type fakeMessenger struct {
	mu sync.Mutex

	nextID   int
	forwards []forwardCall
	deletes  []deleteCall
	notes    map[int64][]string

	// forwardErr fails forwards of the given source message id.
	forwardErr map[int]error
	// blockForward makes forwards of the given source id wait for ctx.
	blockForward map[int]bool
	// deleteResults is consumed one entry per Delete call; when empty the
	// call succeeds with Deleted.
	deleteResults []deleteResp
}

type deleteResp struct {
	res DeleteResult
	err error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		nextID:       1000,
		notes:        map[int64][]string{},
		forwardErr:   map[int]error{},
		blockForward: map[int]bool{},
	}
}

func (f *fakeMessenger) Forward(ctx context.Context, dest, src int64, msgID int) (int, error) {
	f.mu.Lock()
	block := f.blockForward[msgID]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return 0, fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, forwardCall{Dest: dest, Src: src, MessageID: msgID, At: time.Now()})
	if err := f.forwardErr[msgID]; err != nil {
		return 0, err
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeMessenger) Delete(ctx context.Context, chatID int64, msgID int) (DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{ChatID: chatID, MessageID: msgID})
	if len(f.deleteResults) == 0 {
		return Deleted, nil
	}
	r := f.deleteResults[0]
	f.deleteResults = f.deleteResults[1:]
	return r.res, r.err
}

func (f *fakeMessenger) Notify(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[chatID] = append(f.notes[chatID], text)
	return nil
}

func (f *fakeMessenger) forwardCalls() []forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwardCall(nil), f.forwards...)
}

func (f *fakeMessenger) deleteCalls() []deleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deleteCall(nil), f.deletes...)
}

// ----- Fake tokens / stores -----

type seqTokens struct {
	mu sync.Mutex
	n  int
}

func (s *seqTokens) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("tok%013d", s.n), nil
}

type errTokens struct{ err error }

func (e errTokens) Generate() (string, error) { return "", e.err }

// failingLinkStore rejects every Put.
type failingLinkStore struct {
	err  error
	puts int
}

func (s *failingLinkStore) Put(ctx context.Context, l domain.Link) error {
	s.puts++
	return s.err
}

func (s *failingLinkStore) Get(ctx context.Context, token string) (domain.Link, error) {
	return domain.Link{}, ErrLinkNotFound
}

func (s *failingLinkStore) Delete(ctx context.Context, token string) error {
	return ErrLinkNotFound
}

// countingLinkStore records Get calls that reach the backing store.
type countingLinkStore struct {
	LinkStore
	gets int
}

func (s *countingLinkStore) Get(ctx context.Context, token string) (domain.Link, error) {
	s.gets++
	return s.LinkStore.Get(ctx, token)
}

// gatedLinkStore holds its first Get after the read until release is
// closed, so a revocation can land between the read and the cache fill.
type gatedLinkStore struct {
	LinkStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newGatedLinkStore(next LinkStore) *gatedLinkStore {
	return &gatedLinkStore{LinkStore: next, read: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedLinkStore) Get(ctx context.Context, token string) (domain.Link, error) {
	l, err := s.LinkStore.Get(ctx, token)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return l, err
}

// fakeRegistrar records registrations and can fail them.
type fakeRegistrar struct {
	mu    sync.Mutex
	calls []deleteCall
	err   error
	// failFirst fails this many calls with errBoom before err applies.
	failFirst int
}

func (r *fakeRegistrar) Register(ctx context.Context, chatID int64, messageID int, retention time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deleteCall{ChatID: chatID, MessageID: messageID})
	if len(r.calls) <= r.failFirst {
		return errBoom
	}
	return r.err
}

var errBoom = errors.New("boom")

// fixedClock returns a settable clock.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
