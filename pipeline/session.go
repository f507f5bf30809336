package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

type AssetRole string

const (
	RoleGarment    AssetRole = "garment"
	RoleBackground AssetRole = "background"
	RoleModel      AssetRole = "model"
)

var roleLimits = map[AssetRole]int{
	RoleGarment:    2,
	RoleBackground: 3,
	RoleModel:      3,
}

func (r AssetRole) Valid() bool {
	_, ok := roleLimits[r]
	return ok
}

func (r AssetRole) Limit() int {
	return roleLimits[r]
}

// UploadedAsset is a locally held image. URL is set when the bytes already live remotely.
type UploadedAsset struct {
	ID       string    `json:"id"`
	Role     AssetRole `json:"role"`
	Name     string    `json:"name"`
	MimeType string    `json:"mimeType"`
	Size     int       `json:"size"`
	URL      string    `json:"url,omitempty"`
	Data     []byte    `json:"-"`
}

// Observer is notified after every accepted transition. It runs under the
// session lock and must not call back into the session.
type Observer func(sessionID string, run Run)

// Session owns the live run for one user. Only one run is live at a time;
// starting another cancels the previous run's context so its late results are dropped.
type Session struct {
	ID string

	mu       sync.Mutex
	run      Run
	ctx      context.Context
	cancel   context.CancelFunc
	assets   []UploadedAsset
	batchSeq uint64
	tokenSeq uint64
	observer Observer
}

func NewSession(id string, mode Mode) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, run: NewRun(mode, ImageTypeStudio)}
}

func (s *Session) SetObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// Snapshot returns a copy of the live run.
func (s *Session) Snapshot() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

// runContext is cancelled when the live run is replaced.
func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	return s.ctx
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Mode
}

// Replace installs a fresh run, cancelling whatever the previous one was doing.
func (s *Session) Replace(run Run) (context.Context, Run) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = ctx
	s.cancel = cancel
	s.run = run
	s.notify()
	return ctx, s.run.Clone()
}

// Apply runs a transition against the live run if runID still names it.
func (s *Session) Apply(runID string, t Transition) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.ID != runID {
		return s.run.Clone(), ErrStaleRun
	}
	return s.commit(t)
}

// ApplyBatch additionally requires batchID to be the run's current batch.
func (s *Session) ApplyBatch(runID string, batchID uint64, t Transition) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.ID != runID || s.run.BatchID != batchID {
		return s.run.Clone(), ErrStaleRun
	}
	return s.commit(t)
}

func (s *Session) commit(t Transition) (Run, error) {
	next, err := t(s.run.Clone())
	if err != nil {
		return s.run.Clone(), err
	}
	next.UpdatedAt = time.Now().UTC()
	s.run = next
	s.notify()
	return s.run.Clone(), nil
}

func (s *Session) notify() {
	if s.observer != nil {
		s.observer(s.ID, s.run.Clone())
	}
}

func (s *Session) NextBatchID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSeq++
	return s.batchSeq
}

func (s *Session) nextToken() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenSeq++
	return s.tokenSeq
}

// AddAsset stores an uploaded image, enforcing the per-role limit.
func (s *Session) AddAsset(asset UploadedAsset) (UploadedAsset, error) {
	if !asset.Role.Valid() {
		return asset, fmt.Errorf("%w: unknown image role %q", ErrInvalidInput, asset.Role)
	}
	if len(asset.Data) == 0 && asset.URL == "" {
		return asset, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.assets {
		if a.Role == asset.Role {
			count++
		}
	}
	if count >= asset.Role.Limit() {
		return asset, fmt.Errorf("%w: at most %d %s images", ErrAssetLimit, asset.Role.Limit(), asset.Role)
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.Size == 0 {
		asset.Size = len(asset.Data)
	}
	s.assets = append(s.assets, asset)
	return asset, nil
}

func (s *Session) RemoveAsset(id string) (UploadedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.assets {
		if a.ID == id {
			s.assets = append(s.assets[:i:i], s.assets[i+1:]...)
			return a, nil
		}
	}
	return UploadedAsset{}, ErrAssetNotFound
}

// Assets lists uploaded images of the given role in upload order. An empty role lists all.
func (s *Session) Assets(role AssetRole) []UploadedAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UploadedAsset, 0, len(s.assets))
	for _, a := range s.assets {
		if role == "" || a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// Close cancels any in-flight work.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SessionStore keeps sessions in memory with a sliding TTL.
type SessionStore struct {
	cache *gocache.Cache
	ttl   time.Duration
	mu    sync.Mutex
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	c := gocache.New(ttl, ttl/2)
	c.OnEvicted(func(_ string, v interface{}) {
		if session, ok := v.(*Session); ok {
			session.Close()
		}
	})
	return &SessionStore{cache: c, ttl: ttl}
}

func (store *SessionStore) Create(mode Mode) *Session {
	session := NewSession("", mode)
	store.cache.Set(session.ID, session, gocache.DefaultExpiration)
	return session
}

// Get returns the session and extends its lifetime.
func (store *SessionStore) Get(id string) (*Session, bool) {
	v, ok := store.cache.Get(id)
	if !ok {
		return nil, false
	}
	session := v.(*Session)
	store.cache.Set(id, session, gocache.DefaultExpiration)
	return session, true
}

// GetOrCreate binds a session to a caller-chosen id, such as an authenticated subject.
func (store *SessionStore) GetOrCreate(id string, mode Mode) *Session {
	store.mu.Lock()
	defer store.mu.Unlock()
	if session, ok := store.Get(id); ok {
		return session
	}
	session := NewSession(id, mode)
	store.cache.Set(id, session, gocache.DefaultExpiration)
	return session
}

func (store *SessionStore) Delete(id string) {
	// Delete triggers OnEvicted, which cancels the session's run.
	store.cache.Delete(id)
}

func (store *SessionStore) Count() int {
	return store.cache.ItemCount()
}
