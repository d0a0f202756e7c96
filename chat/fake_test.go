package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/ratelimit"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

var errStorage = errors.New("disk full")

type memStore struct {
	mu     sync.Mutex
	nextID int64
	msgs   []Message
	fail   bool
}

func (s *memStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return Message{}, errStorage
	}
	s.nextID++
	m.ID = s.nextID
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) History(ctx context.Context, sessionID string, q HistoryQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errStorage
	}
	var matched []Message
	for _, m := range s.matching(sessionID, q.ExcludeSystem) {
		if q.BeforeID > 0 && m.ID >= q.BeforeID {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

func (s *memStore) CountBefore(ctx context.Context, sessionID string, beforeID int64, excludeSystem bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.matching(sessionID, excludeSystem) {
		if m.ID < beforeID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) matching(sessionID string, excludeSystem bool) []Message {
	var out []Message
	for _, m := range s.msgs {
		if m.SessionID != sessionID {
			continue
		}
		if excludeSystem && m.Sender == SenderSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *memStore) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStorage
	}
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memStore) DeleteSystemMessages(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Message
	var n int64
	for _, m := range s.msgs {
		if m.SessionID == sessionID && m.Sender == SenderSystem {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return n, nil
}

func (s *memStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStorage
	}
	var kept []Message
	for _, m := range s.msgs {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	s.msgs = kept
	return nil
}

func (s *memStore) all() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

type memSessions struct {
	mu   sync.Mutex
	data map[string]session.Metadata
}

func (s *memSessions) List(ctx context.Context) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Session
	for id, meta := range s.data {
		out = append(out, session.Session{ID: id, Metadata: meta})
	}
	return out, nil
}

func (s *memSessions) Get(ctx context.Context, id string) (session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.data[id]
	return session.Session{ID: id, Metadata: meta}, ok, nil
}

func (s *memSessions) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]session.Metadata)
	}
	if _, ok := s.data[id]; !ok {
		s.data[id] = session.Metadata{}
	}
	return nil
}

func (s *memSessions) SaveMetadata(ctx context.Context, id string, meta session.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]session.Metadata)
	}
	s.data[id] = meta
	return nil
}

func (s *memSessions) MergeMetadata(ctx context.Context, id string, patch session.Metadata) (session.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]session.Metadata)
	}
	merged := session.Metadata{}
	for k, v := range s.data[id] {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	s.data[id] = merged
	return merged, nil
}

type settingsPersister struct{}

func (settingsPersister) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	return settings.Settings{}, false, nil
}

func (settingsPersister) SaveSettings(ctx context.Context, s settings.Settings) error { return nil }

type delivery struct {
	sessionID string
	meta      session.Metadata
	text      string
}

type recordingWebhook struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (w *recordingWebhook) Deliver(sessionID string, meta session.Metadata, text string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliveries = append(w.deliveries, delivery{sessionID, meta, text})
}

type testEnv struct {
	router   *Router
	store    *memStore
	sessions *memSessions
	conns    *hub.Registry
	settings *settings.Store
	webhook  *recordingWebhook
}

func newTestEnv(t interface{ Fatal(...any) }) *testEnv {
	st, err := settings.NewStore(context.Background(), settingsPersister{})
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(func() ratelimit.Limits {
		s := st.Get()
		return ratelimit.Limits{MaxMessagesPerMinute: s.MaxMessagesPerMinute, MaxMessageLength: s.MaxMessageLength}
	})

	env := &testEnv{
		store:    &memStore{},
		sessions: &memSessions{},
		conns:    hub.NewRegistry(),
		settings: st,
		webhook:  &recordingWebhook{},
	}
	env.router = NewRouter(env.store, env.sessions, env.conns, limiter, st, env.webhook)
	env.router.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return env
}
