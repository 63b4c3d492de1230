package realtime

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/stretchr/testify/mock"
)

// MockMessageStore mocks the MessageStore interface
type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) PersistMessage(ctx context.Context, conversationID, userID string, role domain.MessageRole, content string) (*domain.Message, error) {
	args := m.Called(ctx, conversationID, userID, role, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

// MockRateLimiter mocks the RateLimiter interface
type MockRateLimiter struct {
	mock.Mock
}

func (m *MockRateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Int(1), args.Get(2).(time.Time), args.Error(3)
}

// recorder is a Member that keeps every event it is sent
type recorder struct {
	id string

	mu     sync.Mutex
	events []Outbound
	gone   bool
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(ev Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = true
}

func (r *recorder) named(event string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) all() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outbound(nil), r.events...)
}

// fakeStreamer replays fixed fragments, then fails with err if set
type fakeStreamer struct {
	chunks   []string
	err      error
	startErr error
	// block, when set, holds each fragment until it is closed
	block chan struct{}

	mu      sync.Mutex
	lastReq llm.Request
	calls   int
	closed  int
}

func (f *fakeStreamer) StreamReply(ctx context.Context, req llm.Request) (llm.Stream, error) {
	f.mu.Lock()
	f.lastReq = req
	f.calls++
	f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{ctx: ctx, owner: f, chunks: append([]string(nil), f.chunks...), err: f.err}, nil
}

func (f *fakeStreamer) request() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func (f *fakeStreamer) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeStream struct {
	ctx    context.Context
	owner  *fakeStreamer
	chunks []string
	err    error
}

func (s *fakeStream) Next() (string, error) {
	if s.owner.block != nil {
		select {
		case <-s.owner.block:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.closed++
	return nil
}
