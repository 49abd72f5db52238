package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandle struct {
	closed atomic.Int32
}

func (h *fakeHandle) NewPage(ctx context.Context) (*rod.Page, error) {
	return nil, errors.New("no pages in tests")
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeHandle
	delay    time.Duration
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context) (Handle, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{}
	l.mu.Lock()
	l.launched = append(l.launched, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func TestGetCreatesOncePerUser(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, zap.NewNop(), Options{})

	first, err := m.Get(context.Background(), "d1234567")
	require.NoError(t, err)
	second, err := m.Get(context.Background(), "d1234567")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, launcher.count())
	assert.True(t, m.Has("d1234567"))
	assert.Equal(t, 1, m.Len())
}

func TestGetCoalescesConcurrentLaunches(t *testing.T) {
	launcher := &fakeLauncher{delay: 50 * time.Millisecond}
	m := NewManager(launcher, zap.NewNop(), Options{})

	var wg sync.WaitGroup
	results := make([]*Session, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Get(context.Background(), "d1234567")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.count())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestGetSeparatesUsers(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, zap.NewNop(), Options{})

	a, err := m.Get(context.Background(), "a")
	require.NoError(t, err)
	b, err := m.Get(context.Background(), "b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, m.Len())
}

func TestGetLaunchError(t *testing.T) {
	m := NewManager(&fakeLauncher{err: errors.New("boom")}, zap.NewNop(), Options{})

	_, err := m.Get(context.Background(), "a")
	require.Error(t, err)
	assert.False(t, m.Has("a"))
}

func TestLookupDoesNotCreate(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, zap.NewNop(), Options{})

	_, ok := m.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, launcher.count())
}

func TestClose(t *testing.T) {
	launcher := &fakeLauncher{}
	var counts []int
	m := NewManager(launcher, zap.NewNop(), Options{OnChange: func(n int) { counts = append(counts, n) }})

	_, err := m.Get(context.Background(), "a")
	require.NoError(t, err)

	existed, err := m.Close("a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, m.Has("a"))
	assert.Equal(t, int32(1), launcher.launched[0].closed.Load())

	existed, err = m.Close("a")
	require.NoError(t, err)
	assert.False(t, existed)

	assert.Equal(t, []int{1, 0}, counts)
}

func TestCloseAll(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, zap.NewNop(), Options{})

	for _, user := range []string{"a", "b", "c"} {
		_, err := m.Get(context.Background(), user)
		require.NoError(t, err)
	}

	require.NoError(t, m.CloseAll())
	assert.Equal(t, 0, m.Len())
	for _, h := range launcher.launched {
		assert.Equal(t, int32(1), h.closed.Load())
	}

	_, err := m.Get(context.Background(), "d")
	assert.ErrorIs(t, err, ErrManagerClosed)
	require.NoError(t, m.CloseAll())
}

func TestReapIdle(t *testing.T) {
	launcher := &fakeLauncher{}
	m := NewManager(launcher, zap.NewNop(), Options{IdleTTL: time.Minute, ReapInterval: time.Hour})
	defer m.CloseAll()

	_, err := m.Get(context.Background(), "idle")
	require.NoError(t, err)
	busy, err := m.Get(context.Background(), "busy")
	require.NoError(t, err)
	_, err = m.Get(context.Background(), "stale")
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)

	busy.Lock()
	reaped := m.reapIdle(later)
	busy.Unlock()

	assert.Equal(t, 2, reaped)
	assert.False(t, m.Has("idle"))
	assert.False(t, m.Has("stale"))
	assert.True(t, m.Has("busy"))
}

func TestSessionLockTouches(t *testing.T) {
	s := NewSession("a", &fakeHandle{})
	before := s.LastUsed()

	time.Sleep(5 * time.Millisecond)
	s.Lock()
	s.Unlock()

	assert.True(t, s.LastUsed().After(before))
}
