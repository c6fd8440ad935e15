package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledger/internal/bank"
	"ledger/internal/reconciler"
	"ledger/internal/storage"
)

const (
	routing = "883745000"
	alice   = "1011226111"
	bob     = "1033623433"
)

func transfer(from, to string, amount int64) bank.Transaction {
	return bank.Transaction{
		RequestUUID:    uuid.NewString(),
		FromAccountNum: from,
		FromRoutingNum: routing,
		ToAccountNum:   to,
		ToRoutingNum:   routing,
		Amount:         amount,
	}
}

func deposit(to string, amount int64) bank.Transaction {
	tx := transfer("9999999999", to, amount)
	tx.FromRoutingNum = "123456789"
	return tx
}

// recorder 記錄收到的交易 ID。
type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) ProcessTransaction(_ context.Context, tx bank.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, tx.ID)
	return nil
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

// flakySource 依設定回傳錯誤，否則轉給底層 store。
type flakySource struct {
	*storage.MemoryStore
	err   atomic.Pointer[error]
	calls atomic.Int32
}

func (f *flakySource) FindSince(ctx context.Context, id int64) ([]bank.Transaction, error) {
	f.calls.Add(1)
	if p := f.err.Load(); p != nil {
		return nil, *p
	}
	return f.MemoryStore.FindSince(ctx, id)
}

func (f *flakySource) fail(err error) { f.err.Store(&err) }
func (f *flakySource) heal()          { f.err.Store(nil) }

func zero() *int64 { return new(int64) }

func TestPollDeliversInOrderAndReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, transfer(alice, bob, int64(i+1)))
		require.NoError(t, err)
	}

	rec := &recorder{}
	r := reconciler.New(s, zaptest.NewLogger(t), reconciler.Options{PollInterval: time.Hour, StartID: zero()})
	require.NoError(t, r.Start(ctx, rec))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	wm, err := r.PollTransactions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)
	assert.Equal(t, []int64{1, 2, 3}, rec.seen())

	// watermark 未變：不應再呼叫回呼
	wm2, err := r.PollTransactions(ctx, wm)
	require.NoError(t, err)
	assert.Equal(t, wm, wm2)
	assert.Len(t, rec.seen(), 3)
}

func TestPollStopsAtFailingCallback(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, transfer(alice, bob, 1))
		require.NoError(t, err)
	}
	boom := errors.New("boom")
	cb := reconciler.CallbackFunc(func(_ context.Context, tx bank.Transaction) error {
		if tx.ID == 2 {
			return boom
		}
		return nil
	})
	r := reconciler.New(s, nil, reconciler.Options{PollInterval: time.Hour, StartID: zero()})
	require.NoError(t, r.Start(ctx, cb))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	wm, err := r.PollTransactions(ctx, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), wm, "watermark stops before the failed entry")
}

func TestReaderStartsFromLatestID(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	_, err := s.Insert(ctx, deposit(alice, 10))
	require.NoError(t, err)
	_, err = s.Insert(ctx, deposit(alice, 10))
	require.NoError(t, err)

	rec := &recorder{}
	r := reconciler.New(s, zaptest.NewLogger(t), reconciler.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, r.Start(ctx, rec))
	defer r.Stop(time.Second)
	assert.Equal(t, int64(2), r.Watermark())

	id, err := s.Insert(ctx, deposit(alice, 10))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Watermark() == id }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{id}, rec.seen())
	assert.Equal(t, reconciler.Running, r.State())
}

// 經由快取端到端：寫入後 reader 套用，雙方餘額與歷史更新。
func TestReaderAppliesToCache(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	_, err := s.Insert(ctx, deposit(alice, 500))
	require.NoError(t, err)
	_, err = s.Insert(ctx, deposit(bob, 1))
	require.NoError(t, err)

	cache := bank.NewCache(s, routing, 10)
	r := reconciler.New(s, zaptest.NewLogger(t), reconciler.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, r.Start(ctx, cache))
	defer r.Stop(time.Second)

	_, err = cache.Balance(ctx, alice)
	require.NoError(t, err)
	_, err = cache.Balance(ctx, bob)
	require.NoError(t, err)

	id, err := s.Insert(ctx, transfer(alice, bob, 200))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Watermark() >= id }, time.Second, 5*time.Millisecond)

	a, _ := cache.Balance(ctx, alice)
	b, _ := cache.Balance(ctx, bob)
	assert.Equal(t, int64(300), a)
	assert.Equal(t, int64(201), b)
	ha, _ := cache.History(ctx, alice)
	hb, _ := cache.History(ctx, bob)
	assert.Equal(t, id, ha[0].ID)
	assert.Equal(t, id, hb[0].ID)
}

func TestReaderTransientFailureDegrades(t *testing.T) {
	ctx := context.Background()
	src := &flakySource{MemoryStore: storage.NewMemoryStore()}
	rec := &recorder{}
	r := reconciler.New(src, zaptest.NewLogger(t), reconciler.Options{PollInterval: 2 * time.Millisecond, MaxPollFailures: 2})
	require.NoError(t, r.Start(ctx, rec))
	defer r.Stop(time.Second)

	src.fail(bank.ErrStoreUnavailable)
	id, err := src.Insert(ctx, deposit(alice, 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.State() == reconciler.Degraded }, time.Second, 2*time.Millisecond)
	// 暫時性錯誤不計入致命門檻
	calls := src.calls.Load()
	require.Eventually(t, func() bool { return src.calls.Load() > calls+5 }, time.Second, 2*time.Millisecond)
	assert.True(t, r.IsAlive())
	assert.Equal(t, int64(0), r.Watermark())
	assert.Empty(t, rec.seen())

	src.heal()
	require.Eventually(t, func() bool { return r.Watermark() == id }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return r.State() == reconciler.Running }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []int64{id}, rec.seen())
}

// 致命錯誤：reader 終止，但快取仍回傳最後已知的值。
func TestReaderFatalFailureKeepsCacheAvailable(t *testing.T) {
	ctx := context.Background()
	src := &flakySource{MemoryStore: storage.NewMemoryStore()}
	_, err := src.Insert(ctx, deposit(alice, 700))
	require.NoError(t, err)

	cache := bank.NewCache(src.MemoryStore, routing, 10)
	r := reconciler.New(src, zaptest.NewLogger(t), reconciler.Options{PollInterval: 2 * time.Millisecond, MaxPollFailures: 3})
	require.NoError(t, r.Start(ctx, cache))
	defer r.Stop(time.Second)
	require.True(t, r.IsAlive())

	bal, err := cache.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(700), bal)

	src.fail(errors.New("password authentication failed"))
	require.Eventually(t, func() bool { return !r.IsAlive() }, time.Second, 2*time.Millisecond)
	assert.Equal(t, reconciler.Failed, r.State())

	bal, err = cache.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(700), bal)

	// 已終止的 reader 可正常 Stop
	assert.NoError(t, r.Stop(time.Second))
	assert.Equal(t, reconciler.Failed, r.State())
}

func TestReaderStartStop(t *testing.T) {
	ctx := context.Background()
	r := reconciler.New(storage.NewMemoryStore(), zaptest.NewLogger(t), reconciler.Options{PollInterval: time.Millisecond})
	assert.False(t, r.IsAlive())
	assert.Equal(t, reconciler.Stopped, r.State())
	assert.NoError(t, r.Stop(time.Second), "stop before start")

	require.NoError(t, r.Start(ctx, &recorder{}))
	assert.True(t, r.IsAlive())
	assert.Error(t, r.Start(ctx, &recorder{}), "second start")

	require.NoError(t, r.Stop(time.Second))
	assert.False(t, r.IsAlive())
	assert.Equal(t, reconciler.Stopped, r.State())

	assert.Error(t, reconciler.New(storage.NewMemoryStore(), nil, reconciler.Options{}).Start(ctx, nil))
}

func TestListenersFanOut(t *testing.T) {
	var order []string
	mk := func(name string, err error) reconciler.Callback {
		return reconciler.CallbackFunc(func(context.Context, bank.Transaction) error {
			order = append(order, name)
			return err
		})
	}
	boom := errors.New("boom")
	ls := reconciler.Listeners{mk("cache", nil), mk("metrics", boom), mk("events", nil)}
	err := ls.ProcessTransaction(context.Background(), bank.Transaction{ID: 1})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"cache", "metrics"}, order)
}

func TestReaderStopTimesOutOnBlockedCallback(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.Insert(ctx, deposit(alice, 10))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocked := reconciler.CallbackFunc(func(context.Context, bank.Transaction) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	r := reconciler.New(store, zaptest.NewLogger(t), reconciler.Options{PollInterval: time.Millisecond, StartID: zero()})
	require.NoError(t, r.Start(ctx, blocked))
	<-entered

	// callback 卡住時 Stop 只等待 timeout
	assert.Error(t, r.Stop(20*time.Millisecond))
	assert.True(t, r.IsAlive(), "loop still inside the callback")

	// callback 返回後迴圈仍會退出
	close(release)
	require.Eventually(t, func() bool { return !r.IsAlive() }, time.Second, time.Millisecond)
	assert.Equal(t, reconciler.Stopped, r.State())
	assert.NoError(t, r.Stop(time.Second))
}
