package alert

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-monitor/internal/cache"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
)

// fakeChannel records what the dispatcher hands it.
type fakeChannel struct {
	name    string
	enabled bool
	accept  bool

	mu   sync.Mutex
	sent []*Formatted
}

func (f *fakeChannel) Name() string  { return f.name }
func (f *fakeChannel) Enabled() bool { return f.enabled }
func (f *fakeChannel) Send(ctx context.Context, fm *Formatted) bool {
	f.mu.Lock()
	f.sent = append(f.sent, fm)
	f.mu.Unlock()
	return f.accept
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var dispatchNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func testDispatcher(t *testing.T, channels ...Channel) (*Dispatcher, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	c := cache.NewWithClient(db)
	cfg := config.Default().Alerts

	q := NewQueue(c, time.Hour)
	th := NewThrottle(c, cfg)
	th.now = func() time.Time { return dispatchNow }

	d := NewDispatcher(cfg, q, th, c, nil, nil, channels, metrics.New())
	d.now = func() time.Time { return dispatchNow }
	return d, mock
}

func encodeAlert(t *testing.T, a *Alert) string {
	t.Helper()
	b, err := json.Marshal(a)
	require.NoError(t, err)
	return string(b)
}

func TestProcessOneDeliversAndThrottles(t *testing.T) {
	ch := &fakeChannel{name: "test", enabled: true, accept: true}
	d, mock := testDispatcher(t, ch)
	ctx := context.Background()

	a := New(TypeWhaleTrade, SeverityMedium, "m1",
		&WhaleData{TradeSize: 12000, Price: 0.41}, dispatchNow.Add(-5*time.Second))

	mock.ExpectLPop(cache.KeyAlertsPending).SetVal(encodeAlert(t, a))
	mock.ExpectGet(cache.KeyThrottleMarket("m1")).RedisNil()
	mock.ExpectGet(cache.KeyThrottleType("m1", "whale_trade")).RedisNil()
	// Slug enrichment: nothing cached, no venue, no database.
	mock.ExpectGet(cache.KeyEventSlug("m1")).RedisNil()
	// Delivery arms both throttle keys for the whale cooldown.
	stamp := strconv.FormatInt(dispatchNow.Unix(), 10)
	mock.ExpectSet(cache.KeyThrottleMarket("m1"), stamp, 60*time.Second).SetVal("OK")
	mock.ExpectSet(cache.KeyThrottleType("m1", "whale_trade"), stamp, 60*time.Second).SetVal("OK")

	d.processOne(ctx)

	require.Equal(t, 1, ch.count())
	assert.Contains(t, ch.sent[0].Body, "$12000")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOneSkipsExpiredAlert(t *testing.T) {
	ch := &fakeChannel{name: "test", enabled: true, accept: true}
	d, mock := testDispatcher(t, ch)

	old := New(TypeWhaleTrade, SeverityMedium, "m1", nil, dispatchNow.Add(-11*time.Minute))
	mock.ExpectLPop(cache.KeyAlertsPending).SetVal(encodeAlert(t, old))

	d.processOne(context.Background())

	assert.Zero(t, ch.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.met.AlertsExpired))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOneDiscardsMalformed(t *testing.T) {
	ch := &fakeChannel{name: "test", enabled: true, accept: true}
	d, mock := testDispatcher(t, ch)

	mock.ExpectLPop(cache.KeyAlertsPending).SetVal("{broken json")
	d.processOne(context.Background())

	assert.Zero(t, ch.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.met.AlertsMalformed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOneRespectsThrottle(t *testing.T) {
	ch := &fakeChannel{name: "test", enabled: true, accept: true}
	d, mock := testDispatcher(t, ch)

	a := New(TypeWhaleTrade, SeverityMedium, "m1", nil, dispatchNow.Add(-time.Second))
	mock.ExpectLPop(cache.KeyAlertsPending).SetVal(encodeAlert(t, a))
	mock.ExpectGet(cache.KeyThrottleMarket("m1")).SetVal("1787745500")
	mock.ExpectTTL(cache.KeyThrottleMarket("m1")).SetVal(40 * time.Second)

	d.processOne(context.Background())
	assert.Zero(t, ch.count())
}

func TestFanOutSkipsDisabledAndCountsAcceptance(t *testing.T) {
	accepted := &fakeChannel{name: "a", enabled: true, accept: true}
	refused := &fakeChannel{name: "b", enabled: true, accept: false}
	disabled := &fakeChannel{name: "c", enabled: false, accept: true}
	d, _ := testDispatcher(t, accepted, refused, disabled)

	f := Format(New(TypeWhaleTrade, SeverityMedium, "m1", nil, dispatchNow), "", "", "", "")
	delivered := d.fanOut(context.Background(), f)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, accepted.count())
	assert.Equal(t, 1, refused.count(), "refusing channels still get their chance")
	assert.Zero(t, disabled.count())
}

func TestCleanupTailEvictsOldAndMalformed(t *testing.T) {
	d, mock := testDispatcher(t)
	ctx := context.Background()

	stale := encodeAlert(t, New(TypeWhaleTrade, SeverityMedium, "m1", nil, dispatchNow.Add(-time.Hour)))
	fresh := encodeAlert(t, New(TypeWhaleTrade, SeverityMedium, "m2", nil, dispatchNow.Add(-time.Minute)))

	mock.ExpectLIndex(cache.KeyAlertsPending, -1).SetVal("{garbage")
	mock.ExpectRPop(cache.KeyAlertsPending).SetVal("{garbage")
	mock.ExpectLIndex(cache.KeyAlertsPending, -1).SetVal(stale)
	mock.ExpectRPop(cache.KeyAlertsPending).SetVal(stale)
	mock.ExpectLIndex(cache.KeyAlertsPending, -1).SetVal(fresh)

	evicted := d.cleanupTail(ctx, d.cfg.MaxAlertAge(), 10)
	assert.Equal(t, 2, evicted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStopIsIdempotentAndReportsState(t *testing.T) {
	d, _ := testDispatcher(t)
	assert.Equal(t, "stopped", d.State())

	d.Stop()
	d.Stop()

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, "stopped", d.State())
}
