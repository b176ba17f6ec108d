package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/seqguard/pkg/cache"
	"github.com/hed1ad/seqguard/pkg/config"
	"github.com/hed1ad/seqguard/pkg/detectors"
	"github.com/hed1ad/seqguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/seqguard/pkg/detectors/keystroke"
	"github.com/hed1ad/seqguard/pkg/inference"
)

var movementConfig = config.Model{
	SequenceLength:   2,
	WindowSize:       3,
	NumFeatures:      6,
	AnomalyThreshold: 0.1,
	ScalerMin:        []float64{0, 0, 0, 0, 0, 0},
	ScalerScale:      []float64{1, 1, 1, 1, 1, 1},
}

var typingConfig = config.Keystroke{
	SequenceLength:   3,
	AnomalyThreshold: 0.1,
	LatencyScale:     1000,
}

// zeros reconstructs every sequence as all zeros.
var zeros = inference.EngineFunc(func(in *inference.Tensor) (*inference.Tensor, error) {
	return inference.NewTensor(in.Shape()), nil
})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]cache.Status
	err   error
}

func (m *memStore) Save(ctx context.Context, s cache.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string]cache.Status)
	}
	m.saved[s.Channel] = s
	return nil
}

func (m *memStore) Get(ctx context.Context, channel string) (cache.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[channel]
	if !ok {
		return cache.Status{}, cache.ErrNotFound
	}
	return s, nil
}

func (m *memStore) Ping(ctx context.Context) error {
	return m.err
}

func newMonitor(t *testing.T, movementEngine, typingEngine inference.Engine, opts ...MonitorOption) *Monitor {
	t.Helper()
	ctx := context.Background()

	movement := autoencoder.New(autoencoder.WithLogger(quietLogger()))
	require.NoError(t, movement.Initialize(ctx, config.Value(movementConfig), inference.Static(movementEngine)))

	typing := keystroke.New(keystroke.WithLogger(quietLogger()))
	require.NoError(t, typing.Initialize(ctx, config.Value(typingConfig), inference.Static(typingEngine)))

	opts = append([]MonitorOption{WithMonitorLogger(quietLogger()), WithSession("test-session")}, opts...)
	return NewMonitor(movement, typing, opts...)
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestInitialStatus(t *testing.T) {
	m := newMonitor(t, inference.Echo{}, inference.Echo{})
	assert.Equal(t, "Movement: Normal\nTyping: Pending...", m.Text())
	assert.Equal(t, "test-session", m.Session())

	all := m.Status()
	require.Len(t, all, 2)
	assert.Equal(t, "initialized", all[0].State)
	assert.Equal(t, 0.1, all[0].Threshold)
}

func TestUnavailableDetectors(t *testing.T) {
	failed := autoencoder.New(autoencoder.WithLogger(quietLogger()))
	require.Error(t, failed.Initialize(context.Background(), config.Value(map[string]any{}), inference.Static(inference.Echo{})))

	m := NewMonitor(failed, nil, WithMonitorLogger(quietLogger()))
	assert.Equal(t, "Movement: Unavailable\nTyping: Unavailable", m.Text())
	assert.NotEmpty(t, m.Session())

	_, ok := m.Reading(context.Background(), []float64{1, 2, 3})
	assert.False(t, ok)
	_, ok = m.KeyPress(context.Background(), time.Now())
	assert.False(t, ok)
}

func TestReadings(t *testing.T) {
	store := &memStore{}
	m := newMonitor(t, zeros, inference.Echo{}, WithStore(store))
	h := NewHandler(m, WithLogger(quietLogger())).Router()

	for i := 0; i < 3; i++ {
		rec := post(t, h, "/v1/readings", ReadingRequest{Values: []float64{1, 1, 1}})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[UpdateResponse](t, rec)
		assert.False(t, resp.Scored)
		assert.Equal(t, MovementNormal, resp.Status.Text)
	}

	rec := post(t, h, "/v1/readings", ReadingRequest{Values: []float64{1, 1, 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[UpdateResponse](t, rec)
	require.True(t, resp.Scored)
	assert.Equal(t, MovementAnomaly, resp.Status.Text)
	assert.True(t, resp.Status.IsAnomaly)
	// means of 1, stds of 0, reconstructed as zeros
	assert.InDelta(t, 0.5, resp.Status.ErrorScore, 1e-9)
	assert.Equal(t, "test-session", resp.Status.Session)

	saved, err := store.Get(context.Background(), Movement)
	require.NoError(t, err)
	assert.Equal(t, MovementAnomaly, saved.Text)
}

func TestReadingErrors(t *testing.T) {
	h := NewHandler(newMonitor(t, inference.Echo{}, inference.Echo{}), WithLogger(quietLogger())).Router()

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "malformed", body: `{"values":`, code: http.StatusBadRequest},
		{name: "empty", body: `{"values":[]}`, code: http.StatusBadRequest},
		{name: "wrong dimension", body: `{"values":[1,2]}`, code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/readings", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readings", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestKeystrokes(t *testing.T) {
	m := newMonitor(t, inference.Echo{}, inference.Echo{})
	h := NewHandler(m, WithLogger(quietLogger())).Router()

	t0 := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	var resp UpdateResponse
	for i, ms := range []int{0, 180, 390, 560} {
		rec := post(t, h, "/v1/keystrokes", KeystrokeRequest{PressedAt: t0.Add(time.Duration(ms) * time.Millisecond)})
		require.Equal(t, http.StatusOK, rec.Code)
		resp = decode[UpdateResponse](t, rec)
		if i < 3 {
			assert.False(t, resp.Scored)
			assert.Equal(t, TypingPending, resp.Status.Text)
		}
	}
	require.True(t, resp.Scored)
	assert.Equal(t, TypingNormal, resp.Status.Text)
	assert.Equal(t, "Movement: Normal\nTyping: Normal", m.Text())
}

func TestStatus(t *testing.T) {
	store := &memStore{}
	m := newMonitor(t, inference.Echo{}, inference.Echo{}, WithStore(store))
	h := NewHandler(m, WithLogger(quietLogger())).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Text     string         `json:"text"`
		Channels []cache.Status `json:"channels"`
	}](t, rec)
	assert.Equal(t, "Movement: Normal\nTyping: Pending...", body.Text)
	assert.Len(t, body.Channels, 2)

	// Nothing stored yet: local status.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status/typing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TypingPending, decode[cache.Status](t, rec).Text)

	require.NoError(t, store.Save(context.Background(), cache.Status{Channel: Typing, Text: TypingAnomaly}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status/typing", nil))
	assert.Equal(t, TypingAnomaly, decode[cache.Status](t, rec).Text)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status/gyro", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreFailureDoesNotBlockScoring(t *testing.T) {
	store := &memStore{err: errors.New("redis down")}
	m := newMonitor(t, inference.Echo{}, inference.Echo{}, WithStore(store))

	var ok bool
	for i := 0; i < 4; i++ {
		_, ok = m.Reading(context.Background(), []float64{0, 0, 9.8})
	}
	assert.True(t, ok)
	assert.Equal(t, MovementNormal, m.Get(Movement).Text)
}

func TestHealth(t *testing.T) {
	store := &memStore{}
	h := NewHandler(newMonitor(t, inference.Echo{}, inference.Echo{}), WithLogger(quietLogger()), WithPinger(store)).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-session", resp.Session)
	assert.Equal(t, map[string]string{
		"movement": "initialized",
		"typing":   "initialized",
		"store":    "connected",
	}, resp.Detectors)
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(newMonitor(t, inference.Echo{}, inference.Echo{}), WithLogger(quietLogger())).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStream(t *testing.T) {
	m := newMonitor(t, zeros, inference.Echo{})
	srv := httptest.NewServer(NewHandler(m, WithLogger(quietLogger())).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var s cache.Status
	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, Movement, s.Channel)
	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, Typing, s.Channel)

	// The initial statuses are written after subscribing.
	require.Equal(t, 1, m.Hub().Len())
	for i := 0; i < 4; i++ {
		m.Reading(context.Background(), []float64{1, 1, 1})
	}

	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, MovementAnomaly, s.Text)
	assert.True(t, s.IsAnomaly)
}

// countingDetector scores every reading with the number of readings seen.
type countingDetector struct {
	mu sync.Mutex
	n  int
}

func (c *countingDetector) AddReading([]float64) (detectors.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	// Let other readings catch up between scoring and publishing.
	time.Sleep(time.Microsecond)
	return detectors.Result{ErrorScore: float64(c.n)}, true
}

func (c *countingDetector) PredictStream(context.Context, <-chan []float64, chan<- detectors.Result) error {
	return nil
}

func (c *countingDetector) State() detectors.State { return detectors.Initialized }
func (c *countingDetector) Threshold() float64     { return 0.5 }

// orderedStore records the scores it is asked to save.
type orderedStore struct {
	memStore
	scores []float64
}

func (o *orderedStore) Save(ctx context.Context, s cache.Status) error {
	o.mu.Lock()
	o.scores = append(o.scores, s.ErrorScore)
	o.mu.Unlock()
	return o.memStore.Save(ctx, s)
}

func TestConcurrentReadingsKeepScoringOrder(t *testing.T) {
	store := &orderedStore{}
	m := NewMonitor(&countingDetector{}, nil, WithStore(store), WithMonitorLogger(quietLogger()))
	updates, unsubscribe := m.Hub().Subscribe()
	defer unsubscribe()

	const feeders, readings = 8, 25
	var published []float64
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range updates {
			published = append(published, s.ErrorScore)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < feeders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < readings; j++ {
				m.Reading(context.Background(), []float64{0, 0, 0})
			}
		}()
	}
	wg.Wait()

	require.Len(t, store.scores, feeders*readings)
	for i, score := range store.scores {
		assert.Equal(t, float64(i+1), score)
	}
	assert.Equal(t, float64(feeders*readings), m.Get(Movement).ErrorScore)

	got, err := store.Get(context.Background(), Movement)
	require.NoError(t, err)
	assert.Equal(t, float64(feeders*readings), got.ErrorScore)

	// A slow subscriber may miss updates, but what it gets is in order.
	unsubscribe()
	<-collected
	require.NotEmpty(t, published)
	for i := 1; i < len(published); i++ {
		assert.Less(t, published[i-1], published[i])
	}
}

func TestHub(t *testing.T) {
	h := NewHub()
	fast, unsubFast := h.Subscribe()
	_, unsubSlow := h.Subscribe()
	assert.Equal(t, 2, h.Len())

	for i := 0; i < 100; i++ {
		h.Publish(cache.Status{Channel: Movement, ErrorScore: float64(i)})
		if i < 16 {
			assert.Equal(t, float64(i), (<-fast).ErrorScore)
		}
	}

	unsubSlow()
	unsubSlow()
	unsubFast()
	assert.Equal(t, 0, h.Len())

	_, open := <-fast
	for open {
		_, open = <-fast
	}
}
