package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/backend"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/seats"
	"github.com/flylive/msab/internal/v1/sfu"
	"github.com/flylive/msab/internal/v1/types"
)

// sentEvent is one frame a mockConn was asked to deliver.
type sentEvent struct {
	Event string
	Data  any
}

// mockConn implements types.Conn and records every Send.
type mockConn struct {
	id      types.ConnIDType
	profile types.UserProfile

	mu      sync.Mutex
	room    types.RoomIDType
	speaker bool
	closed  bool
	kicked  string
	sent    []sentEvent
}

func newMockConn(id string, userID int64) *mockConn {
	return &mockConn{
		id: types.ConnIDType(id),
		profile: types.UserProfile{
			ID:   types.UserIDType(userID),
			Name: fmt.Sprintf("user-%d", userID),
		},
	}
}

func (c *mockConn) ConnID() types.ConnIDType   { return c.id }
func (c *mockConn) UserID() types.UserIDType   { return c.profile.ID }
func (c *mockConn) Profile() types.UserProfile { return c.profile }

func (c *mockConn) Room() types.RoomIDType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *mockConn) SetRoom(roomID types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = roomID
}

func (c *mockConn) IsSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker
}

func (c *mockConn) SetSpeaker(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaker = speaking
}

func (c *mockConn) Send(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{Event: event, Data: data})
}

func (c *mockConn) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = reason
	c.closed = true
}

func (c *mockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// received returns every recorded frame matching the event name.
func (c *mockConn) received(event string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, e := range c.sent {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *mockConn) receivedCount(event string) int { return len(c.received(event)) }

// lastReceived returns the most recent frame for the event, failing the test
// when none arrived.
func (c *mockConn) lastReceived(t *testing.T, event string) sentEvent {
	t.Helper()
	got := c.received(event)
	require.NotEmpty(t, got, "expected %s on conn %s", event, c.id)
	return got[len(got)-1]
}

// fakeRouter is an in-memory MediaRouter that records calls in order.
type fakeRouter struct {
	id string

	mu            sync.Mutex
	calls         []string
	nextID        int
	paused        map[string]bool
	cannotConsume bool
	observer      func(producerID string)
	closed        bool
}

func newFakeRouter(id string) *fakeRouter {
	return &fakeRouter{id: id, paused: make(map[string]bool)}
}

func (r *fakeRouter) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRouter) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRouter) allocID(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return fmt.Sprintf("%s-%d", prefix, r.nextID)
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)
}

func (r *fakeRouter) CreateTransport(_ context.Context, role string) (*sfu.TransportInfo, error) {
	id := r.allocID("transport")
	r.record("createTransport:" + role)
	return &sfu.TransportInfo{
		ID:             id,
		ICEParameters:  json.RawMessage(`{}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{}`),
	}, nil
}

func (r *fakeRouter) ConnectTransport(_ context.Context, transportID string, _ json.RawMessage) error {
	r.record("connectTransport:" + transportID)
	return nil
}

func (r *fakeRouter) CloseTransport(_ context.Context, transportID string) error {
	r.record("closeTransport:" + transportID)
	return nil
}

func (r *fakeRouter) CreateProducer(_ context.Context, transportID, kind string, _ json.RawMessage) (string, error) {
	id := r.allocID("producer")
	r.record("createProducer:" + transportID + ":" + kind)
	return id, nil
}

func (r *fakeRouter) PauseProducer(_ context.Context, producerID string) error {
	r.record("pauseProducer:" + producerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[producerID] = true
	return nil
}

func (r *fakeRouter) ResumeProducer(_ context.Context, producerID string) error {
	r.record("resumeProducer:" + producerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[producerID] = false
	return nil
}

func (r *fakeRouter) CloseProducer(_ context.Context, producerID string) error {
	r.record("closeProducer:" + producerID)
	return nil
}

func (r *fakeRouter) CreateConsumer(_ context.Context, transportID, producerID string, _ json.RawMessage) (*sfu.ConsumerInfo, error) {
	if r.cannotConsume {
		return nil, sfu.ErrCannotConsume
	}
	id := r.allocID("consumer")
	r.record("createConsumer:" + transportID + ":" + producerID)
	return &sfu.ConsumerInfo{
		ID:            id,
		ProducerID:    producerID,
		Kind:          "audio",
		RTPParameters: json.RawMessage(`{}`),
	}, nil
}

func (r *fakeRouter) ResumeConsumer(_ context.Context, consumerID string) error {
	r.record("resumeConsumer:" + consumerID)
	return nil
}

func (r *fakeRouter) CloseConsumer(_ context.Context, consumerID string) error {
	r.record("closeConsumer:" + consumerID)
	return nil
}

func (r *fakeRouter) ObserveActiveSpeaker(_ context.Context, _ int, handler func(producerID string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = handler
	return nil
}

func (r *fakeRouter) Close(_ context.Context) error {
	r.record("close")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRouter) speakerObserver() func(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

func (r *fakeRouter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeProvider hands out fakeRouters and remembers them by creation order.
type fakeProvider struct {
	mu      sync.Mutex
	routers []*fakeRouter
	fail    bool
}

func (p *fakeProvider) CreateRouter(context.Context) (MediaRouter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, fmt.Errorf("no workers available")
	}
	r := newFakeRouter(fmt.Sprintf("router-%d", len(p.routers)+1))
	p.routers = append(p.routers, r)
	return r, nil
}

func (p *fakeProvider) router(i int) *fakeRouter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routers[i]
}

// backendStub is an httptest server speaking the internal backend API.
type backendStub struct {
	srv *httptest.Server

	mu           sync.Mutex
	ownerByRoom  map[string]int64
	giftBatches  [][]backend.GiftTransaction
	giftFailures []backend.GiftFailure
	failBatches  int32 // remaining transport failures before success
	failGetRoom  bool

	statusCalls atomic.Int32
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	b := &backendStub{ownerByRoom: make(map[string]int64)}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/internal/gifts/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if atomic.AddInt32(&b.failBatches, -1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		atomic.StoreInt32(&b.failBatches, 0)

		var body struct {
			Transactions []backend.GiftTransaction `json:"transactions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.giftBatches = append(b.giftBatches, body.Transactions)
		failures := append([]backend.GiftFailure(nil), b.giftFailures...)
		b.giftFailures = nil
		b.mu.Unlock()

		result := backend.GiftBatchResult{
			Processed: len(body.Transactions) - len(failures),
			Failed:    failures,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/api/v1/internal/rooms/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			b.statusCalls.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			b.handleGetRoom(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backendStub) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	fail := b.failGetRoom
	var ownerID int64
	for roomID, id := range b.ownerByRoom {
		if r.URL.Path == "/api/v1/internal/rooms/"+roomID {
			ownerID = id
		}
	}
	b.mu.Unlock()
	if fail || ownerID == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(backend.RoomInfo{OwnerID: ownerID})
}

func (b *backendStub) setOwner(roomID string, ownerID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ownerByRoom[roomID] = ownerID
}

func (b *backendStub) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.giftBatches)
}

func (b *backendStub) flushedTransactions() []backend.GiftTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.GiftTransaction
	for _, batch := range b.giftBatches {
		out = append(out, batch...)
	}
	return out
}

// testEnv bundles a manager with everything its handlers touch.
type testEnv struct {
	mgr      *Manager
	reg      *registry.Registry
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	media    *fakeProvider
	backend  *backendStub
	seatSt   *seats.Store
	shutdown bool
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newTestEnvRates(t, opts, "60-M", "30-M")
}

func newTestEnvRates(t *testing.T, opts Options, chatRate, giftRate string) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New()
	stub := newBackendStub(t)
	media := &fakeProvider{}
	seatSt := seats.NewStore(rdb, opts.SeatCount)

	lim, err := ratelimit.New(chatRate, giftRate, nil)
	require.NoError(t, err)

	mgr := NewManager(rdb, reg, nil, seatSt, media, backend.NewClient(stub.srv.URL, "test-key"), lim, opts)
	mgr.Start()

	env := &testEnv{mgr: mgr, reg: reg, mr: mr, rdb: rdb, media: media, backend: stub, seatSt: seatSt}
	t.Cleanup(func() {
		if !env.shutdown {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mgr.Shutdown(ctx)
		}
	})
	return env
}

// join registers the connection and runs room:join, failing the test on any
// handler error.
func (e *testEnv) join(t *testing.T, conn *mockConn, roomID string, ownerID int64) {
	t.Helper()
	e.reg.Register(conn)

	payload := map[string]any{"roomId": roomID}
	if ownerID > 0 {
		payload["ownerId"] = ownerID
	}
	_, err := e.mgr.HandleJoin(context.Background(), conn, raw(t, payload))
	require.NoError(t, err)
}

// redisGet reads a key directly from miniredis.
func (e *testEnv) redisGet(t *testing.T, key string) string {
	t.Helper()
	v, err := e.mr.Get(key)
	require.NoError(t, err)
	return v
}

// raw marshals a payload for a handler call.
func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
