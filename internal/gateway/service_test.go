package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/whatsgate/internal/session"
	"github.com/talkincode/whatsgate/internal/waproto"
)

// memStore is an in-memory session.Store for exercising the request flows
// without a database.
type memStore struct {
	mu sync.Mutex
	m  map[string]*waproto.AuthState
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]*waproto.AuthState)}
}

func (s *memStore) Get(ctx context.Context, number string) (*waproto.AuthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[number]
	return st, ok
}

func (s *memStore) Put(ctx context.Context, number string, state *waproto.AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[number] = state
}

func (s *memStore) Delete(ctx context.Context, number string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, number)
}

func (s *memStore) ListActive(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var numbers []string
	for n := range s.m {
		numbers = append(numbers, n)
	}
	return numbers
}

func (s *memStore) Info(ctx context.Context, number string) session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[number]; !ok {
		return session.Info{Number: number, Exists: false, TTL: session.TTLAbsent}
	}
	return session.Info{Number: number, Exists: true, TTL: 3600}
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// fakeConn scripts one transient connection: events in script are emitted
// asynchronously once Connect is called, mimicking the engine's own
// goroutines.
type fakeConn struct {
	mu          sync.Mutex
	registered  bool
	handler     func(evt interface{})
	script      []interface{}
	connectErr  error
	pairCode    string
	pairErr     error
	textErr     error
	imageErr    error
	texts       []string
	images      [][]byte
	disconnects int
	state       *waproto.AuthState
}

func (c *fakeConn) OnEvent(handler func(evt interface{})) {
	c.handler = handler
}

func (c *fakeConn) Connect() error {
	if c.connectErr != nil {
		return c.connectErr
	}
	go func() {
		for _, evt := range c.script {
			c.handler(evt)
		}
	}()
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeConn) disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects > 0
}

func (c *fakeConn) Registered() bool {
	return c.registered
}

func (c *fakeConn) RequestPairingCode(ctx context.Context, number string) (string, error) {
	if c.pairErr != nil {
		return "", c.pairErr
	}
	return c.pairCode, nil
}

func (c *fakeConn) SendText(ctx context.Context, to string, text string) error {
	if c.textErr != nil {
		return c.textErr
	}
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendImage(ctx context.Context, to string, image []byte, caption string) error {
	if c.imageErr != nil {
		return c.imageErr
	}
	c.mu.Lock()
	c.images = append(c.images, image)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Snapshot() *waproto.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return c.state
	}
	st := waproto.NewAuthState()
	st.Creds.Registered = c.registered
	return st
}

func (c *fakeConn) setState(st *waproto.AuthState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *fakeConn) emit(evt interface{}) {
	c.handler(evt)
}

// fakeDialer hands out scripted connections in order and records what it
// was asked for. Entries in errs are consumed before conns, so a dial
// failure can precede a working connection.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	errs   []error
	dials  int
	saved  []*waproto.AuthState
	purged []string
}

func (d *fakeDialer) Dial(ctx context.Context, number string, saved *waproto.AuthState) (waproto.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.saved = append(d.saved, saved)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no connection scripted")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) Purge(ctx context.Context, number string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, number)
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestService(t *testing.T, store session.Store, dialer waproto.Dialer, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(store, dialer, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Release)
	return svc
}

func fastConfig() Config {
	return Config{
		RequestTimeout: 2 * time.Second,
		SettleDelay:    10 * time.Millisecond,
		RetryDelay:     5 * time.Millisecond,
		MaxRetries:     2,
		Workers:        4,
	}
}

func TestPairFreshIssuesCode(t *testing.T) {
	store := newMemStore()
	conn := &fakeConn{pairCode: "WXYZ-1234", script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Pair(context.Background(), "628111")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out.Kind)
	assert.Equal(t, "WXYZ-1234", out.PairingCode)

	// no prior session, so the dialer saw a fresh pairing
	require.Len(t, dialer.saved, 1)
	assert.Nil(t, dialer.saved[0])

	// the connect snapshot was persisted; the socket stays open for the
	// phone-side handshake
	assert.Equal(t, 1, store.count())
	assert.False(t, conn.disconnected())
}

func TestPairHoldsConnectionForHandshake(t *testing.T) {
	store := newMemStore()
	conn := &fakeConn{pairCode: "WXYZ-1234", script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Pair(context.Background(), "628121")
	require.NoError(t, err)
	require.Equal(t, OutcomePaired, out.Kind)
	require.False(t, conn.disconnected())

	// the handshake finishes after the code was returned; its credentials
	// must still land in the store
	registered := waproto.NewAuthState()
	registered.Creds.Registered = true
	registered.Creds.JID = "628121:3@s.whatsapp.net"
	conn.setState(registered)
	conn.emit(waproto.CredentialsEvent{})

	got, ok := store.Get(context.Background(), "628121")
	require.True(t, ok)
	assert.Same(t, registered, got)

	// once the socket closes on its own the hold tears it down
	conn.emit(waproto.DisconnectedEvent{Reason: waproto.ReasonNetwork})
	require.Eventually(t, conn.disconnected, time.Second, 10*time.Millisecond)
}

func TestPairStaleSessionRestartsFresh(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628131", registeredState())
	conn := &fakeConn{pairCode: "FRSH-0001", script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{
		errs:  []error{waproto.ErrDeviceNotFound},
		conns: []*fakeConn{conn},
	}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Pair(context.Background(), "628131")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaired, out.Kind)
	assert.Equal(t, "FRSH-0001", out.PairingCode)

	// the stale row was dropped before the retry, so the second dial is a
	// fresh pairing
	require.Equal(t, 2, dialer.dialCount())
	assert.Nil(t, dialer.saved[1])
}

func TestSendStaleSessionFailsFast(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628141", registeredState())
	dialer := &fakeDialer{errs: []error{waproto.ErrDeviceNotFound}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628141", "628999", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrSessionNotFound)
	// a single dial, no retry burn, and the stale row is gone
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 0, store.count())
}

func TestPairAlreadyPaired(t *testing.T) {
	store := newMemStore()
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Pair(context.Background(), "628222")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaired, out.Kind)
	assert.Equal(t, 1, store.count())
}

func TestPairRecoversAfterTransientClose(t *testing.T) {
	store := newMemStore()
	closing := &fakeConn{script: []interface{}{waproto.DisconnectedEvent{Reason: waproto.ReasonNetwork}}}
	good := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{closing, good}}

	cfg := fastConfig()
	cfg.SettleDelay = 300 * time.Millisecond // keep the code request out of the race
	svc := newTestService(t, store, dialer, cfg)

	out, err := svc.Pair(context.Background(), "628333")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaired, out.Kind)
	assert.Equal(t, 2, dialer.dialCount())
	assert.True(t, closing.disconnected())
}

func TestPairGivesUpAfterRetryBudget(t *testing.T) {
	store := newMemStore()
	var conns []*fakeConn
	for i := 0; i < 4; i++ {
		conns = append(conns, &fakeConn{script: []interface{}{waproto.DisconnectedEvent{Reason: waproto.ReasonNetwork}}})
	}
	dialer := &fakeDialer{conns: conns}

	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.SettleDelay = 300 * time.Millisecond
	svc := newTestService(t, store, dialer, cfg)

	out, err := svc.Pair(context.Background(), "628444")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrTransient)
	// one initial attempt plus MaxRetries reconnects
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, 0, store.count())
}

func TestPairLogoutDeletesSession(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628555", registeredState())
	conn := &fakeConn{registered: true, script: []interface{}{waproto.DisconnectedEvent{Reason: waproto.ReasonLoggedOut}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Pair(context.Background(), "628555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoggedOut, out.Kind)
	assert.ErrorIs(t, out.Err, ErrTerminalLogout)
	assert.Equal(t, 0, store.count())
}

func TestPairTimeout(t *testing.T) {
	store := newMemStore()
	// registered but silent: nothing ever resolves
	conn := &fakeConn{registered: true}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	cfg := fastConfig()
	cfg.RequestTimeout = 150 * time.Millisecond
	svc := newTestService(t, store, dialer, cfg)

	start := time.Now()
	out, err := svc.Pair(context.Background(), "628666")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendWithoutSession(t *testing.T) {
	store := newMemStore()
	dialer := &fakeDialer{}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628777", "628999", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrSessionNotFound)
	// no session, no dial
	assert.Equal(t, 0, dialer.dialCount())
}

func TestSendText(t *testing.T) {
	store := newMemStore()
	saved := registeredState()
	store.Put(context.Background(), "628888", saved)
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628888", "628999", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Empty(t, out.Note)
	assert.Equal(t, []string{"hello"}, conn.texts)
	require.Len(t, dialer.saved, 1)
	assert.Same(t, saved, dialer.saved[0])
	assert.True(t, conn.disconnected())
}

func TestSendImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
	}))
	defer srv.Close()

	store := newMemStore()
	store.Put(context.Background(), "628801", registeredState())
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628801", "628999", "caption", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Empty(t, out.Note)
	require.Len(t, conn.images, 1)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe0}, conn.images[0])
	assert.Empty(t, conn.texts)
}

func TestSendImageDownloadFailureFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	store.Put(context.Background(), "628802", registeredState())
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628802", "628999", "caption", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Equal(t, "image unavailable, sent text only", out.Note)
	assert.Equal(t, []string{"caption"}, conn.texts)
	assert.Empty(t, conn.images)
}

func TestSendImageUploadFailureFallsBackToText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("imagebytes"))
	}))
	defer srv.Close()

	store := newMemStore()
	store.Put(context.Background(), "628803", registeredState())
	conn := &fakeConn{
		registered: true,
		script:     []interface{}{waproto.ConnectedEvent{}},
		imageErr:   errors.New("media upload rejected"),
	}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628803", "628999", "caption", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Equal(t, "image send failed, sent text only", out.Note)
	assert.Equal(t, []string{"caption"}, conn.texts)
}

func TestSendTextFailure(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628804", registeredState())
	sendErr := errors.New("stream error")
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}, textErr: sendErr}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628804", "628999", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, sendErr)
}

func TestSendLogoutDeletesSession(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628805", registeredState())
	conn := &fakeConn{registered: true, script: []interface{}{waproto.DisconnectedEvent{Reason: waproto.ReasonLoggedOut}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628805", "628999", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoggedOut, out.Kind)
	assert.Equal(t, 0, store.count())
}

func TestCredentialsPersistAfterResolution(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628806", registeredState())
	conn := &fakeConn{registered: true, script: []interface{}{waproto.ConnectedEvent{}}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	svc := newTestService(t, store, dialer, fastConfig())

	out, err := svc.Send(context.Background(), "628806", "628999", "hello", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, out.Kind)

	// an engine credentials update arriving after the response still lands
	rotated := waproto.NewAuthState()
	rotated.Creds.Registered = true
	rotated.Creds.AdvSecret = waproto.Blob{0x42}
	conn.setState(rotated)
	conn.emit(waproto.CredentialsEvent{})

	got, ok := store.Get(context.Background(), "628806")
	require.True(t, ok)
	assert.Same(t, rotated, got)
}

func TestDeleteSessionPurgesDevice(t *testing.T) {
	store := newMemStore()
	store.Put(context.Background(), "628807", registeredState())
	dialer := &fakeDialer{}
	svc := newTestService(t, store, dialer, fastConfig())

	svc.DeleteSession(context.Background(), "628807")
	assert.Equal(t, 0, store.count())
	assert.Equal(t, []string{"628807"}, dialer.purged)
}

func TestPoolSaturationReportsBusy(t *testing.T) {
	store := newMemStore()
	silent := &fakeConn{registered: true}
	dialer := &fakeDialer{conns: []*fakeConn{silent}}

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.RequestTimeout = 500 * time.Millisecond
	svc := newTestService(t, store, dialer, cfg)

	done := make(chan struct{})
	go func() {
		_, _ = svc.Pair(context.Background(), "628901")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := svc.Pair(context.Background(), "628902")
	assert.ErrorIs(t, err, ErrBusy)
	<-done
}

func registeredState() *waproto.AuthState {
	st := waproto.NewAuthState()
	st.Creds.Registered = true
	st.Creds.NoiseKey = waproto.Blob{0xca, 0xfe}
	return st
}
