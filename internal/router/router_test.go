package router

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

type sentEvent struct {
	event   string
	payload interface{}
}

// mockConn implements interfaces.Conn with the same transition rules as the
// transport connection, recording outbound events instead of writing them.
type mockConn struct {
	id string

	mu     sync.Mutex
	state  types.State
	name   string
	events []sentEvent
	closed bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, state: types.StateUnauthenticated}
}

func (c *mockConn) ID() string { return c.id }

func (c *mockConn) State() types.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *mockConn) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *mockConn) Authenticate(displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case types.StateAuthenticated:
		return interfaces.ErrAlreadyAuthenticated
	case types.StateTerminated:
		return interfaces.ErrConnectionTerminated
	}
	c.name = displayName
	c.state = types.StateAuthenticated
	return nil
}

func (c *mockConn) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = types.StateTerminated
}

func (c *mockConn) WriteEvent(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{event: event, payload: payload})
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) sentEvents() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentEvent(nil), c.events...)
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mockRegistry implements interfaces.ConnRegistry over mock connections.
type mockRegistry struct {
	mu         sync.Mutex
	conns      map[string]*mockConn
	broadcasts []sentEvent
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{conns: make(map[string]*mockConn)}
}

func (m *mockRegistry) add(conn *mockConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.id] = conn
}

func (m *mockRegistry) Get(connectionID string) (interfaces.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, false
	}
	return conn, true
}

func (m *mockRegistry) Broadcast(event string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, sentEvent{event: event, payload: payload})
}

func (m *mockRegistry) broadcastEvents() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEvent(nil), m.broadcasts...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRouter() (*Router, *mockRegistry, *fakeClock) {
	registry := newMockRegistry()
	clock := &fakeClock{t: time.UnixMilli(1700000000000)}
	r := NewRouter(session.NewRegistry(), registry, zap.NewNop())
	r.now = clock.now
	return r, registry, clock
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test payload: %v", err)
	}
	return data
}

func join(t *testing.T, r *Router, registry *mockRegistry, conn *mockConn, name string) {
	t.Helper()
	registry.add(conn)
	r.HandleEvent(conn, types.EventJoin, raw(t, name))
	if conn.State() != types.StateAuthenticated {
		t.Fatalf("join as %q did not authenticate connection %s", name, conn.id)
	}
}

func TestJoin_Success(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	registry.add(conn)

	r.HandleEvent(conn, types.EventJoin, raw(t, "alice"))

	if conn.State() != types.StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", conn.State())
	}
	if conn.DisplayName() != "alice" {
		t.Errorf("display name = %q, want alice", conn.DisplayName())
	}

	events := conn.sentEvents()
	if len(events) != 1 || events[0].event != types.EventJoinSuccess {
		t.Fatalf("sender events = %+v, want single join_success", events)
	}
	if ack := events[0].payload.(types.JoinSuccess); ack.Username != "alice" {
		t.Errorf("join_success username = %q, want alice", ack.Username)
	}

	broadcasts := registry.broadcastEvents()
	if len(broadcasts) != 1 || broadcasts[0].event != types.EventUserJoined {
		t.Fatalf("broadcasts = %+v, want single user_joined", broadcasts)
	}
	joined := broadcasts[0].payload.(types.UserJoined)
	if joined.Username != "alice" || joined.Count != 1 {
		t.Errorf("user_joined = %+v, want {alice 1}", joined)
	}
}

func TestJoin_TrimsName(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	registry.add(conn)

	r.HandleEvent(conn, types.EventJoin, raw(t, "  bob  "))

	if conn.DisplayName() != "bob" {
		t.Errorf("display name = %q, want trimmed bob", conn.DisplayName())
	}
}

func TestJoin_InvalidName(t *testing.T) {
	testCases := []struct {
		name    string
		payload json.RawMessage
	}{
		{"too long", json.RawMessage(`"` + strings.Repeat("a", 21) + `"`)},
		{"empty", json.RawMessage(`""`)},
		{"whitespace only", json.RawMessage(`"   "`)},
		{"not a string", json.RawMessage(`123`)},
		{"malformed json", json.RawMessage(`{`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, registry, _ := newTestRouter()
			conn := newMockConn("conn-1")
			registry.add(conn)

			r.HandleEvent(conn, types.EventJoin, tc.payload)

			events := conn.sentEvents()
			if len(events) != 1 || events[0].event != types.EventErrorMessage {
				t.Fatalf("events = %+v, want single error_message", events)
			}
			if msg := events[0].payload.(types.ErrorMessage); msg.Error != "invalid username" {
				t.Errorf("error = %q, want \"invalid username\"", msg.Error)
			}
			if !conn.isClosed() {
				t.Error("connection should be forcibly closed")
			}
			if conn.State() != types.StateTerminated {
				t.Errorf("state = %v, want terminated", conn.State())
			}
			if len(registry.broadcastEvents()) != 0 {
				t.Error("failed join must not broadcast")
			}
		})
	}
}

func TestJoin_SecondJoinIgnored(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	join(t, r, registry, conn, "alice")

	before := len(conn.sentEvents())
	r.HandleEvent(conn, types.EventJoin, raw(t, "mallory"))

	if conn.DisplayName() != "alice" {
		t.Errorf("display name changed to %q on second join", conn.DisplayName())
	}
	if len(conn.sentEvents()) != before {
		t.Error("second join must not produce events")
	}
	if len(registry.broadcastEvents()) != 1 {
		t.Error("second join must not broadcast")
	}
	if conn.isClosed() {
		t.Error("second join must not close the connection")
	}
}

func TestUnauthenticated_TrafficForcesSilentClose(t *testing.T) {
	testCases := []struct {
		name    string
		event   string
		payload json.RawMessage
	}{
		{"public message", types.EventPublicMessage, json.RawMessage(`"hi"`)},
		{"private message", types.EventPrivateMessage, json.RawMessage(`{"to":"x","message":"y"}`)},
		{"unknown event", "shrug", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, registry, _ := newTestRouter()
			conn := newMockConn("conn-1")
			registry.add(conn)

			r.HandleEvent(conn, tc.event, tc.payload)

			if !conn.isClosed() {
				t.Error("connection should be forcibly closed")
			}
			if len(conn.sentEvents()) != 0 {
				t.Errorf("unauthenticated misuse gets no error notice, got %+v", conn.sentEvents())
			}
			if len(registry.broadcastEvents()) != 0 {
				t.Error("nothing may be broadcast")
			}
		})
	}
}

func TestAuthenticated_UnknownEventIgnored(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	join(t, r, registry, conn, "alice")

	before := len(conn.sentEvents())
	r.HandleEvent(conn, "typing_indicator", raw(t, "ignored"))

	if conn.isClosed() {
		t.Error("unknown events must not close authenticated connections")
	}
	if len(conn.sentEvents()) != before {
		t.Error("unknown events must not produce responses")
	}
}

func TestPublicMessage_Broadcast(t *testing.T) {
	r, registry, clock := newTestRouter()
	conn := newMockConn("conn-1")
	join(t, r, registry, conn, "alice")

	r.HandleEvent(conn, types.EventPublicMessage, raw(t, "  hello world  "))

	broadcasts := registry.broadcastEvents()
	if len(broadcasts) != 2 { // user_joined + public_message
		t.Fatalf("broadcasts = %+v, want user_joined then public_message", broadcasts)
	}
	msg := broadcasts[1].payload.(types.PublicMessage)
	if msg.Username != "alice" {
		t.Errorf("username = %q, want alice", msg.Username)
	}
	if msg.Message != "hello world" {
		t.Errorf("message = %q, want trimmed \"hello world\"", msg.Message)
	}
	if msg.Timestamp != clock.now().UnixMilli() {
		t.Errorf("timestamp = %d, want %d", msg.Timestamp, clock.now().UnixMilli())
	}
}

func TestPublicMessage_InvalidText(t *testing.T) {
	testCases := []struct {
		name    string
		payload json.RawMessage
	}{
		{"empty", json.RawMessage(`""`)},
		{"whitespace only", json.RawMessage(`"   "`)},
		{"too long", json.RawMessage(`"` + strings.Repeat("x", 501) + `"`)},
		{"not a string", json.RawMessage(`{"oops":true}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, registry, _ := newTestRouter()
			conn := newMockConn("conn-1")
			join(t, r, registry, conn, "alice")

			r.HandleEvent(conn, types.EventPublicMessage, tc.payload)

			events := conn.sentEvents()
			last := events[len(events)-1]
			if last.event != types.EventErrorMessage {
				t.Fatalf("last event = %+v, want error_message", last)
			}
			if msg := last.payload.(types.ErrorMessage); msg.Error != "invalid message" {
				t.Errorf("error = %q, want \"invalid message\"", msg.Error)
			}
			if len(registry.broadcastEvents()) != 1 {
				t.Error("invalid message must not be broadcast")
			}
			if conn.isClosed() {
				t.Error("invalid message is recoverable, connection stays open")
			}
		})
	}
}

func TestPublicMessage_RateLimited(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	join(t, r, registry, conn, "alice")

	for i := 0; i < 4; i++ {
		r.HandleEvent(conn, types.EventPublicMessage, raw(t, "spam"))
	}

	broadcasts := registry.broadcastEvents()
	if len(broadcasts) != 4 { // user_joined + 3 accepted messages
		t.Errorf("got %d broadcasts, want 4 (join + 3 messages)", len(broadcasts))
	}

	events := conn.sentEvents()
	last := events[len(events)-1]
	if last.event != types.EventErrorMessage {
		t.Fatalf("4th send should yield error_message, got %+v", last)
	}
	if msg := last.payload.(types.ErrorMessage); msg.Error != "rate limit exceeded" {
		t.Errorf("error = %q, want \"rate limit exceeded\"", msg.Error)
	}
	if conn.isClosed() {
		t.Error("rate limiting is recoverable, connection stays open")
	}
}

func TestPublicMessage_RateLimitRecoversAfterWindow(t *testing.T) {
	r, registry, clock := newTestRouter()
	conn := newMockConn("conn-1")
	join(t, r, registry, conn, "alice")

	for i := 0; i < 3; i++ {
		r.HandleEvent(conn, types.EventPublicMessage, raw(t, "burst"))
	}
	clock.advance(1100 * time.Millisecond)
	r.HandleEvent(conn, types.EventPublicMessage, raw(t, "later"))

	broadcasts := registry.broadcastEvents()
	if len(broadcasts) != 5 { // user_joined + 3 + 1
		t.Errorf("got %d broadcasts, want 5", len(broadcasts))
	}
	// Distinct timestamps across windows.
	first := broadcasts[1].payload.(types.PublicMessage)
	last := broadcasts[4].payload.(types.PublicMessage)
	if first.Timestamp == last.Timestamp {
		t.Error("messages in different windows must carry distinct timestamps")
	}
}

func TestPrivateMessage_Delivery(t *testing.T) {
	r, registry, clock := newTestRouter()
	alice := newMockConn("conn-a")
	bob := newMockConn("conn-b")
	join(t, r, registry, alice, "alice")
	join(t, r, registry, bob, "bob")

	broadcastsBefore := len(registry.broadcastEvents())
	r.HandleEvent(alice, types.EventPrivateMessage,
		raw(t, types.PrivateMessageRequest{To: " bob ", Message: " secret "}))

	bobEvents := bob.sentEvents()
	last := bobEvents[len(bobEvents)-1]
	if last.event != types.EventPrivateMessage {
		t.Fatalf("bob's last event = %+v, want private_message", last)
	}
	delivery := last.payload.(types.PrivateDelivery)
	if delivery.From != "alice" || delivery.Message != "secret" {
		t.Errorf("delivery = %+v, want from alice, message secret", delivery)
	}

	aliceEvents := alice.sentEvents()
	ackEvent := aliceEvents[len(aliceEvents)-1]
	if ackEvent.event != types.EventPrivateMessage {
		t.Fatalf("alice's last event = %+v, want private_message receipt", ackEvent)
	}
	receipt := ackEvent.payload.(types.PrivateReceipt)
	if receipt.To != "bob" || receipt.Message != "secret" || !receipt.Sent {
		t.Errorf("receipt = %+v, want to bob, message secret, sent true", receipt)
	}

	if delivery.Timestamp != receipt.Timestamp {
		t.Errorf("timestamps differ: delivery %d, receipt %d", delivery.Timestamp, receipt.Timestamp)
	}
	if delivery.Timestamp != clock.now().UnixMilli() {
		t.Errorf("timestamp = %d, want clock instant %d", delivery.Timestamp, clock.now().UnixMilli())
	}

	if len(registry.broadcastEvents()) != broadcastsBefore {
		t.Error("private messages must never be broadcast")
	}
}

func TestPrivateMessage_UserNotFound(t *testing.T) {
	r, registry, _ := newTestRouter()
	alice := newMockConn("conn-a")
	join(t, r, registry, alice, "alice")

	broadcastsBefore := len(registry.broadcastEvents())
	before := len(alice.sentEvents())

	r.HandleEvent(alice, types.EventPrivateMessage,
		raw(t, types.PrivateMessageRequest{To: "ghost", Message: "anyone there"}))

	events := alice.sentEvents()
	if len(events) != before+1 {
		t.Fatalf("want exactly one new event, got %d", len(events)-before)
	}
	last := events[len(events)-1]
	if last.event != types.EventErrorMessage {
		t.Fatalf("event = %+v, want error_message", last)
	}
	if msg := last.payload.(types.ErrorMessage); msg.Error != "user not found" {
		t.Errorf("error = %q, want \"user not found\"", msg.Error)
	}
	if len(registry.broadcastEvents()) != broadcastsBefore {
		t.Error("no other outbound traffic is allowed")
	}
}

func TestPrivateMessage_MalformedShape(t *testing.T) {
	testCases := []struct {
		name    string
		payload json.RawMessage
	}{
		{"missing message", json.RawMessage(`{"to":"bob"}`)},
		{"missing to", json.RawMessage(`{"message":"hi"}`)},
		{"bare string", json.RawMessage(`"hi"`)},
		{"malformed json", json.RawMessage(`{`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, registry, _ := newTestRouter()
			alice := newMockConn("conn-a")
			join(t, r, registry, alice, "alice")

			r.HandleEvent(alice, types.EventPrivateMessage, tc.payload)

			events := alice.sentEvents()
			last := events[len(events)-1]
			if last.event != types.EventErrorMessage {
				t.Fatalf("event = %+v, want error_message", last)
			}
			if msg := last.payload.(types.ErrorMessage); msg.Error != "invalid request" {
				t.Errorf("error = %q, want \"invalid request\"", msg.Error)
			}
			if alice.isClosed() {
				t.Error("malformed shape is recoverable, connection stays open")
			}
		})
	}
}

func TestPrivateMessage_InvalidContent(t *testing.T) {
	testCases := []struct {
		name    string
		to      string
		message string
	}{
		{"recipient name too long", strings.Repeat("b", 21), "hi"},
		{"message too long", "bob", strings.Repeat("x", 501)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, registry, _ := newTestRouter()
			alice := newMockConn("conn-a")
			join(t, r, registry, alice, "alice")

			r.HandleEvent(alice, types.EventPrivateMessage,
				raw(t, types.PrivateMessageRequest{To: tc.to, Message: tc.message}))

			events := alice.sentEvents()
			last := events[len(events)-1]
			if msg := last.payload.(types.ErrorMessage); msg.Error != "invalid message or recipient" {
				t.Errorf("error = %q, want \"invalid message or recipient\"", msg.Error)
			}
		})
	}
}

func TestPrivateMessage_SharesRateLimitWithPublic(t *testing.T) {
	r, registry, _ := newTestRouter()
	alice := newMockConn("conn-a")
	bob := newMockConn("conn-b")
	join(t, r, registry, alice, "alice")
	join(t, r, registry, bob, "bob")

	for i := 0; i < 3; i++ {
		r.HandleEvent(alice, types.EventPublicMessage, raw(t, "filler"))
	}
	r.HandleEvent(alice, types.EventPrivateMessage,
		raw(t, types.PrivateMessageRequest{To: "bob", Message: "over quota"}))

	events := alice.sentEvents()
	last := events[len(events)-1]
	if msg, ok := last.payload.(types.ErrorMessage); !ok || msg.Error != "rate limit exceeded" {
		t.Errorf("last event = %+v, want rate limit error", last)
	}
}

func TestDisconnect_Authenticated(t *testing.T) {
	r, registry, _ := newTestRouter()
	alice := newMockConn("conn-a")
	bob := newMockConn("conn-b")
	join(t, r, registry, alice, "alice")
	join(t, r, registry, bob, "bob")

	r.HandleDisconnect(alice)

	if alice.State() != types.StateTerminated {
		t.Errorf("state = %v, want terminated", alice.State())
	}

	broadcasts := registry.broadcastEvents()
	last := broadcasts[len(broadcasts)-1]
	if last.event != types.EventUserLeft {
		t.Fatalf("last broadcast = %+v, want user_left", last)
	}
	left := last.payload.(types.UserLeft)
	if left.Username != "alice" || left.Count != 1 {
		t.Errorf("user_left = %+v, want {alice 1}", left)
	}

	// The departed name no longer resolves for private messages.
	r.HandleEvent(bob, types.EventPrivateMessage,
		raw(t, types.PrivateMessageRequest{To: "alice", Message: "gone?"}))
	events := bob.sentEvents()
	lastEvent := events[len(events)-1]
	if msg, ok := lastEvent.payload.(types.ErrorMessage); !ok || msg.Error != "user not found" {
		t.Errorf("message to departed user = %+v, want user not found", lastEvent)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	r, registry, _ := newTestRouter()
	alice := newMockConn("conn-a")
	join(t, r, registry, alice, "alice")

	r.HandleDisconnect(alice)
	broadcastsAfterFirst := len(registry.broadcastEvents())

	r.HandleDisconnect(alice)

	if got := len(registry.broadcastEvents()); got != broadcastsAfterFirst {
		t.Errorf("second disconnect broadcast again: %d events, want %d", got, broadcastsAfterFirst)
	}
}

func TestDisconnect_NeverAuthenticated(t *testing.T) {
	r, registry, _ := newTestRouter()
	conn := newMockConn("conn-1")
	registry.add(conn)

	r.HandleDisconnect(conn)

	if len(registry.broadcastEvents()) != 0 {
		t.Error("disconnect of never-authenticated connection must not broadcast")
	}
	if conn.State() != types.StateTerminated {
		t.Errorf("state = %v, want terminated", conn.State())
	}
}

func TestTerminated_ResidualEventsDropped(t *testing.T) {
	r, registry, _ := newTestRouter()
	alice := newMockConn("conn-a")
	join(t, r, registry, alice, "alice")
	r.HandleDisconnect(alice)

	eventsBefore := len(alice.sentEvents())
	broadcastsBefore := len(registry.broadcastEvents())

	r.HandleEvent(alice, types.EventPublicMessage, raw(t, "ghost message"))
	r.HandleEvent(alice, types.EventJoin, raw(t, "alice"))

	if len(alice.sentEvents()) != eventsBefore {
		t.Error("residual events for terminated connection must produce nothing")
	}
	if len(registry.broadcastEvents()) != broadcastsBefore {
		t.Error("residual events must not broadcast")
	}
}

func TestRepeatedText_DistinctTimestamps(t *testing.T) {
	r, registry, clock := newTestRouter()
	alice := newMockConn("conn-a")
	join(t, r, registry, alice, "alice")

	r.HandleEvent(alice, types.EventPublicMessage, raw(t, "again"))
	clock.advance(2 * time.Second)
	r.HandleEvent(alice, types.EventPublicMessage, raw(t, "again"))

	broadcasts := registry.broadcastEvents()
	first := broadcasts[1].payload.(types.PublicMessage)
	second := broadcasts[2].payload.(types.PublicMessage)
	if first.Message != second.Message {
		t.Fatalf("messages differ: %q vs %q", first.Message, second.Message)
	}
	if first.Timestamp == second.Timestamp {
		t.Error("independent sends must carry distinct timestamps")
	}
}
