package signaling

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/orbitfile/replisync/internal/signaling/peermesh"
)

// backoffScheduleMs is the fixed poll-delay sequence, capped at the
// last entry once exhausted.
var backoffScheduleMs = []int{50, 50, 100, 100, 200, 400, 600, 1000, 2000, 4000, 8000, 15000, 30000, 60000, 120000}

// DefaultMaxMessageAge is the default maxAge for CleanupOldMessages;
// that function removes files older than the maxAge it is given.
const DefaultMaxMessageAge = 24 * time.Hour

// Logger is the ambient logging seam Mesh reports transient failures
// through. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Mesh drives the adaptive-backoff poll loop over a Bus, maintains
// one peer connection per remote session it has heard from, and
// surfaces RESYNC events (from either an explicit "RESYNC" data
// message or any peer-connection lifecycle transition) on Resync().
type Mesh struct {
	bus     *Bus
	factory peermesh.Factory
	logger  Logger

	mu    sync.Mutex
	peers map[string]peermesh.Connection
	step  int

	resyncCh chan struct{}
	resetCh  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMesh builds a Mesh. logger may be nil, in which case log.Default is used.
func NewMesh(bus *Bus, factory peermesh.Factory, logger Logger) *Mesh {
	if logger == nil {
		logger = log.Default()
	}
	return &Mesh{
		bus:      bus,
		factory:  factory,
		logger:   logger,
		peers:    make(map[string]peermesh.Connection),
		resyncCh: make(chan struct{}, 1),
		resetCh:  make(chan struct{}, 1),
	}
}

// Resync is signaled once per batch of events that should trigger a
// re-pull; it never blocks the mesh's own loop (buffered, coalesced).
func (m *Mesh) Resync() <-chan struct{} { return m.resyncCh }

// Start sends the initial presence beacon and launches the poll loop.
// Start must be called at most once per Mesh.
func (m *Mesh) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if _, err := m.bus.SendMessage(runCtx, BeaconPayload{Intent: PresenceBeaconIntent}); err != nil {
		cancel()
		return err
	}

	go m.runLoop(runCtx)
	return nil
}

// ResetBackoff restarts the backoff sequence from its first delay.
// Callers wire this to whatever connectivity-restored signal their
// host environment offers (a browser's "online"/visibilitychange
// events, a network-manager callback, and so on).
func (m *Mesh) ResetBackoff() {
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

// Close cancels the poll loop and tears down every live peer connection.
func (m *Mesh) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]peermesh.Connection)
	m.mu.Unlock()
	for _, conn := range peers {
		_ = conn.Close()
	}
	return nil
}

func (m *Mesh) runLoop(ctx context.Context) {
	defer close(m.done)
	for {
		delay := m.currentDelay()
		select {
		case <-ctx.Done():
			return
		case <-m.resetCh:
			m.setStep(0)
			continue
		case <-time.After(delay):
		}

		messages, err := m.bus.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Printf("signaling: poll failed: %v", err)
			continue
		}
		if len(messages) > 0 {
			m.setStep(0)
		} else {
			m.advanceStep()
		}
		for _, msg := range messages {
			if msg.SenderID == m.bus.SessionID() {
				continue
			}
			m.dispatch(ctx, msg)
		}
	}
}

func (m *Mesh) currentDelay() time.Duration {
	m.mu.Lock()
	step := m.step
	m.mu.Unlock()
	if step >= len(backoffScheduleMs) {
		step = len(backoffScheduleMs) - 1
	}
	return time.Duration(backoffScheduleMs[step]) * time.Millisecond
}

func (m *Mesh) setStep(step int) {
	m.mu.Lock()
	m.step = step
	m.mu.Unlock()
}

func (m *Mesh) advanceStep() {
	m.mu.Lock()
	if m.step < len(backoffScheduleMs)-1 {
		m.step++
	}
	m.mu.Unlock()
}

func (m *Mesh) dispatch(ctx context.Context, msg Message) {
	conn, isNew, ok := m.peerFor(ctx, msg.SenderID)
	if isNew {
		m.broadcastNewPeer(ctx)
	}
	if !ok || msg.IsBeacon() {
		return
	}
	if err := conn.Signal(ctx, msg.Raw); err != nil {
		m.logger.Printf("signaling: signal delivery to %s failed: %v", msg.SenderID, err)
	}
}

// peerFor returns the live connection for remoteID, creating one if
// this is the first message ever seen from it. ok is false only when
// connection creation itself failed.
func (m *Mesh) peerFor(ctx context.Context, remoteID string) (conn peermesh.Connection, isNew, ok bool) {
	m.mu.Lock()
	if existing, found := m.peers[remoteID]; found {
		m.mu.Unlock()
		return existing, false, true
	}
	m.mu.Unlock()

	conn, err := m.factory.NewConnection(ctx, m.bus.SessionID(), remoteID, remoteID > m.bus.SessionID(), m.handlersFor(remoteID))
	if err != nil {
		m.logger.Printf("signaling: failed to create peer connection to %s: %v", remoteID, err)
		return nil, false, false
	}

	m.mu.Lock()
	m.peers[remoteID] = conn
	m.mu.Unlock()
	return conn, true, true
}

func (m *Mesh) handlersFor(remoteID string) peermesh.Handlers {
	return peermesh.Handlers{
		OnSignal: func(payload []byte) {
			if _, err := m.bus.SendMessage(context.Background(), rawMessage(payload)); err != nil {
				m.logger.Printf("signaling: failed to relay outbound signal to %s: %v", remoteID, err)
			}
		},
		OnConnect: func() { m.emitResync() },
		OnData: func(data string) {
			switch data {
			case "RESYNC":
				m.emitResync()
			case "NEW_PEER":
				m.setStep(0)
			default:
				m.logger.Printf("signaling: unrecognized data message from %s: %q", remoteID, data)
			}
		},
		OnError: func(err error) { m.emitResync() },
		OnClose: func() {
			m.emitResync()
			m.mu.Lock()
			delete(m.peers, remoteID)
			m.mu.Unlock()
		},
	}
}

func (m *Mesh) broadcastNewPeer(ctx context.Context) {
	m.mu.Lock()
	conns := make([]peermesh.Connection, 0, len(m.peers))
	for _, conn := range m.peers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.SendData(ctx, "NEW_PEER"); err != nil {
			m.logger.Printf("signaling: NEW_PEER broadcast failed: %v", err)
		}
	}
}

// BroadcastResync sends "RESYNC" over every connected peer's data
// channel, so the orchestrator's push commit hook can ask peers to
// re-pull without waiting for them to discover the change on their
// own poll schedule.
func (m *Mesh) BroadcastResync(ctx context.Context) {
	m.mu.Lock()
	conns := make([]peermesh.Connection, 0, len(m.peers))
	for _, conn := range m.peers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.SendData(ctx, "RESYNC"); err != nil {
			m.logger.Printf("signaling: RESYNC broadcast failed: %v", err)
		}
	}
}

func (m *Mesh) emitResync() {
	select {
	case m.resyncCh <- struct{}{}:
	default:
	}
}

type rawPayload []byte

func rawMessage(b []byte) rawPayload { return rawPayload(b) }

// MarshalJSON passes the opaque signal payload through unchanged,
// since it is already a serialized peermesh handshake blob.
func (r rawPayload) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
