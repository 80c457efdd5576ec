// Package transport is the real-time peer-to-peer channel. The
// default backend is an in-process bus; a relay-backed go-waku
// backend is compiled in with the real_waku build tag.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"kraken-chat/go-backend/internal/platform/ratelimiter"
	"kraken-chat/go-backend/pkg/models"
)

const (
	BackendMock   = "mock"
	BackendGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

// ErrUnavailable is returned when the channel cannot deliver. Sends
// failing with it surface as message status "failed", never as a
// silent drop.
var (
	ErrUnavailable    = errors.New("transport unavailable")
	ErrNotInitialized = errors.New("transport is not initialized")
	ErrRateLimited    = errors.New("send rate limit exceeded")
)

// WireMessage is the payload exchanged over the P2P channel.
type WireMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	SentAt    time.Time `json:"sent_at"`
}

// Status is polled, not pushed.
type Status struct {
	Connected bool
	State     string
	PeerCount int
}

type Config struct {
	Backend             string        `yaml:"backend"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	SendRatePerSec      float64       `yaml:"sendRatePerSec"`
	SendBurst           int           `yaml:"sendBurst"`
}

func DefaultConfig() Config {
	return Config{
		Backend:             BackendMock,
		Port:                60000,
		MinPeers:            1,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		SendRatePerSec:      10,
		SendBurst:           20,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = def.SendRatePerSec
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}
	return cfg
}

type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	SetIdentity(identityID string)
	Subscribe(onMessage func(WireMessage), onPresence func(models.PresenceSet)) error
	Publish(ctx context.Context, msg WireMessage) error
	Unsubscribe()
}

// Node implements the transport adapter contract. All callbacks are
// delivered asynchronously; after Destroy no callback fires again.
// Deliveries that arrive before a handler is registered (a backend may
// drain its offline mailbox during Initialize) are held and flushed to
// the first registered handler instead of being dropped.
type Node struct {
	mu           sync.RWMutex
	cfg          Config
	state        string
	selfID       string
	alive        bool
	onMessage    func(WireMessage)
	onPresence   func(models.PresenceSet)
	held         []WireMessage
	lastPresence models.PresenceSet
	hasPresence  bool
	be           backend
	limiter      *ratelimiter.MapLimiter
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:     cfg,
		state:   StateDisconnected,
		limiter: ratelimiter.New(cfg.SendRatePerSec, cfg.SendBurst, 10*time.Minute),
	}
}

// Initialize establishes the channel for the identity. Failure leaves
// the node disconnected; the caller degrades to local-only mode.
func (n *Node) Initialize(ctx context.Context, identity string) error {
	identity = models.NormalizeIdentity(identity)
	if identity == "" {
		return errors.New("identity is required")
	}

	n.mu.Lock()
	n.selfID = identity
	n.state = StateConnecting
	n.mu.Unlock()

	be, err := n.startBackend(ctx)
	if err != nil {
		n.mu.Lock()
		n.state = StateDisconnected
		n.mu.Unlock()
		return err
	}
	be.SetIdentity(identity)

	n.mu.Lock()
	n.be = be
	n.alive = true
	n.state = stateFromPeerCount(be.PeerCount(), n.cfg)
	onMessage := n.onMessage
	onPresence := n.onPresence
	n.mu.Unlock()

	return be.Subscribe(n.guardMessage(onMessage), n.guardPresence(onPresence))
}

func (n *Node) startBackend(ctx context.Context) (backend, error) {
	if n.cfg.Backend == BackendGoWaku {
		be := newWakuBackend()
		if be == nil {
			return nil, errors.New("go-waku backend is not available in this build")
		}
		if err := be.Start(ctx, n.cfg); err != nil {
			return nil, err
		}
		return be, nil
	}
	be := newBusBackend()
	if err := be.Start(ctx, n.cfg); err != nil {
		return nil, err
	}
	return be, nil
}

// OnMessage registers the inbound handler and flushes any deliveries
// held while no handler was registered. Handlers must return quickly;
// long processing is deferred by the caller.
func (n *Node) OnMessage(fn func(WireMessage)) {
	n.mu.Lock()
	n.onMessage = fn
	held := n.held
	n.held = nil
	n.mu.Unlock()
	if fn == nil || len(held) == 0 {
		return
	}
	go func() {
		for _, msg := range held {
			n.mu.RLock()
			alive := n.alive
			n.mu.RUnlock()
			if !alive {
				return
			}
			fn(msg)
		}
	}()
}

// OnPresence registers the presence handler. Each delivery carries the
// full current online set, superseding the previous one; a set that
// arrived before registration is replayed once.
func (n *Node) OnPresence(fn func(models.PresenceSet)) {
	n.mu.Lock()
	n.onPresence = fn
	set := n.lastPresence
	has := n.hasPresence
	n.lastPresence = nil
	n.hasPresence = false
	n.mu.Unlock()
	if fn == nil || !has {
		return
	}
	go func() {
		n.mu.RLock()
		alive := n.alive
		n.mu.RUnlock()
		if alive {
			fn(set)
		}
	}()
}

// SendMessage delivers content to the recipient, best effort. Errors
// are rejections the caller converts into failed message state.
func (n *Node) SendMessage(ctx context.Context, msg WireMessage) error {
	n.mu.RLock()
	be := n.be
	state := n.state
	selfID := n.selfID
	n.mu.RUnlock()

	if be == nil || state == StateDisconnected {
		// A channel that never came up is unavailable: the caller
		// converts this into failed message state, not a silent drop.
		return errors.Join(ErrUnavailable, ErrNotInitialized)
	}
	if models.NormalizeIdentity(msg.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if !n.limiter.Allow(msg.Recipient, time.Now()) {
		return ErrRateLimited
	}
	msg.Sender = selfID
	msg.Recipient = models.NormalizeIdentity(msg.Recipient)
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if err := be.Publish(ctx, msg); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// ConnectionStatus is the polled status contract.
func (n *Node) ConnectionStatus() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peerCount := 0
	if n.be != nil {
		peerCount = n.be.PeerCount()
	}
	state := n.state
	if state == StateConnected && peerCount == 0 && n.cfg.Backend == BackendGoWaku {
		state = StateDegraded
	}
	return Status{
		Connected: state == StateConnected || state == StateDegraded,
		State:     state,
		PeerCount: peerCount,
	}
}

// Destroy releases the channel. Safe to call before Initialize and
// more than once; pending callbacks observe the liveness flag and do
// not mutate state afterwards.
func (n *Node) Destroy() {
	n.mu.Lock()
	be := n.be
	n.be = nil
	n.alive = false
	n.state = StateDisconnected
	n.held = nil
	n.lastPresence = nil
	n.hasPresence = false
	n.mu.Unlock()

	if be != nil {
		be.Unsubscribe()
		be.Stop()
	}
}

func (n *Node) guardMessage(fn func(WireMessage)) func(WireMessage) {
	return func(msg WireMessage) {
		n.mu.Lock()
		if !n.alive {
			n.mu.Unlock()
			return
		}
		handler := n.onMessage
		if handler == nil {
			handler = fn
		}
		if handler == nil {
			// No consumer yet; hold until OnMessage registers one.
			n.held = append(n.held, msg)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		handler(msg)
	}
}

func (n *Node) guardPresence(fn func(models.PresenceSet)) func(models.PresenceSet) {
	return func(set models.PresenceSet) {
		n.mu.Lock()
		if !n.alive {
			n.mu.Unlock()
			return
		}
		handler := n.onPresence
		if handler == nil {
			handler = fn
		}
		if handler == nil {
			n.lastPresence = set
			n.hasPresence = true
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		handler(set)
	}
}

func stateFromPeerCount(peerCount int, cfg Config) string {
	if cfg.Backend != BackendGoWaku {
		return StateConnected
	}
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if peerCount >= target {
		return StateConnected
	}
	return StateDegraded
}
