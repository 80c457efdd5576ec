//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"

	"kraken-chat/go-backend/pkg/models"
)

const (
	directPubsubTopic    = "/waku/2/default-waku/proto"
	directContentTopic   = "/kraken-chat/1/direct-message/proto"
	presenceContentTopic = "/kraken-chat/1/presence/proto"

	presenceInterval = 15 * time.Second
	presenceTTL      = 3 * presenceInterval
)

type presenceBeacon struct {
	Identity string    `json:"identity"`
	SentAt   time.Time `json:"sent_at"`
}

type wakuBackend struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	cfg            Config
	bootstrapNodes []string
	lastSeen       map[string]time.Time
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

func newWakuBackend() backend {
	return &wakuBackend{lastSeen: make(map[string]time.Time)}
}

func (w *wakuBackend) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
		wakuNode.WithLightPush(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	bootstrap := validBootstrapAddrs(cfg.BootstrapNodes)
	for _, addr := range bootstrap {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "reason", err.Error())
		}
	}

	w.mu.Lock()
	w.node = node
	w.cfg = cfg
	w.bootstrapNodes = bootstrap
	w.mu.Unlock()
	return nil
}

// validBootstrapAddrs drops entries that do not parse as multiaddrs so
// the redial loop never burns attempts on typos.
func validBootstrapAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("ignoring invalid bootstrap address", "reason", err.Error())
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (w *wakuBackend) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	node := w.node
	w.node = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		w.wg.Wait()
	}
	if node != nil {
		node.Stop()
	}
}

func (w *wakuBackend) PeerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.node == nil {
		return 0
	}
	return w.node.PeerCount()
}

func (w *wakuBackend) SetIdentity(identityID string) {
	w.mu.Lock()
	w.selfID = identityID
	w.mu.Unlock()
}

func (w *wakuBackend) Subscribe(onMessage func(WireMessage), onPresence func(models.PresenceSet)) error {
	w.mu.Lock()
	node := w.node
	selfID := w.selfID
	w.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	if selfID == "" {
		return errors.New("identity is not set")
	}

	filter := protocol.NewContentFilter(directPubsubTopic, directContentTopic, presenceContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	for _, sub := range subs {
		w.wg.Add(1)
		go func(subscription *relay.Subscription) {
			defer w.wg.Done()
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				switch env.Message().ContentTopic {
				case presenceContentTopic:
					w.consumePresence(env.Message().Payload)
				default:
					var msg WireMessage
					if err := json.Unmarshal(env.Message().Payload, &msg); err != nil {
						continue
					}
					if msg.Recipient != selfID {
						continue
					}
					onMessage(msg)
				}
			}
		}(sub)
	}

	w.wg.Add(2)
	go w.heartbeatLoop(runCtx, selfID)
	go w.presenceNotifyLoop(runCtx, onPresence)
	w.maintainPeers(runCtx)
	return nil
}

func (w *wakuBackend) Publish(ctx context.Context, msg WireMessage) error {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: directContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(directPubsubTopic))
	return err
}

func (w *wakuBackend) Unsubscribe() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.wg.Wait()
	}
}

func (w *wakuBackend) consumePresence(payload []byte) {
	var beacon presenceBeacon
	if err := json.Unmarshal(payload, &beacon); err != nil {
		return
	}
	if beacon.Identity == "" {
		return
	}
	w.mu.Lock()
	w.lastSeen[beacon.Identity] = time.Now()
	w.mu.Unlock()
}

// heartbeatLoop announces this identity so peers can track presence.
func (w *wakuBackend) heartbeatLoop(ctx context.Context, selfID string) {
	defer w.wg.Done()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		w.publishBeacon(ctx, selfID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *wakuBackend) publishBeacon(ctx context.Context, selfID string) {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return
	}
	payload, err := json.Marshal(presenceBeacon{Identity: selfID, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: presenceContentTopic,
		Timestamp:    &ts,
	}
	if _, err := node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(directPubsubTopic)); err != nil {
		slog.Warn("presence beacon publish failed", "reason", err.Error())
	}
}

// presenceNotifyLoop pushes the full online set whenever it changes.
// Entries expire after missing three heartbeats.
func (w *wakuBackend) presenceNotifyLoop(ctx context.Context, onPresence func(models.PresenceSet)) {
	defer w.wg.Done()
	if onPresence == nil {
		return
	}
	ticker := time.NewTicker(presenceInterval / 3)
	defer ticker.Stop()
	var last models.PresenceSet
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := w.onlineSet(time.Now())
			if presenceEqual(last, current) {
				continue
			}
			last = current
			onPresence(current)
		}
	}
}

func (w *wakuBackend) onlineSet(now time.Time) models.PresenceSet {
	cutoff := now.Add(-presenceTTL)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(models.PresenceSet, len(w.lastSeen))
	for id, seen := range w.lastSeen {
		if seen.Before(cutoff) {
			delete(w.lastSeen, id)
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func presenceEqual(a, b models.PresenceSet) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// maintainPeers redials bootstrap nodes with jittered backoff while
// the peer count is below target.
func (w *wakuBackend) maintainPeers(ctx context.Context) {
	w.mu.RLock()
	bootstrap := append([]string(nil), w.bootstrapNodes...)
	cfg := w.cfg
	w.mu.RUnlock()
	if len(bootstrap) == 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					continue
				}
				if w.redial(ctx, bootstrap, rnd) || !w.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (w *wakuBackend) needMorePeers() bool {
	w.mu.RLock()
	node := w.node
	target := w.cfg.MinPeers
	bootstrapCount := len(w.bootstrapNodes)
	w.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = 1
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func (w *wakuBackend) redial(ctx context.Context, bootstrap []string, rnd *rand.Rand) bool {
	w.mu.RLock()
	node := w.node
	w.mu.RUnlock()
	if node == nil {
		return false
	}
	addrs := append([]string(nil), bootstrap...)
	rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	success := false
	for _, addr := range addrs {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("peer redial failed", "reason", err.Error())
			continue
		}
		success = true
	}
	return success
}
