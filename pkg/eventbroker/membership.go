package eventbroker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bitechdev/filtergateway/pkg/logger"
)

// ClusterMembership is the pluggable cluster-group discovery facility used
// only by Supervisor.Processes(). A single-node implementation returns just
// the local Supervisor's handle.
type ClusterMembership interface {
	// Join registers selfID under group and starts announcing presence.
	Join(group, selfID string) error

	// Processes returns every member currently known to be live in group.
	Processes(group string) []string

	// Leave stops announcing presence and releases any resources.
	Leave() error
}

// LocalMembership is the single-node ClusterMembership: Processes always
// returns exactly the local handle that Joined.
type LocalMembership struct {
	mu     sync.RWMutex
	selfID string
	joined bool
}

// NewLocalMembership constructs a LocalMembership.
func NewLocalMembership() *LocalMembership {
	return &LocalMembership{}
}

func (m *LocalMembership) Join(group, selfID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfID = selfID
	m.joined = true
	return nil
}

func (m *LocalMembership) Processes(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.joined {
		return nil
	}
	return []string{m.selfID}
}

func (m *LocalMembership) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = false
	return nil
}

// NATSMembership backs ClusterMembership with a NATS heartbeat: every
// member periodically publishes its ID on the group's subject and prunes
// peers it hasn't heard from within 3 heartbeat intervals.
type NATSMembership struct {
	nc       *nats.Conn
	subject  string
	interval time.Duration

	mu       sync.RWMutex
	selfID   string
	lastSeen map[string]time.Time

	sub    *nats.Subscription
	ticker *time.Ticker
	stopCh chan struct{}
}

type heartbeatMsg struct {
	ID string `json:"id"`
}

// NewNATSMembership connects to url and prepares a membership backed by
// subject, announcing every interval.
func NewNATSMembership(url, subject string, interval time.Duration) (*NATSMembership, error) {
	nc, err := nats.Connect(url, nats.Name("filtergateway-membership"))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &NATSMembership{
		nc:       nc,
		subject:  subject,
		interval: interval,
		lastSeen: make(map[string]time.Time),
	}, nil
}

func (m *NATSMembership) Join(group, selfID string) error {
	m.mu.Lock()
	m.selfID = selfID
	m.mu.Unlock()

	sub, err := m.nc.Subscribe(m.subject, func(msg *nats.Msg) {
		var hb heartbeatMsg
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			logger.Warn("filtergateway membership: malformed heartbeat: %v", err)
			return
		}
		m.mu.Lock()
		m.lastSeen[hb.ID] = time.Now()
		m.mu.Unlock()
	})
	if err != nil {
		return err
	}
	m.sub = sub

	m.stopCh = make(chan struct{})
	m.ticker = time.NewTicker(m.interval)
	go m.announce()

	return m.publishHeartbeat()
}

func (m *NATSMembership) announce() {
	defer logger.CatchPanic("filtergateway.membership.announce")
	for {
		select {
		case <-m.ticker.C:
			if err := m.publishHeartbeat(); err != nil {
				logger.Warn("filtergateway membership: failed to publish heartbeat: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *NATSMembership) publishHeartbeat() error {
	m.mu.RLock()
	selfID := m.selfID
	m.mu.RUnlock()

	data, err := json.Marshal(heartbeatMsg{ID: selfID})
	if err != nil {
		return err
	}
	return m.nc.Publish(m.subject, data)
}

func (m *NATSMembership) Processes(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-3 * m.interval)
	out := make([]string, 0, len(m.lastSeen)+1)
	out = append(out, m.selfID)
	for id, seen := range m.lastSeen {
		if id == m.selfID {
			continue
		}
		if seen.After(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func (m *NATSMembership) Leave() error {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.stopCh != nil {
		close(m.stopCh)
	}
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	m.nc.Close()
	return nil
}
