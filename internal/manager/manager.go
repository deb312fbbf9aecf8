// Package manager owns the pool of engine runners: battle admission, port
// allocation, capacity accounting, and per-battle event fan-out.
package manager

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ernie/spring-autohost/internal/domain"
	"github.com/ernie/spring-autohost/internal/engine"
)

// Options configures the manager from the controller's settings.
type Options struct {
	EnginesDir        string
	InstancesDir      string
	EngineBindIP      string
	EngineStartPort   int
	AutohostStartPort int
	MaxPortsUsed      int
	MaxBattles        int
	MaxGameDuration   time.Duration
	EngineSettings    map[string]string
}

// Handlers are the manager's outward event slots. Capacity fires strictly
// after the start or exit it reports has taken effect.
type Handlers struct {
	Packet   func(battleID string, ev engine.Event)
	Error    func(battleID string, err error)
	Exit     func(battleID string)
	Capacity func(current int)
}

// Runner is the slice of engine.Runner the manager drives. The concrete
// runner satisfies it; tests substitute a synthetic one.
type Runner interface {
	Run(engine.RunOptions) error
	SendPacket([]byte) error
	Close()
}

// runnerFactory builds the runner for one battle; swapped out in tests.
type runnerFactory func(battleID string, h engine.Handlers) Runner

type battle struct {
	id        string
	runner    Runner
	offset    int
	started   bool // reached the runner's start event
	exited    bool
	killTimer *time.Timer // absolute match duration
}

// Manager runs battles. One instance per process.
type Manager struct {
	opts      Options
	handlers  Handlers
	newRunner runnerFactory

	mu         sync.Mutex
	maxBattles int
	battles    map[string]*battle
	usedIDs    map[string]bool // never shrinks
	usedPorts  map[int]bool
	cursor     int
	observed   int // battles that emitted start and not yet exit
}

// New creates a manager. Handlers must be set before the first Start.
func New(opts Options, handlers Handlers) *Manager {
	return &Manager{
		opts:     opts,
		handlers: handlers,
		newRunner: func(battleID string, h engine.Handlers) Runner {
			return engine.NewRunner(battleID, h)
		},
		maxBattles: opts.MaxBattles,
		battles:    make(map[string]*battle),
		usedIDs:    make(map[string]bool),
		usedPorts:  make(map[int]bool),
	}
}

// StartResult is returned to the lobby on a successful start.
type StartResult struct {
	Port int // engine battle port for joining clients
}

// Start admits one battle and blocks until its engine reports ready. The
// battle id must never have been used in this process, even by a battle that
// has since ended.
func (m *Manager) Start(req *domain.StartRequest) (*StartResult, error) {
	engineDir := filepath.Join(m.opts.EnginesDir, req.EngineVersion)
	if _, err := os.Stat(filepath.Join(engineDir, engine.BinaryName())); err != nil {
		return nil, domain.NewError(domain.ReasonEngineVersionNotSupported,
			"engine %s is not installed", req.EngineVersion)
	}

	startCh := make(chan struct{})
	errCh := make(chan error, 8)

	m.mu.Lock()
	if m.usedIDs[req.BattleID] {
		m.mu.Unlock()
		return nil, domain.NewError(domain.ReasonBattleAlreadyExists,
			"battle %s was already started", req.BattleID)
	}
	if len(m.battles) >= m.maxBattles {
		m.mu.Unlock()
		return nil, domain.NewError(domain.ReasonInvalidRequest,
			"at capacity: %d battles running", m.maxBattles)
	}
	offset, err := m.findFreeOffsetLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, domain.NewError(domain.ReasonInvalidRequest, "%v", err)
	}

	b := &battle{id: req.BattleID, offset: offset}
	b.runner = m.newRunner(req.BattleID, engine.Handlers{
		Start: func() {
			close(startCh)
		},
		Packet: func(ev engine.Event) {
			if m.handlers.Packet != nil {
				m.handlers.Packet(req.BattleID, ev)
			}
		},
		Error: func(err error) {
			select {
			case errCh <- err:
			default:
			}
			if m.handlers.Error != nil {
				m.handlers.Error(req.BattleID, err)
			}
		},
		Exit: func() {
			m.handleExit(b)
		},
	})

	m.usedIDs[req.BattleID] = true
	m.usedPorts[offset] = true
	m.battles[req.BattleID] = b
	m.mu.Unlock()

	hostPort := m.opts.EngineStartPort + offset
	autohostPort := m.opts.AutohostStartPort + offset
	script := engine.RenderStartScript(req, engine.ScriptOptions{
		HostIP:       m.opts.EngineBindIP,
		HostPort:     hostPort,
		AutohostPort: autohostPort,
	})

	runErr := b.runner.Run(engine.RunOptions{
		Script:       script,
		Settings:     engine.RenderSettings(m.opts.EngineSettings),
		EngineDir:    engineDir,
		InstanceDir:  filepath.Join(m.opts.InstancesDir, req.BattleID),
		AutohostPort: autohostPort,
	})
	if runErr != nil {
		b.runner.Close()
		return nil, domain.NewError(domain.ReasonInternalError, "%v", runErr)
	}

	select {
	case <-startCh:
	case err := <-errCh:
		b.runner.Close()
		return nil, domain.NewError(domain.ReasonInternalError, "engine failed to start: %v", err)
	}

	m.mu.Lock()
	if b.exited {
		// The engine started and already exited before we re-locked; the
		// exit path saw started==false and did not decrement, so do not
		// count this battle at all.
		m.mu.Unlock()
		return &StartResult{Port: hostPort}, nil
	}
	b.started = true
	m.observed++
	current := m.observed
	if m.opts.MaxGameDuration > 0 {
		b.killTimer = time.AfterFunc(m.opts.MaxGameDuration, func() {
			log.Printf("battle %s: reached maximum game duration %s, closing",
				b.id, m.opts.MaxGameDuration)
			b.runner.Close()
		})
	}
	m.mu.Unlock()

	if m.handlers.Capacity != nil {
		go m.handlers.Capacity(current)
	}
	return &StartResult{Port: hostPort}, nil
}

// Kill closes a battle's runner. The runner's own Close is idempotent, so a
// second Kill for a still-draining battle is harmless.
func (m *Manager) Kill(battleID string) error {
	m.mu.Lock()
	b, ok := m.battles[battleID]
	m.mu.Unlock()
	if !ok {
		return domain.NewError(domain.ReasonInvalidRequest, "unknown battle %s", battleID)
	}
	b.runner.Close()
	return nil
}

// SendPacket forwards one datagram to a battle's engine.
func (m *Manager) SendPacket(battleID string, data []byte) error {
	m.mu.Lock()
	b, ok := m.battles[battleID]
	m.mu.Unlock()
	if !ok {
		return domain.NewError(domain.ReasonInvalidRequest, "unknown battle %s", battleID)
	}
	return b.runner.SendPacket(data)
}

// Current returns the number of battles that have started and not exited.
func (m *Manager) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed
}

// MaxBattles returns the current admission limit.
func (m *Manager) MaxBattles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBattles
}

// SetMaxBattles changes the admission limit. Lowering it never closes
// running battles; SetMaxBattles(0) drains the pool.
func (m *Manager) SetMaxBattles(n int) {
	m.mu.Lock()
	m.maxBattles = n
	m.mu.Unlock()
}

// CloseAll force-closes every battle. Used by the second shutdown signal.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	runners := make([]Runner, 0, len(m.battles))
	for _, b := range m.battles {
		runners = append(runners, b.runner)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.Close()
	}
}

func (m *Manager) handleExit(b *battle) {
	m.mu.Lock()
	if b.exited {
		m.mu.Unlock()
		return
	}
	b.exited = true
	if b.killTimer != nil {
		b.killTimer.Stop()
	}
	delete(m.battles, b.id)
	delete(m.usedPorts, b.offset)
	wasObserved := b.started
	if wasObserved {
		m.observed--
	}
	current := m.observed
	m.mu.Unlock()

	if m.handlers.Exit != nil {
		m.handlers.Exit(b.id)
	}
	if wasObserved && m.handlers.Capacity != nil {
		m.handlers.Capacity(current)
	}
}

// findFreeOffsetLocked advances a rotating cursor and scans forward for a
// free offset.
func (m *Manager) findFreeOffsetLocked() (int, error) {
	for i := 1; i <= m.opts.MaxPortsUsed; i++ {
		offset := (m.cursor + i) % m.opts.MaxPortsUsed
		if !m.usedPorts[offset] {
			m.cursor = offset
			return offset, nil
		}
	}
	return 0, fmt.Errorf("no free ports")
}
