// Package adapter glues the lobby protocol to the games manager: it
// executes lobby requests, projects engine events into lobby updates, and
// keeps the lobby's view of controller status current.
package adapter

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ernie/spring-autohost/internal/buffer"
	"github.com/ernie/spring-autohost/internal/domain"
	"github.com/ernie/spring-autohost/internal/engine"
	"github.com/ernie/spring-autohost/internal/manager"
	"github.com/ernie/spring-autohost/internal/multindex"
	"github.com/ernie/spring-autohost/internal/tachyon"
)

// GamesManager is the slice of the manager the adapter drives.
type GamesManager interface {
	Start(req *domain.StartRequest) (*manager.StartResult, error)
	Kill(battleID string) error
	SendPacket(battleID string, data []byte) error
	Current() int
	MaxBattles() int
	SetMaxBattles(n int)
	CloseAll()
}

// EngineRegistry is the slice of the versions registry the adapter drives.
type EngineRegistry interface {
	Versions() []string
	Install(version string) error
}

type battleState struct {
	index *multindex.Index
}

// Adapter is the controller's lobby-facing brain. One instance per process.
type Adapter struct {
	hostingIP string
	mgr       GamesManager
	registry  EngineRegistry
	buf       *buffer.Buffer

	mu       sync.Mutex
	battles  map[string]*battleState
	finished map[string]bool // battles that emitted a terminal update
	engines  []string
	publish  func(*tachyon.Envelope) error
}

// New creates the adapter. hostingIP is the address advertised to joining
// clients.
func New(hostingIP string, mgr GamesManager, registry EngineRegistry, buf *buffer.Buffer) *Adapter {
	a := &Adapter{
		hostingIP: hostingIP,
		mgr:       mgr,
		registry:  registry,
		buf:       buf,
		battles:   make(map[string]*battleState),
		finished:  make(map[string]bool),
	}
	return a
}

// Handlers returns the request handler table for the protocol dispatcher.
func (a *Adapter) Handlers() map[string]tachyon.Handler {
	return map[string]tachyon.Handler{
		tachyon.CmdStart:            a.handleStart,
		tachyon.CmdKill:             a.handleKill,
		tachyon.CmdAddPlayer:        a.handleAddPlayer,
		tachyon.CmdKickPlayer:       a.handleKickPlayer,
		tachyon.CmdMutePlayer:       a.handleMutePlayer,
		tachyon.CmdSpecPlayers:      a.handleSpecPlayers,
		tachyon.CmdSendCommand:      a.handleSendCommand,
		tachyon.CmdSendMessage:      a.handleSendMessage,
		tachyon.CmdSubscribeUpdates: a.handleSubscribeUpdates,
		tachyon.CmdInstallEngine:    a.handleInstallEngine,
	}
}

// HandleVersions is the event slot for the versions registry.
func (a *Adapter) HandleVersions(versions []string) {
	a.mu.Lock()
	a.engines = versions
	a.mu.Unlock()
	a.PublishStatus()
}

// Connected installs the publication path to the lobby and pushes the
// current status, per the initial-connection contract.
func (a *Adapter) Connected(send func(*tachyon.Envelope) error) {
	a.mu.Lock()
	a.publish = send
	a.mu.Unlock()
	a.PublishStatus()
}

// Disconnected drops the publication path and releases the updates
// subscription so the lobby can re-subscribe after reconnecting.
func (a *Adapter) Disconnected() {
	a.mu.Lock()
	a.publish = nil
	a.mu.Unlock()
	a.buf.Unsubscribe()
}

// Status snapshots the controller state advertised to the lobby.
func (a *Adapter) Status() domain.Status {
	a.mu.Lock()
	engines := append([]string(nil), a.engines...)
	a.mu.Unlock()
	return domain.Status{
		CurrentBattles:   a.mgr.Current(),
		MaxBattles:       a.mgr.MaxBattles(),
		AvailableEngines: engines,
	}
}

// PublishStatus pushes the status event to the lobby. Failures are logged
// and swallowed; the next status change retries.
func (a *Adapter) PublishStatus() {
	a.mu.Lock()
	send := a.publish
	a.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(tachyon.NewEvent(tachyon.CmdStatus, a.Status())); err != nil {
		log.Printf("adapter: publishing status: %v", err)
	}
}

// Drain stops admitting new battles and waits for running ones to finish.
func (a *Adapter) Drain(ctx context.Context) error {
	a.mgr.SetMaxBattles(0)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.mgr.Current() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ForceClose hard-kills every running battle. Used by the second shutdown
// signal.
func (a *Adapter) ForceClose() {
	a.mgr.CloseAll()
}

// --- lobby requests ---

// StartResponse is the success payload of autohost/start.
type StartResponse struct {
	IPs  []string `json:"ips"`
	Port int      `json:"port"`
}

func (a *Adapter) handleStart(data json.RawMessage) (any, error) {
	var req domain.StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	// The identity triples must form a bijection before anything runs.
	ix := multindex.New()
	for _, id := range req.Identities() {
		if err := ix.Set(id); err != nil {
			return nil, domain.NewError(domain.ReasonInvalidRequest, "invalid player list: %v", err)
		}
	}

	res, err := a.mgr.Start(&req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.battles[req.BattleID] = &battleState{index: ix}
	a.mu.Unlock()

	return &StartResponse{IPs: []string{a.hostingIP}, Port: res.Port}, nil
}

func (a *Adapter) handleKill(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string `json:"battleId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return nil, a.mgr.Kill(req.BattleID)
}

func (a *Adapter) handleAddPlayer(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string `json:"battleId"`
		UserID   string `json:"userId"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.battles[req.BattleID]
	if !ok {
		return nil, domain.NewError(domain.ReasonInvalidRequest, "battle %s does not exist", req.BattleID)
	}

	newUser := false
	if existing, known := b.index.ByUserID(req.UserID); known {
		// Known user: only a password change, and the name must agree.
		if existing.Name != req.Name {
			return nil, domain.NewError(domain.ReasonInvalidRequest,
				"user %s is named %q, not %q", req.UserID, existing.Name, req.Name)
		}
	} else {
		if b.index.HasName(req.Name) {
			return nil, domain.NewError(domain.ReasonInvalidRequest,
				"name %q is taken by another user", req.Name)
		}
		newUser = true
	}

	args := []string{req.Name, req.Password}
	if newUser {
		args = append(args, "1")
	}
	pkt, err := engine.SerializeCommand("adduser", args...)
	if err != nil {
		return nil, domain.NewError(domain.ReasonInvalidRequest, "%v", err)
	}
	if err := a.mgr.SendPacket(req.BattleID, pkt); err != nil {
		// The identity is only recorded once the engine got the packet.
		return nil, err
	}

	if newUser {
		id := domain.PlayerIdentity{
			UserID:       req.UserID,
			Name:         req.Name,
			PlayerNumber: b.index.Len(),
		}
		if err := b.index.Set(id); err != nil {
			return nil, domain.NewError(domain.ReasonInternalError, "recording identity: %v", err)
		}
	}
	return nil, nil
}

func (a *Adapter) handleKickPlayer(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string `json:"battleId"`
		UserID   string `json:"userId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	name, err := a.nameFor(req.BattleID, req.UserID)
	if err != nil {
		return nil, err
	}
	return nil, a.sendCommand(req.BattleID, "kick", name)
}

func (a *Adapter) handleMutePlayer(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string `json:"battleId"`
		UserID   string `json:"userId"`
		Chat     bool   `json:"chat"`
		Draw     bool   `json:"draw"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	name, err := a.nameFor(req.BattleID, req.UserID)
	if err != nil {
		return nil, err
	}
	return nil, a.sendCommand(req.BattleID, "mute", name, boolArg(req.Chat), boolArg(req.Draw))
}

func (a *Adapter) handleSpecPlayers(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string   `json:"battleId"`
		UserIDs  []string `json:"userIds"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	// All lookups must succeed before any packet goes out.
	names := make([]string, 0, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		name, err := a.nameFor(req.BattleID, userID)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	for _, name := range names {
		if err := a.sendCommand(req.BattleID, "spec", name); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (a *Adapter) handleSendCommand(data json.RawMessage) (any, error) {
	var req struct {
		BattleID  string   `json:"battleId"`
		Command   string   `json:"command"`
		Arguments []string `json:"arguments"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return nil, a.sendCommand(req.BattleID, req.Command, req.Arguments...)
}

func (a *Adapter) handleSendMessage(data json.RawMessage) (any, error) {
	var req struct {
		BattleID string `json:"battleId"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	pkt, err := engine.SerializeMessage(req.Message)
	if err != nil {
		return nil, domain.NewError(domain.ReasonInvalidRequest, "%v", err)
	}
	return nil, a.mgr.SendPacket(req.BattleID, pkt)
}

func (a *Adapter) handleSubscribeUpdates(data json.RawMessage) (any, error) {
	var req struct {
		Since int64 `json:"since"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	err := a.buf.Subscribe(req.Since, func(ev domain.BufferedUpdate) error {
		a.publishUpdate(ev)
		return nil
	})
	if err != nil {
		return nil, domain.NewError(domain.ReasonInvalidRequest, "%v", err)
	}
	return nil, nil
}

func (a *Adapter) handleInstallEngine(data json.RawMessage) (any, error) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := a.registry.Install(req.Version); err != nil {
		return nil, domain.NewError(domain.ReasonInvalidRequest, "installing %s: %v", req.Version, err)
	}
	return nil, nil
}

// nameFor resolves a user id to the display name the engine knows.
func (a *Adapter) nameFor(battleID, userID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.battles[battleID]
	if !ok {
		return "", domain.NewError(domain.ReasonInvalidRequest, "battle %s does not exist", battleID)
	}
	id, ok := b.index.ByUserID(userID)
	if !ok {
		return "", domain.NewError(domain.ReasonInvalidRequest, "unknown user %s", userID)
	}
	return id.Name, nil
}

func (a *Adapter) sendCommand(battleID, command string, args ...string) error {
	pkt, err := engine.SerializeCommand(command, args...)
	if err != nil {
		return domain.NewError(domain.ReasonInvalidRequest, "%v", err)
	}
	return a.mgr.SendPacket(battleID, pkt)
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// --- engine events ---

// HandlePacket is the manager's packet slot: it projects one engine event
// and pushes the result into the updates buffer.
func (a *Adapter) HandlePacket(battleID string, ev engine.Event) {
	a.mu.Lock()
	b, ok := a.battles[battleID]
	if !ok {
		a.mu.Unlock()
		return
	}
	update, err := projectEvent(b.index, ev)
	if err != nil {
		a.mu.Unlock()
		log.Printf("adapter: battle %s: dropping event: %v", battleID, err)
		return
	}
	if update == nil {
		a.mu.Unlock()
		return
	}
	if update.Type == domain.UpdateEngineQuit {
		if a.finished[battleID] {
			a.mu.Unlock()
			return
		}
		a.finished[battleID] = true
	}
	a.mu.Unlock()

	a.buf.Push(battleID, *update)
}

// HandleEngineError publishes the crash update, unless the battle already
// finished cleanly.
func (a *Adapter) HandleEngineError(battleID string, err error) {
	a.mu.Lock()
	_, known := a.battles[battleID]
	if !known || a.finished[battleID] {
		a.mu.Unlock()
		return
	}
	a.finished[battleID] = true
	a.mu.Unlock()

	a.buf.Push(battleID, domain.Update{
		Type:    domain.UpdateEngineCrash,
		Details: err.Error(),
	})
}

// HandleExit emits a synthetic engine_quit when the engine went away
// without saying SERVER_QUIT.
func (a *Adapter) HandleExit(battleID string) {
	a.mu.Lock()
	_, known := a.battles[battleID]
	delete(a.battles, battleID)
	needQuit := known && !a.finished[battleID]
	if needQuit {
		a.finished[battleID] = true
	}
	a.mu.Unlock()

	if needQuit {
		a.buf.Push(battleID, domain.Update{Type: domain.UpdateEngineQuit})
	}
}

func (a *Adapter) publishUpdate(ev domain.BufferedUpdate) {
	a.mu.Lock()
	send := a.publish
	a.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(tachyon.NewEvent(tachyon.CmdUpdate, ev)); err != nil {
		log.Printf("adapter: publishing update: %v", err)
	}
}
