package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ernie/spring-autohost/internal/buffer"
	"github.com/ernie/spring-autohost/internal/domain"
	"github.com/ernie/spring-autohost/internal/engine"
	"github.com/ernie/spring-autohost/internal/manager"
	"github.com/ernie/spring-autohost/internal/tachyon"
)

type fakeManager struct {
	mu         sync.Mutex
	port       int
	startErr   error
	sendErr    error
	started    []string
	killed     []string
	sent       map[string][][]byte
	current    int
	maxBattles int
}

func newFakeManager() *fakeManager {
	return &fakeManager{port: 20001, maxBattles: 50, sent: make(map[string][][]byte)}
}

func (f *fakeManager) Start(req *domain.StartRequest) (*manager.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req.BattleID)
	f.current++
	return &manager.StartResult{Port: f.port}, nil
}

func (f *fakeManager) Kill(battleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, battleID)
	return nil
}

func (f *fakeManager) SendPacket(battleID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[battleID] = append(f.sent[battleID], data)
	return nil
}

func (f *fakeManager) packets(battleID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent[battleID] {
		out = append(out, string(p))
	}
	return out
}

func (f *fakeManager) Current() int        { f.mu.Lock(); defer f.mu.Unlock(); return f.current }
func (f *fakeManager) MaxBattles() int     { f.mu.Lock(); defer f.mu.Unlock(); return f.maxBattles }
func (f *fakeManager) SetMaxBattles(n int) { f.mu.Lock(); defer f.mu.Unlock(); f.maxBattles = n }
func (f *fakeManager) CloseAll()           {}

type fakeRegistry struct {
	mu        sync.Mutex
	versions  []string
	installed []string
	err       error
}

func (f *fakeRegistry) Versions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions
}

func (f *fakeRegistry) Install(version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.installed = append(f.installed, version)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeManager, *fakeRegistry) {
	t.Helper()
	mgr := newFakeManager()
	reg := &fakeRegistry{versions: []string{"2025.01.0"}}
	a := New("203.0.113.7", mgr, reg, buffer.New(10*time.Minute))
	return a, mgr, reg
}

const startData = `{
	"battleId": "battle-1",
	"engineVersion": "2025.01.0",
	"gameName": "Game 1.0",
	"mapName": "Quicksilver",
	"allyTeams": [
		{"teams": [{"players": [
			{"userId": "u0", "name": "Alice", "password": "p0"},
			{"userId": "u1", "name": "Bob", "password": "p1"}
		]}]}
	],
	"spectators": [{"userId": "u2", "name": "Carol", "password": "p2"}]
}`

func mustStart(t *testing.T, a *Adapter) {
	t.Helper()
	if _, err := a.handleStart(json.RawMessage(startData)); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var derr *domain.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	return derr.Reason
}

// recentSince is a replay point a few seconds back: inside the retention
// window, but before anything this test pushed.
func recentSince() int64 {
	return time.Now().UnixMicro() - (5 * time.Second).Microseconds()
}

func collectUpdates(t *testing.T, a *Adapter) *updateSink {
	t.Helper()
	s := &updateSink{}
	if err := a.buf.Subscribe(recentSince(), func(ev domain.BufferedUpdate) error {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return s
}

type updateSink struct {
	mu     sync.Mutex
	events []domain.BufferedUpdate
}

func (s *updateSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Update.Type)
	}
	return out
}

func (s *updateSink) last() domain.BufferedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func TestStartAndKill(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)

	res, err := a.handleStart(json.RawMessage(startData))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sr := res.(*StartResponse)
	if len(sr.IPs) != 1 || sr.IPs[0] != "203.0.113.7" {
		t.Errorf("ips = %v", sr.IPs)
	}
	if sr.Port != 20001 {
		t.Errorf("port = %d, want 20001", sr.Port)
	}

	if _, err := a.handleKill(json.RawMessage(`{"battleId": "battle-1"}`)); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if len(mgr.killed) != 1 || mgr.killed[0] != "battle-1" {
		t.Errorf("killed = %v", mgr.killed)
	}
}

func TestStartRejectsDuplicateIdentities(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	data := strings.Replace(startData, `"userId": "u1"`, `"userId": "u0"`, 1)

	_, err := a.handleStart(json.RawMessage(data))
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("got %v", err)
	}
	if len(mgr.started) != 0 {
		t.Error("manager must not be called for an invalid player list")
	}
}

func TestStartPropagatesManagerError(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mgr.startErr = domain.NewError(domain.ReasonBattleAlreadyExists, "battle battle-1 was already started")

	_, err := a.handleStart(json.RawMessage(startData))
	if reasonOf(t, err) != domain.ReasonBattleAlreadyExists {
		t.Errorf("got %v", err)
	}
}

func TestAddPlayerNewUser(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	_, err := a.handleAddPlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u9", "name": "Eve", "password": "pw"}`))
	if err != nil {
		t.Fatalf("addPlayer failed: %v", err)
	}
	if got := mgr.packets("battle-1"); len(got) != 1 || got[0] != "/adduser Eve pw 1" {
		t.Errorf("packets = %v", got)
	}

	// The identity is usable afterwards.
	if _, err := a.handleKickPlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u9"}`)); err != nil {
		t.Errorf("kick of added player failed: %v", err)
	}
	if got := mgr.packets("battle-1"); got[len(got)-1] != "/kick Eve" {
		t.Errorf("packets = %v", got)
	}
}

func TestAddPlayerPasswordChange(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	_, err := a.handleAddPlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u0", "name": "Alice", "password": "newpw"}`))
	if err != nil {
		t.Fatalf("addPlayer failed: %v", err)
	}
	// Known user: no trailing "1".
	if got := mgr.packets("battle-1"); len(got) != 1 || got[0] != "/adduser Alice newpw" {
		t.Errorf("packets = %v", got)
	}
}

func TestAddPlayerValidation(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	cases := []struct {
		name string
		data string
	}{
		{"unknown battle", `{"battleId": "nope", "userId": "u9", "name": "Eve", "password": "p"}`},
		{"name mismatch for known user", `{"battleId": "battle-1", "userId": "u0", "name": "NotAlice", "password": "p"}`},
		{"name collision with other user", `{"battleId": "battle-1", "userId": "u9", "name": "Bob", "password": "p"}`},
	}
	for _, tt := range cases {
		_, err := a.handleAddPlayer(json.RawMessage(tt.data))
		if reasonOf(t, err) != domain.ReasonInvalidRequest {
			t.Errorf("%s: got %v", tt.name, err)
		}
	}
	if got := mgr.packets("battle-1"); len(got) != 0 {
		t.Errorf("no packets expected, got %v", got)
	}
}

func TestAddPlayerRollsBackOnSendFailure(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	mgr.sendErr = errors.New("socket closed")
	_, err := a.handleAddPlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u9", "name": "Eve", "password": "pw"}`))
	if err == nil {
		t.Fatal("addPlayer should fail when the packet cannot be sent")
	}

	// The identity was not recorded: Eve is still addable as a new user.
	mgr.sendErr = nil
	_, err = a.handleAddPlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u9", "name": "Eve", "password": "pw"}`))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := mgr.packets("battle-1"); got[len(got)-1] != "/adduser Eve pw 1" {
		t.Errorf("retry must still add a new user, packets = %v", got)
	}
}

func TestMutePlayerSerializesBooleans(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	_, err := a.handleMutePlayer(json.RawMessage(
		`{"battleId": "battle-1", "userId": "u0", "chat": true, "draw": false}`))
	if err != nil {
		t.Fatalf("mutePlayer failed: %v", err)
	}
	if got := mgr.packets("battle-1"); len(got) != 1 || got[0] != "/mute Alice 1 0" {
		t.Errorf("packets = %v", got)
	}
}

func TestSpecPlayersAllOrNone(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	// One unknown user: nothing is sent.
	_, err := a.handleSpecPlayers(json.RawMessage(
		`{"battleId": "battle-1", "userIds": ["u0", "unknown", "u1"]}`))
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("got %v", err)
	}
	if got := mgr.packets("battle-1"); len(got) != 0 {
		t.Errorf("packets = %v, want none", got)
	}

	// All known: one packet per user.
	if _, err := a.handleSpecPlayers(json.RawMessage(
		`{"battleId": "battle-1", "userIds": ["u0", "u1"]}`)); err != nil {
		t.Fatalf("specPlayers failed: %v", err)
	}
	got := mgr.packets("battle-1")
	if len(got) != 2 || got[0] != "/spec Alice" || got[1] != "/spec Bob" {
		t.Errorf("packets = %v", got)
	}
}

func TestSendCommandAndMessage(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mustStart(t, a)

	if _, err := a.handleSendCommand(json.RawMessage(
		`{"battleId": "battle-1", "command": "stop"}`)); err != nil {
		t.Fatalf("sendCommand failed: %v", err)
	}
	_, err := a.handleSendCommand(json.RawMessage(
		`{"battleId": "battle-1", "command": "spec", "arguments": ["user 2"]}`))
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("serializer violation: got %v", err)
	}

	if _, err := a.handleSendMessage(json.RawMessage(
		`{"battleId": "battle-1", "message": "/hello"}`)); err != nil {
		t.Fatalf("sendMessage failed: %v", err)
	}
	got := mgr.packets("battle-1")
	if got[len(got)-1] != "//hello" {
		t.Errorf("packets = %v, want trailing //hello", got)
	}
}

func TestProjectionPlayerChatToPlayer(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)
	sink := collectUpdates(t, a)

	// Decoded form of datagram 0d 01 00 6c 6f 6c: Bob (player 1) tells
	// Alice (player 0) "lol".
	ev, err := engine.DecodePacket([]byte{0x0d, 0x01, 0x00, 'l', 'o', 'l'})
	if err != nil {
		t.Fatal(err)
	}
	a.HandlePacket("battle-1", ev)

	got := sink.last()
	if got.BattleID != "battle-1" {
		t.Errorf("battleId = %s", got.BattleID)
	}
	u := got.Update
	if u.Type != domain.UpdatePlayerChat || u.UserID != "u1" || u.ToUserID != "u0" ||
		u.Destination != domain.ChatDestPlayer || u.Message != "lol" {
		t.Errorf("update = %+v", u)
	}
}

func TestProjectionStartPlaying(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)
	sink := collectUpdates(t, a)

	a.HandlePacket("battle-1", engine.Event{
		Type: engine.EventServerStartPlaying,
		Data: engine.StartPlayingData{
			GameID:   "abababababababababababababababab",
			DemoPath: "demos/2024.sdfz",
		},
	})

	u := sink.last().Update
	if u.Type != domain.UpdateStart || u.GameID != "abababababababababababababababab" ||
		u.DemoPath != "demos/2024.sdfz" {
		t.Errorf("update = %+v", u)
	}
}

func TestProjectionDropsUnknownPlayers(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)
	sink := collectUpdates(t, a)

	ev, err := engine.DecodePacket([]byte{14, 200}) // defeated, unknown player
	if err != nil {
		t.Fatal(err)
	}
	a.HandlePacket("battle-1", ev)

	if got := sink.types(); len(got) != 0 {
		t.Errorf("updates = %v, want none", got)
	}
}

func TestProjectionSilentEvents(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)
	sink := collectUpdates(t, a)

	// PLAYER_READY and GAME_TEAMSTAT decode but map to nothing.
	ready, _ := engine.DecodePacket([]byte{12, 0, 1})
	a.HandlePacket("battle-1", ready)
	stat := make([]byte, 82)
	stat[0] = 60
	teamStat, err := engine.DecodePacket(stat)
	if err != nil {
		t.Fatal(err)
	}
	a.HandlePacket("battle-1", teamStat)

	if got := sink.types(); len(got) != 0 {
		t.Errorf("updates = %v, want none", got)
	}
}

func TestProjectionLuaMsg(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)
	sink := collectUpdates(t, a)

	a.HandlePacket("battle-1", engine.Event{
		Type: engine.EventGameLuaMsg,
		Data: engine.LuaMsgData{
			Player: 0,
			Script: engine.LuaScriptUI,
			UIMode: engine.LuaUIModeSpectators,
			Data:   []byte{0xde, 0xad},
		},
	})

	u := sink.last().Update
	if u.Type != domain.UpdateLuaMsg || u.UserID != "u0" || u.Script != "ui" ||
		u.UIMode != "spectators" || u.Data != "3q0=" {
		t.Errorf("update = %+v", u)
	}
}

func TestTerminalUpdateDeduplication(t *testing.T) {
	t.Run("quit then exit", func(t *testing.T) {
		a, _, _ := newTestAdapter(t)
		mustStart(t, a)
		sink := collectUpdates(t, a)

		quit, _ := engine.DecodePacket([]byte{1})
		a.HandlePacket("battle-1", quit)
		a.HandleExit("battle-1")

		if got := sink.types(); len(got) != 1 || got[0] != domain.UpdateEngineQuit {
			t.Errorf("updates = %v, want one engine_quit", got)
		}
	})

	t.Run("exit without quit synthesizes engine_quit", func(t *testing.T) {
		a, _, _ := newTestAdapter(t)
		mustStart(t, a)
		sink := collectUpdates(t, a)

		a.HandleExit("battle-1")

		if got := sink.types(); len(got) != 1 || got[0] != domain.UpdateEngineQuit {
			t.Errorf("updates = %v, want one engine_quit", got)
		}
	})

	t.Run("crash suppresses the synthetic quit", func(t *testing.T) {
		a, _, _ := newTestAdapter(t)
		mustStart(t, a)
		sink := collectUpdates(t, a)

		a.HandleEngineError("battle-1", errors.New("engine exited abnormally: signal: segmentation fault"))
		a.HandleExit("battle-1")

		got := sink.types()
		if len(got) != 1 || got[0] != domain.UpdateEngineCrash {
			t.Errorf("updates = %v, want one engine_crash", got)
		}
		if details := sink.last().Update.Details; !strings.Contains(details, "segmentation") {
			t.Errorf("details = %q", details)
		}
	})

	t.Run("quit after crash is dropped", func(t *testing.T) {
		a, _, _ := newTestAdapter(t)
		mustStart(t, a)
		sink := collectUpdates(t, a)

		a.HandleEngineError("battle-1", errors.New("boom"))
		quit, _ := engine.DecodePacket([]byte{1})
		a.HandlePacket("battle-1", quit)

		if got := sink.types(); len(got) != 1 || got[0] != domain.UpdateEngineCrash {
			t.Errorf("updates = %v", got)
		}
	})
}

func TestSubscribeUpdatesReplayAndErrors(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	mustStart(t, a)

	// Two updates in the buffer before anyone subscribes.
	msg1, _ := engine.DecodePacket(append([]byte{4}, "one"...))
	msg2, _ := engine.DecodePacket(append([]byte{4}, "two"...))
	a.HandlePacket("battle-1", msg1)
	a.HandlePacket("battle-1", msg2)

	var mu sync.Mutex
	var got []*tachyon.Envelope
	a.Connected(func(env *tachyon.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})

	sinceData := json.RawMessage(fmt.Sprintf(`{"since": %d}`, recentSince()))
	if _, err := a.handleSubscribeUpdates(sinceData); err != nil {
		t.Fatalf("subscribeUpdates failed: %v", err)
	}

	mu.Lock()
	var updates []domain.BufferedUpdate
	for _, env := range got {
		if env.CommandID != tachyon.CmdUpdate {
			continue
		}
		var ev domain.BufferedUpdate
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("bad update payload: %v", err)
		}
		updates = append(updates, ev)
	}
	mu.Unlock()

	if len(updates) != 2 {
		t.Fatalf("replayed %d updates, want 2", len(updates))
	}
	if updates[0].Update.Message != "one" || updates[1].Update.Message != "two" {
		t.Errorf("updates = %+v", updates)
	}
	if updates[1].Time <= updates[0].Time {
		t.Errorf("timestamps not increasing: %d, %d", updates[0].Time, updates[1].Time)
	}

	// A second subscription is rejected as invalid_request.
	_, err := a.handleSubscribeUpdates(sinceData)
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("second subscribe: got %v", err)
	}

	// A replay point past the retention window is rejected too.
	a.Disconnected()
	_, err = a.handleSubscribeUpdates(json.RawMessage(`{"since": 1}`))
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("ancient since: got %v", err)
	}
}

func TestStatusPublication(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mgr.current = 3

	var mu sync.Mutex
	var statuses []domain.Status
	a.Connected(func(env *tachyon.Envelope) error {
		if env.CommandID != tachyon.CmdStatus {
			return nil
		}
		var s domain.Status
		if err := json.Unmarshal(env.Data, &s); err != nil {
			t.Errorf("bad status payload: %v", err)
		}
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
		return nil
	})

	mu.Lock()
	if len(statuses) != 1 {
		t.Fatalf("statuses after connect = %d, want 1", len(statuses))
	}
	if statuses[0].CurrentBattles != 3 || statuses[0].MaxBattles != 50 {
		t.Errorf("status = %+v", statuses[0])
	}
	mu.Unlock()

	a.HandleVersions([]string{"2025.01.0", "2025.02.0"})
	mu.Lock()
	if len(statuses) != 2 {
		t.Fatalf("statuses after versions = %d, want 2", len(statuses))
	}
	if len(statuses[1].AvailableEngines) != 2 {
		t.Errorf("engines = %v", statuses[1].AvailableEngines)
	}
	mu.Unlock()

	// Publication failures are swallowed.
	a.Connected(func(*tachyon.Envelope) error { return errors.New("gone") })
	a.HandleVersions([]string{"2025.01.0"})
}

func TestInstallEngineForwards(t *testing.T) {
	a, _, reg := newTestAdapter(t)

	if _, err := a.handleInstallEngine(json.RawMessage(`{"version": "2025.02.0"}`)); err != nil {
		t.Fatalf("installEngine failed: %v", err)
	}
	if len(reg.installed) != 1 || reg.installed[0] != "2025.02.0" {
		t.Errorf("installed = %v", reg.installed)
	}

	reg.err = errors.New("cdn unreachable")
	_, err := a.handleInstallEngine(json.RawMessage(`{"version": "2025.03.0"}`))
	if reasonOf(t, err) != domain.ReasonInvalidRequest {
		t.Errorf("got %v", err)
	}
}

func TestDrain(t *testing.T) {
	a, mgr, _ := newTestAdapter(t)
	mgr.current = 1

	go func() {
		time.Sleep(150 * time.Millisecond)
		mgr.mu.Lock()
		mgr.current = 0
		mgr.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if mgr.MaxBattles() != 0 {
		t.Errorf("maxBattles = %d, want 0 during drain", mgr.MaxBattles())
	}
}
