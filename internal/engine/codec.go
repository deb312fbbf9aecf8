package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Autohost datagram type bytes (engine -> controller)
const (
	packetServerStarted      = 0
	packetServerQuit         = 1
	packetServerStartPlaying = 2
	packetServerGameOver     = 3
	packetServerMessage      = 4
	packetServerWarning      = 5
	packetPlayerJoined       = 10
	packetPlayerLeft         = 11
	packetPlayerReady        = 12
	packetPlayerChat         = 13
	packetPlayerDefeated     = 14
	packetGameLuaMsg         = 20
	packetGameTeamStat       = 60
)

// EventType identifies a decoded autohost event
type EventType int

const (
	EventServerStarted EventType = iota
	EventServerQuit
	EventServerStartPlaying
	EventServerGameOver
	EventServerMessage
	EventServerWarning
	EventPlayerJoined
	EventPlayerLeft
	EventPlayerReady
	EventPlayerChat
	EventPlayerDefeated
	EventGameLuaMsg
	EventGameTeamStat
)

// Event is one decoded autohost datagram
type Event struct {
	Type EventType
	Data interface{}
}

// LeaveReason is why a player left the battle
type LeaveReason int

const (
	LeaveLost LeaveReason = iota // connection lost
	LeaveLeft                    // left voluntarily
	LeaveKicked
)

// Chat destination values on the wire; 0..251 address a single player
const (
	chatDestAllies     = 252
	chatDestSpectators = 253
	chatDestAll        = 254
)

// ChatDest is where a chat message was addressed
type ChatDest int

const (
	ChatToPlayer ChatDest = iota
	ChatToAllies
	ChatToSpectators
	ChatToAll
)

// LuaScript identifies which lua environment a GAME_LUAMSG targets
type LuaScript int

const (
	LuaScriptUI    LuaScript = iota // wire value 2000
	LuaScriptGaia                   // wire value 300
	LuaScriptRules                  // wire value 100
)

// LuaUIMode restricts who receives a ui-script lua message
type LuaUIMode int

const (
	LuaUIModeAll        LuaUIMode = iota // wire value 0
	LuaUIModeAllies                      // wire value 'a'
	LuaUIModeSpectators                  // wire value 's'
)

// StartPlayingData is the payload of SERVER_STARTPLAYING
type StartPlayingData struct {
	GameID   string // 16 bytes, hex-encoded
	DemoPath string
}

// GameOverData is the payload of SERVER_GAMEOVER
type GameOverData struct {
	Player           int
	WinningAllyTeams []int
}

// MessageData is the payload of SERVER_MESSAGE and SERVER_WARNING
type MessageData struct {
	Text string
}

// PlayerJoinedData is the payload of PLAYER_JOINED
type PlayerJoinedData struct {
	Player int
	Name   string
}

// PlayerLeftData is the payload of PLAYER_LEFT
type PlayerLeftData struct {
	Player int
	Reason LeaveReason
}

// PlayerReadyData is the payload of PLAYER_READY
type PlayerReadyData struct {
	Player int
	State  int
}

// PlayerChatData is the payload of PLAYER_CHAT. ToPlayer is meaningful only
// when Dest is ChatToPlayer.
type PlayerChatData struct {
	From     int
	Dest     ChatDest
	ToPlayer int
	Text     string
}

// PlayerDefeatedData is the payload of PLAYER_DEFEATED
type PlayerDefeatedData struct {
	Player int
}

// LuaMsgData is the payload of GAME_LUAMSG. Data is passed through opaque.
type LuaMsgData struct {
	Player int
	Script LuaScript
	UIMode LuaUIMode // meaningful only when Script is LuaScriptUI
	Data   []byte
}

// TeamStats is the fixed statistics block of GAME_TEAMSTAT, in wire order
type TeamStats struct {
	Frame            int32
	MetalUsed        float32
	EnergyUsed       float32
	MetalProduced    float32
	EnergyProduced   float32
	MetalExcess      float32
	EnergyExcess     float32
	MetalReceived    float32
	EnergyReceived   float32
	MetalSent        float32
	EnergySent       float32
	DamageDealt      float32
	DamageReceived   float32
	UnitsProduced    int32
	UnitsDied        int32
	UnitsReceived    int32
	UnitsSent        int32
	UnitsCaptured    int32
	UnitsOutCaptured int32
	UnitsKilled      int32
}

// TeamStatData is the payload of GAME_TEAMSTAT
type TeamStatData struct {
	Team  int
	Stats TeamStats
}

// DecodePacket parses a single autohost datagram into an event. All
// multi-byte integers are little-endian. A decode failure is never fatal to
// the battle; callers log and drop the datagram.
func DecodePacket(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, fmt.Errorf("empty datagram")
	}

	switch data[0] {
	case packetServerStarted:
		if len(data) != 1 {
			return Event{}, fmt.Errorf("SERVER_STARTED: length %d, want 1", len(data))
		}
		return Event{Type: EventServerStarted}, nil

	case packetServerQuit:
		if len(data) != 1 {
			return Event{}, fmt.Errorf("SERVER_QUIT: length %d, want 1", len(data))
		}
		return Event{Type: EventServerQuit}, nil

	case packetServerStartPlaying:
		// u32 msgSize, u8[16] gameId, char[] demoPath
		if len(data) < 21 {
			return Event{}, fmt.Errorf("SERVER_STARTPLAYING: length %d, want >= 21", len(data))
		}
		msgSize := binary.LittleEndian.Uint32(data[1:5])
		if int(msgSize) != len(data) {
			return Event{}, fmt.Errorf("SERVER_STARTPLAYING: embedded size %d != length %d", msgSize, len(data))
		}
		return Event{Type: EventServerStartPlaying, Data: StartPlayingData{
			GameID:   hex.EncodeToString(data[5:21]),
			DemoPath: string(data[21:]),
		}}, nil

	case packetServerGameOver:
		// u8 msgSize, u8 player, u8[msgSize-3] winningAllyTeams
		if len(data) < 3 {
			return Event{}, fmt.Errorf("SERVER_GAMEOVER: length %d, want >= 3", len(data))
		}
		if int(data[1]) != len(data) {
			return Event{}, fmt.Errorf("SERVER_GAMEOVER: embedded size %d != length %d", data[1], len(data))
		}
		winning := make([]int, 0, len(data)-3)
		for _, b := range data[3:] {
			winning = append(winning, int(b))
		}
		return Event{Type: EventServerGameOver, Data: GameOverData{
			Player:           int(data[2]),
			WinningAllyTeams: winning,
		}}, nil

	case packetServerMessage:
		return Event{Type: EventServerMessage, Data: MessageData{Text: string(data[1:])}}, nil

	case packetServerWarning:
		return Event{Type: EventServerWarning, Data: MessageData{Text: string(data[1:])}}, nil

	case packetPlayerJoined:
		if len(data) < 3 {
			return Event{}, fmt.Errorf("PLAYER_JOINED: length %d, want >= 3", len(data))
		}
		return Event{Type: EventPlayerJoined, Data: PlayerJoinedData{
			Player: int(data[1]),
			Name:   string(data[2:]),
		}}, nil

	case packetPlayerLeft:
		if len(data) != 3 {
			return Event{}, fmt.Errorf("PLAYER_LEFT: length %d, want 3", len(data))
		}
		if data[2] > 2 {
			return Event{}, fmt.Errorf("PLAYER_LEFT: invalid reason %d", data[2])
		}
		return Event{Type: EventPlayerLeft, Data: PlayerLeftData{
			Player: int(data[1]),
			Reason: LeaveReason(data[2]),
		}}, nil

	case packetPlayerReady:
		if len(data) != 3 {
			return Event{}, fmt.Errorf("PLAYER_READY: length %d, want 3", len(data))
		}
		if data[2] > 3 {
			return Event{}, fmt.Errorf("PLAYER_READY: invalid state %d", data[2])
		}
		return Event{Type: EventPlayerReady, Data: PlayerReadyData{
			Player: int(data[1]),
			State:  int(data[2]),
		}}, nil

	case packetPlayerChat:
		if len(data) < 3 {
			return Event{}, fmt.Errorf("PLAYER_CHAT: length %d, want >= 3", len(data))
		}
		chat := PlayerChatData{From: int(data[1]), Text: string(data[3:])}
		switch dest := data[2]; {
		case dest == chatDestAllies:
			chat.Dest = ChatToAllies
		case dest == chatDestSpectators:
			chat.Dest = ChatToSpectators
		case dest == chatDestAll:
			chat.Dest = ChatToAll
		case dest <= 251:
			chat.Dest = ChatToPlayer
			chat.ToPlayer = int(dest)
		default:
			return Event{}, fmt.Errorf("PLAYER_CHAT: invalid destination %d", dest)
		}
		return Event{Type: EventPlayerChat, Data: chat}, nil

	case packetPlayerDefeated:
		if len(data) != 2 {
			return Event{}, fmt.Errorf("PLAYER_DEFEATED: length %d, want 2", len(data))
		}
		return Event{Type: EventPlayerDefeated, Data: PlayerDefeatedData{Player: int(data[1])}}, nil

	case packetGameLuaMsg:
		return decodeLuaMsg(data)

	case packetGameTeamStat:
		return decodeTeamStat(data)

	default:
		return Event{}, fmt.Errorf("unknown packet type %d", data[0])
	}
}

// GAME_LUAMSG wraps an EXTERNAL_MESSAGE: the embedded size counts everything
// after the autohost type byte.
const luaMsgMagic = 50

func decodeLuaMsg(data []byte) (Event, error) {
	if len(data) < 8 {
		return Event{}, fmt.Errorf("GAME_LUAMSG: length %d, want >= 8", len(data))
	}
	if data[1] != luaMsgMagic {
		return Event{}, fmt.Errorf("GAME_LUAMSG: magic %d, want %d", data[1], luaMsgMagic)
	}
	innerSize := binary.LittleEndian.Uint16(data[2:4])
	if int(innerSize) != len(data)-1 {
		return Event{}, fmt.Errorf("GAME_LUAMSG: embedded size %d != length-1 %d", innerSize, len(data)-1)
	}

	msg := LuaMsgData{Player: int(data[4])}
	switch script := binary.LittleEndian.Uint16(data[5:7]); script {
	case 2000:
		msg.Script = LuaScriptUI
	case 300:
		msg.Script = LuaScriptGaia
	case 100:
		msg.Script = LuaScriptRules
	default:
		return Event{}, fmt.Errorf("GAME_LUAMSG: invalid script %d", script)
	}

	uiMode := data[7]
	if msg.Script == LuaScriptUI {
		switch uiMode {
		case 0:
			msg.UIMode = LuaUIModeAll
		case 'a':
			msg.UIMode = LuaUIModeAllies
		case 's':
			msg.UIMode = LuaUIModeSpectators
		default:
			return Event{}, fmt.Errorf("GAME_LUAMSG: invalid ui mode %d", uiMode)
		}
	} else if uiMode != 0 {
		return Event{}, fmt.Errorf("GAME_LUAMSG: ui mode %d set for non-ui script", uiMode)
	}

	msg.Data = append([]byte(nil), data[8:]...)
	return Event{Type: EventGameLuaMsg, Data: msg}, nil
}

const teamStatLen = 82

func decodeTeamStat(data []byte) (Event, error) {
	if len(data) != teamStatLen {
		return Event{}, fmt.Errorf("GAME_TEAMSTAT: length %d, want %d", len(data), teamStatLen)
	}

	i32 := func(off int) int32 {
		return int32(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	f32 := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
	}

	return Event{Type: EventGameTeamStat, Data: TeamStatData{
		Team: int(data[1]),
		Stats: TeamStats{
			Frame:            i32(2),
			MetalUsed:        f32(6),
			EnergyUsed:       f32(10),
			MetalProduced:    f32(14),
			EnergyProduced:   f32(18),
			MetalExcess:      f32(22),
			EnergyExcess:     f32(26),
			MetalReceived:    f32(30),
			EnergyReceived:   f32(34),
			MetalSent:        f32(38),
			EnergySent:       f32(42),
			DamageDealt:      f32(46),
			DamageReceived:   f32(50),
			UnitsProduced:    i32(54),
			UnitsDied:        i32(58),
			UnitsReceived:    i32(62),
			UnitsSent:        i32(66),
			UnitsCaptured:    i32(70),
			UnitsOutCaptured: i32(74),
			UnitsKilled:      i32(78),
		},
	}}, nil
}

// SerializeError reports an invalid outbound message or command. It maps to
// an invalid_request failure at the lobby boundary.
type SerializeError struct {
	msg string
}

func (e *SerializeError) Error() string { return e.msg }

func serializeErrorf(format string, args ...any) *SerializeError {
	return &SerializeError{msg: fmt.Sprintf(format, args...)}
}

const maxChatMessageLen = 127

// SerializeMessage encodes a chat message for the engine. A leading slash is
// doubled so the engine does not take the text for a command.
func SerializeMessage(text string) ([]byte, error) {
	if len(text) > maxChatMessageLen {
		return nil, serializeErrorf("message too long: %d bytes, max %d", len(text), maxChatMessageLen)
	}
	if strings.HasPrefix(text, "/") {
		text = "/" + text
	}
	return []byte(text), nil
}

// SerializeCommand encodes "/name arg1 arg2 ..." for the engine. The command
// name must match [a-z0-9_-]+. Arguments must be non-empty, must not contain
// "//", and must not contain whitespace: the engine splits the line on
// spaces, so an argument with a space would reparse as two.
func SerializeCommand(name string, args ...string) ([]byte, error) {
	if !validCommandName(name) {
		return nil, serializeErrorf("invalid command name %q", name)
	}
	for i, arg := range args {
		if arg == "" {
			return nil, serializeErrorf("command %s: argument %d is empty", name, i)
		}
		if strings.Contains(arg, "//") {
			return nil, serializeErrorf("command %s: argument %d contains //", name, i)
		}
		if strings.ContainsAny(arg, " \t") {
			return nil, serializeErrorf("command %s: argument %d contains whitespace", name, i)
		}
	}

	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(name)
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	return []byte(b.String()), nil
}

func validCommandName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
