package adapter

import (
	"encoding/base64"
	"fmt"

	"github.com/ernie/spring-autohost/internal/domain"
	"github.com/ernie/spring-autohost/internal/engine"
	"github.com/ernie/spring-autohost/internal/multindex"
)

// projectEvent turns one engine event into its lobby update, resolving
// player numbers to user ids through the battle's index. A nil update with
// nil error means the event deliberately maps to nothing. A resolution or
// validation failure returns an error; the caller logs and drops the event.
func projectEvent(ix *multindex.Index, ev engine.Event) (*domain.Update, error) {
	switch ev.Type {
	case engine.EventServerStarted, engine.EventPlayerReady, engine.EventGameTeamStat:
		// Decoded but not surfaced to the lobby.
		return nil, nil

	case engine.EventServerStartPlaying:
		data := ev.Data.(engine.StartPlayingData)
		return &domain.Update{
			Type:     domain.UpdateStart,
			GameID:   data.GameID,
			DemoPath: data.DemoPath,
		}, nil

	case engine.EventServerQuit:
		return &domain.Update{Type: domain.UpdateEngineQuit}, nil

	case engine.EventServerGameOver:
		data := ev.Data.(engine.GameOverData)
		if len(data.WinningAllyTeams) < 1 {
			return nil, fmt.Errorf("game over without winning ally teams")
		}
		userID, err := resolve(ix, data.Player)
		if err != nil {
			return nil, err
		}
		return &domain.Update{
			Type:             domain.UpdateFinished,
			UserID:           userID,
			WinningAllyTeams: data.WinningAllyTeams,
		}, nil

	case engine.EventServerMessage:
		return &domain.Update{
			Type:    domain.UpdateEngineMessage,
			Message: ev.Data.(engine.MessageData).Text,
		}, nil

	case engine.EventServerWarning:
		return &domain.Update{
			Type:    domain.UpdateEngineWarning,
			Message: ev.Data.(engine.MessageData).Text,
		}, nil

	case engine.EventPlayerJoined:
		data := ev.Data.(engine.PlayerJoinedData)
		id, ok := ix.ByNumber(data.Player)
		if !ok {
			return nil, fmt.Errorf("unknown player number %d (%s)", data.Player, data.Name)
		}
		num := id.PlayerNumber
		return &domain.Update{
			Type:         domain.UpdatePlayerJoined,
			UserID:       id.UserID,
			PlayerNumber: &num,
		}, nil

	case engine.EventPlayerLeft:
		data := ev.Data.(engine.PlayerLeftData)
		userID, err := resolve(ix, data.Player)
		if err != nil {
			return nil, err
		}
		return &domain.Update{
			Type:   domain.UpdatePlayerLeft,
			UserID: userID,
			Reason: leaveReason(data.Reason),
		}, nil

	case engine.EventPlayerChat:
		data := ev.Data.(engine.PlayerChatData)
		userID, err := resolve(ix, data.From)
		if err != nil {
			return nil, err
		}
		update := &domain.Update{
			Type:    domain.UpdatePlayerChat,
			UserID:  userID,
			Message: data.Text,
		}
		switch data.Dest {
		case engine.ChatToPlayer:
			toUserID, err := resolve(ix, data.ToPlayer)
			if err != nil {
				return nil, err
			}
			update.Destination = domain.ChatDestPlayer
			update.ToUserID = toUserID
		case engine.ChatToAllies:
			update.Destination = domain.ChatDestAllies
		case engine.ChatToSpectators:
			update.Destination = domain.ChatDestSpectators
		case engine.ChatToAll:
			update.Destination = domain.ChatDestAll
		}
		return update, nil

	case engine.EventPlayerDefeated:
		data := ev.Data.(engine.PlayerDefeatedData)
		userID, err := resolve(ix, data.Player)
		if err != nil {
			return nil, err
		}
		return &domain.Update{Type: domain.UpdatePlayerDefeated, UserID: userID}, nil

	case engine.EventGameLuaMsg:
		data := ev.Data.(engine.LuaMsgData)
		userID, err := resolve(ix, data.Player)
		if err != nil {
			return nil, err
		}
		update := &domain.Update{
			Type:   domain.UpdateLuaMsg,
			UserID: userID,
			Script: luaScript(data.Script),
			Data:   base64.StdEncoding.EncodeToString(data.Data),
		}
		if data.Script == engine.LuaScriptUI {
			update.UIMode = luaUIMode(data.UIMode)
		}
		return update, nil

	default:
		return nil, fmt.Errorf("unhandled engine event type %d", ev.Type)
	}
}

func resolve(ix *multindex.Index, playerNumber int) (string, error) {
	id, ok := ix.ByNumber(playerNumber)
	if !ok {
		return "", fmt.Errorf("unknown player number %d", playerNumber)
	}
	return id.UserID, nil
}

func leaveReason(r engine.LeaveReason) string {
	switch r {
	case engine.LeaveLost:
		return domain.LeaveReasonLost
	case engine.LeaveLeft:
		return domain.LeaveReasonLeft
	default:
		return domain.LeaveReasonKicked
	}
}

func luaScript(s engine.LuaScript) string {
	switch s {
	case engine.LuaScriptUI:
		return domain.LuaScriptUI
	case engine.LuaScriptGaia:
		return domain.LuaScriptGaia
	default:
		return domain.LuaScriptRules
	}
}

func luaUIMode(m engine.LuaUIMode) string {
	switch m {
	case engine.LuaUIModeAllies:
		return domain.ChatDestAllies
	case engine.LuaUIModeSpectators:
		return domain.ChatDestSpectators
	default:
		return domain.ChatDestAll
	}
}
