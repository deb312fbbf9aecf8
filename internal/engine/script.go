package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ernie/spring-autohost/internal/domain"
)

// ScriptOptions carries the controller-side values rendered into a start
// script next to the battle description.
type ScriptOptions struct {
	HostIP       string // bind address for the engine's battle socket
	HostPort     int    // engine battle port (engineStartPort + offset)
	AutohostPort int    // controller UDP port (engineAutohostStartPort + offset)
}

var startPosTypes = map[string]int{
	"fixed":      0,
	"random":     1,
	"ingame":     2,
	"beforegame": 3,
}

// RenderStartScript renders the engine's hierarchical-key start script for a
// battle. Player numbers follow the request's player ordering exactly; the
// script is the authoritative record of that assignment.
func RenderStartScript(req *domain.StartRequest, opts ScriptOptions) []byte {
	var b scriptBuilder
	b.open("game")

	b.kv("gametype", req.GameName)
	b.kv("mapname", req.MapName)
	b.kv("ishost", "1")
	b.kv("hostip", opts.HostIP)
	b.kv("hostport", fmt.Sprintf("%d", opts.HostPort))
	b.kv("autohostip", "127.0.0.1")
	b.kv("autohostport", fmt.Sprintf("%d", opts.AutohostPort))
	b.kv("startpostype", fmt.Sprintf("%d", startPosTypes[req.StartPosType]))

	playerNum := 0
	teamNum := 0
	aiNum := 0
	for allyNum, at := range req.AllyTeams {
		b.open(fmt.Sprintf("allyteam%d", allyNum))
		if at.StartBox != nil {
			b.kv("startrecttop", fmt.Sprintf("%g", at.StartBox.Top))
			b.kv("startrectleft", fmt.Sprintf("%g", at.StartBox.Left))
			b.kv("startrectbottom", fmt.Sprintf("%g", at.StartBox.Bottom))
			b.kv("startrectright", fmt.Sprintf("%g", at.StartBox.Right))
		}
		b.close()

		for _, team := range at.Teams {
			b.open(fmt.Sprintf("team%d", teamNum))
			b.kv("allyteam", fmt.Sprintf("%d", allyNum))
			// The leader is the team's first player, or the AI host when
			// the team has no humans.
			if len(team.Players) > 0 {
				b.kv("teamleader", fmt.Sprintf("%d", playerNum))
			} else {
				b.kv("teamleader", "0")
			}
			if team.Faction != "" {
				b.kv("side", team.Faction)
			}
			b.close()

			for _, p := range team.Players {
				b.open(fmt.Sprintf("player%d", playerNum))
				b.kv("name", p.Name)
				b.kv("userid", p.UserID)
				b.kv("password", p.Password)
				b.kv("team", fmt.Sprintf("%d", teamNum))
				b.close()
				playerNum++
			}
			for _, ai := range team.AIs {
				b.open(fmt.Sprintf("ai%d", aiNum))
				b.kv("shortname", ai.ShortName)
				if ai.Name != "" {
					b.kv("name", ai.Name)
				}
				if ai.Version != "" {
					b.kv("version", ai.Version)
				}
				b.kv("host", "0")
				b.kv("team", fmt.Sprintf("%d", teamNum))
				if len(ai.Options) > 0 {
					b.open("options")
					for _, k := range sortedKeys(ai.Options) {
						b.kv(k, ai.Options[k])
					}
					b.close()
				}
				b.close()
				aiNum++
			}
			teamNum++
		}
	}

	for _, p := range req.Spectators {
		b.open(fmt.Sprintf("player%d", playerNum))
		b.kv("name", p.Name)
		b.kv("userid", p.UserID)
		b.kv("password", p.Password)
		b.kv("spectator", "1")
		b.close()
		playerNum++
	}

	b.kv("numplayers", fmt.Sprintf("%d", playerNum))
	b.kv("numallyteams", fmt.Sprintf("%d", len(req.AllyTeams)))

	if len(req.GameOptions) > 0 {
		b.open("modoptions")
		for _, k := range sortedKeys(req.GameOptions) {
			b.kv(k, req.GameOptions[k])
		}
		b.close()
	}
	if len(req.MapOptions) > 0 {
		b.open("mapoptions")
		for _, k := range sortedKeys(req.MapOptions) {
			b.kv(k, req.MapOptions[k])
		}
		b.close()
	}

	b.close()
	return []byte(b.String())
}

// RenderSettings renders the per-battle settings file. The caller-supplied
// settings are merged under two mandatory overrides: anonymous spectators
// may not join, and the controller may add players after start.
func RenderSettings(settings map[string]string) []byte {
	merged := make(map[string]string, len(settings)+2)
	for k, v := range settings {
		merged[k] = v
	}
	merged["AllowSpectatorJoin"] = "0"
	merged["WhitelistAdditionalPlayers"] = "1"

	var b strings.Builder
	for _, k := range sortedKeys(merged) {
		fmt.Fprintf(&b, "%s = %s\n", k, merged[k])
	}
	return []byte(b.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scriptBuilder emits the engine's hierarchical-key text format:
// [section] { key=value; ... } with tab indentation.
type scriptBuilder struct {
	b     strings.Builder
	depth int
}

func (s *scriptBuilder) indent() {
	for i := 0; i < s.depth; i++ {
		s.b.WriteByte('\t')
	}
}

func (s *scriptBuilder) open(section string) {
	s.indent()
	fmt.Fprintf(&s.b, "[%s]\n", section)
	s.indent()
	s.b.WriteString("{\n")
	s.depth++
}

func (s *scriptBuilder) close() {
	s.depth--
	s.indent()
	s.b.WriteString("}\n")
}

func (s *scriptBuilder) kv(key, value string) {
	s.indent()
	fmt.Fprintf(&s.b, "%s=%s;\n", key, value)
}

func (s *scriptBuilder) String() string { return s.b.String() }
