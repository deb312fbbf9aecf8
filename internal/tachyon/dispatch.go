package tachyon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ernie/spring-autohost/internal/domain"
)

// Handler executes one lobby request. The returned value becomes the
// response data; a *domain.Error becomes a failed response, anything else is
// folded to internal_error.
type Handler func(data json.RawMessage) (any, error)

// command couples a request schema with the failure reasons the command may
// report.
type command struct {
	schema  *jsonschema.Schema
	reasons map[string]bool
}

func newCommand(name, schema string, reasons ...string) command {
	allowed := map[string]bool{
		// Every command may report these.
		domain.ReasonInternalError:  true,
		domain.ReasonInvalidRequest: true,
	}
	for _, r := range reasons {
		allowed[r] = true
	}
	return command{
		schema:  jsonschema.MustCompileString(name+".schema.json", schema),
		reasons: allowed,
	}
}

var commands = map[string]command{
	CmdStart: newCommand("start", startSchema,
		domain.ReasonBattleAlreadyExists, domain.ReasonEngineVersionNotSupported),
	CmdKill:             newCommand("kill", killSchema),
	CmdAddPlayer:        newCommand("addPlayer", addPlayerSchema),
	CmdKickPlayer:       newCommand("kickPlayer", kickPlayerSchema),
	CmdMutePlayer:       newCommand("mutePlayer", mutePlayerSchema),
	CmdSpecPlayers:      newCommand("specPlayers", specPlayersSchema),
	CmdSendCommand:      newCommand("sendCommand", sendCommandSchema),
	CmdSendMessage:      newCommand("sendMessage", sendMessageSchema),
	CmdSubscribeUpdates: newCommand("subscribeUpdates", subscribeUpdatesSchema),
	CmdInstallEngine:    newCommand("installEngine", installEngineSchema),
}

// Dispatcher routes validated requests to their handlers and shapes every
// outcome into a response envelope.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over a handler table keyed by command
// id. Handlers for unknown command ids are rejected up front.
func NewDispatcher(handlers map[string]Handler) (*Dispatcher, error) {
	for id := range handlers {
		if _, ok := commands[id]; !ok {
			return nil, fmt.Errorf("handler registered for unknown command %q", id)
		}
	}
	return &Dispatcher{handlers: handlers}, nil
}

// Dispatch executes one request and returns its response. It never returns
// nil: every failure mode maps to a failed response.
func (d *Dispatcher) Dispatch(req *Envelope) *Envelope {
	cmd, ok := commands[req.CommandID]
	if !ok {
		return FailedResponse(req, domain.ReasonCommandUnimplemented,
			fmt.Sprintf("unknown command %q", req.CommandID))
	}
	handler, ok := d.handlers[req.CommandID]
	if !ok {
		return FailedResponse(req, domain.ReasonCommandUnimplemented,
			fmt.Sprintf("command %q not handled", req.CommandID))
	}

	var doc any
	data := req.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return FailedResponse(req, domain.ReasonInvalidRequest, err.Error())
	}
	if err := cmd.schema.Validate(doc); err != nil {
		return FailedResponse(req, domain.ReasonInvalidRequest, err.Error())
	}

	result, err := handler(data)
	if err == nil {
		return SuccessResponse(req, result)
	}

	var derr *domain.Error
	if errors.As(err, &derr) && cmd.reasons[derr.Reason] {
		return FailedResponse(req, derr.Reason, derr.Details)
	}
	log.Printf("tachyon: %s failed unexpectedly: %v", req.CommandID, err)
	return FailedResponse(req, domain.ReasonInternalError, "")
}
