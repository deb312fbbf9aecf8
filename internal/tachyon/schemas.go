package tachyon

// Request data schemas, one per handled command. Unknown extra properties
// are tolerated everywhere; the schemas pin down what the controller relies
// on.

const playerDef = `{
	"type": "object",
	"required": ["userId", "name", "password"],
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"password": {"type": "string"}
	}
}`

const startSchema = `{
	"type": "object",
	"required": ["battleId", "engineVersion", "gameName", "mapName", "allyTeams"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"engineVersion": {"type": "string", "minLength": 1},
		"gameName": {"type": "string", "minLength": 1},
		"mapName": {"type": "string", "minLength": 1},
		"startPosType": {"enum": ["fixed", "random", "ingame", "beforegame"]},
		"allyTeams": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["teams"],
				"properties": {
					"teams": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"players": {"type": "array", "items": ` + playerDef + `},
								"ais": {
									"type": "array",
									"items": {
										"type": "object",
										"required": ["shortName"],
										"properties": {"shortName": {"type": "string", "minLength": 1}}
									}
								},
								"faction": {"type": "string"}
							}
						}
					},
					"startBox": {
						"type": "object",
						"required": ["top", "left", "bottom", "right"],
						"properties": {
							"top": {"type": "number"},
							"left": {"type": "number"},
							"bottom": {"type": "number"},
							"right": {"type": "number"}
						}
					}
				}
			}
		},
		"spectators": {"type": "array", "items": ` + playerDef + `},
		"gameOptions": {"type": "object", "additionalProperties": {"type": "string"}},
		"mapOptions": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

const killSchema = `{
	"type": "object",
	"required": ["battleId"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1}
	}
}`

const addPlayerSchema = `{
	"type": "object",
	"required": ["battleId", "userId", "name", "password"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"password": {"type": "string"}
	}
}`

const kickPlayerSchema = `{
	"type": "object",
	"required": ["battleId", "userId"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1}
	}
}`

const mutePlayerSchema = `{
	"type": "object",
	"required": ["battleId", "userId", "chat", "draw"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"chat": {"type": "boolean"},
		"draw": {"type": "boolean"}
	}
}`

const specPlayersSchema = `{
	"type": "object",
	"required": ["battleId", "userIds"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"userIds": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

const sendCommandSchema = `{
	"type": "object",
	"required": ["battleId", "command"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"command": {"type": "string", "minLength": 1},
		"arguments": {"type": "array", "items": {"type": "string"}}
	}
}`

const sendMessageSchema = `{
	"type": "object",
	"required": ["battleId", "message"],
	"properties": {
		"battleId": {"type": "string", "minLength": 1},
		"message": {"type": "string"}
	}
}`

const subscribeUpdatesSchema = `{
	"type": "object",
	"required": ["since"],
	"properties": {
		"since": {"type": "integer", "minimum": 0}
	}
}`

const installEngineSchema = `{
	"type": "object",
	"required": ["version"],
	"properties": {
		"version": {"type": "string", "minLength": 1}
	}
}`
