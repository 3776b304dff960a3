package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaymesh/plansolve/pkg/models"
)

// envelopeSchemaRegistry compiles and caches one JSON Schema per inbound
// event name, giving each wire event its own content contract (C1's
// validation contract: unknown fields are rejected per event, not per
// frame).
type envelopeSchemaRegistry struct {
	once    sync.Once
	initErr error
	wrapper *jsonschema.Schema
	content map[models.EventName]*jsonschema.Schema
}

var wsSchemas envelopeSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		wrapper, err := jsonschema.CompileString("envelope", envelopeSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.wrapper = wrapper

		contracts := map[models.EventName]string{
			models.EventUserMessage:             userMessageContentSchema,
			models.EventUserResponse:            userResponseContentSchema,
			models.EventUserCancelTask:          taskTargetContentSchema,
			models.EventUserRestartTask:         taskTargetContentSchema,
			models.EventUserCancelPlan:          emptyContentSchema,
			models.EventUserReplan:              replanContentSchema,
			models.EventUserCancel:              emptyContentSchema,
			models.EventUserAck:                 ackContentSchema,
			models.EventUserReconnectWithState:  resumeContentSchema,
		}

		wsSchemas.content = make(map[models.EventName]*jsonschema.Schema, len(contracts))
		for name, schema := range contracts {
			compiled, err := jsonschema.CompileString("content_"+string(name), schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.content[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateInboundFrame enforces the wrapper envelope shape and, when a
// contract is registered for the event name, the shape of Content.
func validateInboundFrame(raw []byte, env *models.Envelope) error {
	if err := initWSSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := wsSchemas.wrapper.Validate(payload); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("missing envelope")
	}
	if !models.IsInbound(env.Event) {
		return fmt.Errorf("event %q is not a recognized inbound event", env.Event)
	}

	schema, ok := wsSchemas.content[env.Event]
	if !ok {
		return nil
	}
	content := env.Content
	if content == nil {
		content = map[string]any{}
	}
	return schema.Validate(content)
}

// validateOutboundFrame enforces the same envelope wrapper shape egress-side
// that validateInboundFrame enforces on ingress (C1's validation contract
// runs both directions), plus that the event name belongs to the outbound
// catalog. Content contracts are registered per inbound event only, so this
// does not re-validate Content shape beyond the wrapper's own type.
func validateOutboundFrame(env *models.Envelope) error {
	if err := initWSSchemas(); err != nil {
		return err
	}
	if !models.IsOutbound(env.Event) {
		return fmt.Errorf("event %q is not a recognized outbound event", env.Event)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	return wsSchemas.wrapper.Validate(payload)
}

const envelopeSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "session_id": { "type": "string" },
    "connection_id": { "type": "string" },
    "step_id": { "type": "string" },
    "event_id": { "type": "string" },
    "seq": { "type": "integer" },
    "content": {},
    "metadata": { "type": "object" },
    "show_content": { "type": "string" }
  },
  "additionalProperties": false
}`

const emptyContentSchema = `{
  "type": "object",
  "additionalProperties": true
}`

// userMessageContentSchema accepts either a bare question string or an
// object carrying it under text/question/content, matching the shapes
// questionFrom knows how to read.
const userMessageContentSchema = `{
  "oneOf": [
    { "type": "string", "minLength": 1 },
    {
      "type": "object",
      "anyOf": [
        { "required": ["text"] },
        { "required": ["question"] },
        { "required": ["content"] }
      ],
      "properties": {
        "text": { "type": "string", "minLength": 1 },
        "question": { "type": "string", "minLength": 1 },
        "content": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    }
  ]
}`

const userResponseContentSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const taskTargetContentSchema = `{
  "type": "object",
  "required": ["task_id"],
  "properties": {
    "task_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const replanContentSchema = `{
  "type": "object",
  "properties": {
    "instruction": { "type": "string" }
  },
  "additionalProperties": true
}`

const ackContentSchema = `{
  "type": "object",
  "anyOf": [
    { "required": ["seq"] },
    { "required": ["last_event_id"] }
  ],
  "properties": {
    "seq": { "type": "integer", "minimum": 0 },
    "last_event_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const resumeContentSchema = `{
  "type": "object",
  "properties": {
    "session_id": { "type": "string" },
    "last_seq": { "type": "integer", "minimum": 0 },
    "state": { "type": "string" }
  },
  "additionalProperties": true
}`
