package events

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/foremanlabs/foreman/pkg/models"
)

// Payload validation for the closed event taxonomy. Appends are checked
// before an event id is allocated, so a malformed payload can never burn an
// id or reach a replay consumer. The schemas pin only the fields consumers
// key off; additional properties stay open so payloads can grow without a
// lockstep schema change.

type payloadSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	byType  map[models.EventType]*jsonschema.Schema
}

var payloadSchemas payloadSchemaRegistry

func initPayloadSchemas() error {
	payloadSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("event_payload", basePayloadSchema)
		if err != nil {
			payloadSchemas.initErr = err
			return
		}
		payloadSchemas.base = base

		types := map[models.EventType]string{
			models.EventSupervisorStarted:     supervisorStartedSchema,
			models.EventSupervisorIteration:   iterationSchema,
			models.EventSupervisorInterrupted: interruptedSchema,
			models.EventSupervisorResumed:     resumedSchema,
			models.EventSupervisorComplete:    completeSchema,
			models.EventSupervisorFailed:      failedSchema,

			models.EventSupervisorToolStarted:   toolStartedSchema,
			models.EventSupervisorToolCompleted: toolCompletedSchema,
			models.EventSupervisorToolFailed:    toolFailedSchema,
			models.EventWorkerToolStarted:       toolStartedSchema,
			models.EventWorkerToolCompleted:     toolCompletedSchema,
			models.EventWorkerToolFailed:        toolFailedSchema,

			models.EventWorkerSpawned:  workerSpawnedSchema,
			models.EventWorkerStarted:  workerStartedSchema,
			models.EventWorkerComplete: workerCompleteSchema,
			models.EventWorkerFailed:   workerFailedSchema,

			models.EventToken: tokenSchema,
		}

		payloadSchemas.byType = make(map[models.EventType]*jsonschema.Schema, len(types))
		for typ, schema := range types {
			compiled, err := jsonschema.CompileString("event_payload_"+string(typ), schema)
			if err != nil {
				payloadSchemas.initErr = err
				return
			}
			payloadSchemas.byType[typ] = compiled
		}
	})
	return payloadSchemas.initErr
}

// validatePayload checks raw against the base envelope and the type's own
// schema. Heartbeats carry no required fields beyond the envelope.
func validatePayload(typ models.EventType, raw []byte) error {
	if err := initPayloadSchemas(); err != nil {
		return err
	}

	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	if err := payloadSchemas.base.Validate(payload); err != nil {
		return err
	}
	if schema := payloadSchemas.byType[typ]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const basePayloadSchema = `{
  "type": "object",
  "required": ["role"],
  "properties": {
    "role": { "enum": ["supervisor", "worker"] },
    "worker_id": { "type": "string" },
    "job_id": { "type": "integer" },
    "trace_id": { "type": "string" }
  },
  "additionalProperties": true
}`

const supervisorStartedSchema = `{
  "type": "object",
  "required": ["model"],
  "properties": {
    "model": { "type": "string", "minLength": 1 },
    "task_preview": { "type": "string" }
  },
  "additionalProperties": true
}`

const iterationSchema = `{
  "type": "object",
  "required": ["iteration"],
  "properties": {
    "iteration": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const interruptedSchema = `{
  "type": "object",
  "required": ["barrier_id", "expected_count", "job_ids"],
  "properties": {
    "barrier_id": { "type": "integer", "minimum": 1 },
    "expected_count": { "type": "integer", "minimum": 1 },
    "job_ids": {
      "type": "array",
      "items": { "type": "integer" },
      "minItems": 1
    },
    "deadline": { "type": "string" }
  },
  "additionalProperties": true
}`

const resumedSchema = `{
  "type": "object",
  "required": ["barrier_id", "completed"],
  "properties": {
    "barrier_id": { "type": "integer", "minimum": 1 },
    "completed": { "type": "integer", "minimum": 0 },
    "timed_out": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const completeSchema = `{
  "type": "object",
  "required": ["result", "iterations"],
  "properties": {
    "result": { "type": "string" },
    "iterations": { "type": "integer", "minimum": 0 },
    "usage": { "type": "object" }
  },
  "additionalProperties": true
}`

const failedSchema = `{
  "type": "object",
  "required": ["error", "error_kind"],
  "properties": {
    "error": { "type": "string", "minLength": 1 },
    "error_kind": { "type": "string", "minLength": 1 },
    "iterations": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const toolStartedSchema = `{
  "type": "object",
  "required": ["tool", "tool_call_id"],
  "properties": {
    "tool": { "type": "string", "minLength": 1 },
    "tool_call_id": { "type": "string", "minLength": 1 },
    "args_preview": { "type": "string" }
  },
  "additionalProperties": true
}`

const toolCompletedSchema = `{
  "type": "object",
  "required": ["tool", "tool_call_id", "duration_ms"],
  "properties": {
    "tool": { "type": "string", "minLength": 1 },
    "tool_call_id": { "type": "string", "minLength": 1 },
    "result_preview": { "type": "string" },
    "artifact": { "type": "string" },
    "duration_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const toolFailedSchema = `{
  "type": "object",
  "required": ["tool", "tool_call_id", "error"],
  "properties": {
    "tool": { "type": "string", "minLength": 1 },
    "tool_call_id": { "type": "string", "minLength": 1 },
    "error": { "type": "string", "minLength": 1 },
    "error_kind": { "type": "string" },
    "duration_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const workerSpawnedSchema = `{
  "type": "object",
  "required": ["spawned_job_id", "tool_call_id", "mode"],
  "properties": {
    "spawned_job_id": { "type": "integer", "minimum": 1 },
    "tool_call_id": { "type": "string", "minLength": 1 },
    "mode": { "enum": ["standard", "workspace"] },
    "task_preview": { "type": "string" }
  },
  "additionalProperties": true
}`

const workerStartedSchema = `{
  "type": "object",
  "required": ["attempt", "mode"],
  "properties": {
    "attempt": { "type": "integer", "minimum": 1 },
    "mode": { "enum": ["standard", "workspace"] },
    "task_preview": { "type": "string" }
  },
  "additionalProperties": true
}`

const workerCompleteSchema = `{
  "type": "object",
  "required": ["duration_ms"],
  "properties": {
    "result_preview": { "type": "string" },
    "artifact": { "type": "string" },
    "duration_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const workerFailedSchema = `{
  "type": "object",
  "required": ["error", "error_kind", "duration_ms"],
  "properties": {
    "error": { "type": "string", "minLength": 1 },
    "error_kind": { "type": "string", "minLength": 1 },
    "duration_ms": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const tokenSchema = `{
  "type": "object",
  "required": ["delta"],
  "properties": {
    "delta": { "type": "string" }
  },
  "additionalProperties": true
}`
