// Package domain defines core entities, ports, and domain-specific errors
// for the process-manager platform.
package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeCategory distinguishes the three kinds of messages on the bus.
type EnvelopeCategory string

// Envelope categories.
const (
	// CategoryCommand is a request routed to a worker service.
	CategoryCommand EnvelopeCategory = "command"
	// CategoryReply is a response correlated back to a command.
	CategoryReply EnvelopeCategory = "reply"
	// CategoryEvent is a domain event published for observers.
	CategoryEvent EnvelopeCategory = "event"
)

// Reply envelope types.
const (
	// TypeCommandCompleted signals successful command execution.
	TypeCommandCompleted = "CommandCompleted"
	// TypeCommandFailed signals failed command execution.
	TypeCommandFailed = "CommandFailed"
	// TypeCommandTimedOut signals a command whose processing lease expired.
	TypeCommandTimedOut = "CommandTimedOut"
)

// Well-known envelope header keys.
const (
	HeaderCommandID      = "commandId"
	HeaderCommandName    = "commandName"
	HeaderBusinessKey    = "businessKey"
	HeaderCorrelationID  = "correlationId"
	HeaderIdempotencyKey = "idempotencyKey"
	HeaderReplyTo        = "replyTo"
	HeaderParallelBranch = "parallelBranch"
	HeaderParentStep     = "parentStep"
	HeaderCompensating   = "compensating"
)

// Envelope is the immutable message record exchanged over the bus.
// Correlation is what ties a reply back to a process.
type Envelope struct {
	// MessageID uniquely identifies this message.
	MessageID uuid.UUID
	// Category is one of command, reply, event.
	Category EnvelopeCategory
	// Type is the short message name (e.g. CommandCompleted).
	Type string
	// CommandID references the command this message belongs to, if any.
	CommandID uuid.UUID
	// CorrelationID is usually the process id.
	CorrelationID uuid.UUID
	// CausationID references the message that caused this one, if any.
	CausationID uuid.UUID
	// CreatedAt is the instant the envelope was created.
	CreatedAt time.Time
	// BusinessKey is the business identifier carried across the flow.
	BusinessKey string
	// Headers carries routing and idempotency metadata.
	Headers map[string]string
	// Payload is the opaque JSON body.
	Payload json.RawMessage
}

// NewEnvelope builds an envelope with a fresh message id and timestamp.
// The headers map is copied so the envelope stays immutable to the caller.
func NewEnvelope(category EnvelopeCategory, msgType, businessKey string, headers map[string]string, payload json.RawMessage) Envelope {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return Envelope{
		MessageID:   uuid.New(),
		Category:    category,
		Type:        msgType,
		CreatedAt:   time.Now().UTC(),
		BusinessKey: businessKey,
		Headers:     h,
		Payload:     payload,
	}
}

// Header returns the named header or the empty string.
func (e Envelope) Header(key string) string { return e.Headers[key] }

// ReplyQueue resolves the reply destination from headers, falling back to def.
func (e Envelope) ReplyQueue(def string) string {
	if q := e.Headers[HeaderReplyTo]; q != "" {
		return q
	}
	return def
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
