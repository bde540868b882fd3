package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credential is a short-lived bearer token for the provider API.
// Treat as a value; a refresh replaces the whole struct.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// ValidFor reports whether the credential is still usable margin past now.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.Value == "" {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// RenderMode tells the provider how to interpret message content.
// The delivery core treats it as opaque.
type RenderMode string

const (
	RenderText     RenderMode = "text"
	RenderMarkdown RenderMode = "markdown"
)

// ConversationRef addresses the destination conversation for a new message.
// ThreadID is 0 when the provider has no thread/topic concept.
type ConversationRef struct {
	ChatID   string
	ThreadID int
}

// CreateResult is the provider's answer to a create call.
// TargetID identifies the created message for subsequent updates.
type CreateResult struct {
	TargetID string
	Raw      []byte
}

// Provider is the outbound surface the delivery core talks to.
//
// Implementations classify permanent rejections (object gone, access revoked)
// by returning a *TerminalError; everything else is treated as transient and
// retried by the caller.
type Provider interface {
	// FetchCredential obtains a fresh bearer credential for identity.
	FetchCredential(ctx context.Context, identity string) (Credential, error)

	// CreateMessage creates the display object and returns its id.
	CreateMessage(ctx context.Context, cred Credential, ref ConversationRef, content string, mode RenderMode) (CreateResult, error)

	// UpdateMessage replaces the display object's content in place.
	UpdateMessage(ctx context.Context, cred Credential, targetID, content string, mode RenderMode) ([]byte, error)
}

// ErrCredentialRejected marks a provider response saying the bearer
// credential itself is no longer accepted (revoked, or expired server-side
// ahead of its stated lifetime). The dispatch path invalidates the cached
// credential and retries with a fresh one; the target itself is unaffected.
var ErrCredentialRejected = errors.New("credential rejected")

// RejectedCredential tags err as a credential rejection.
func RejectedCredential(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCredentialRejected, err)
}

// TerminalError signals that the provider permanently rejected an operation
// for this target (not found, gone, forbidden). The delivery core evicts the
// target immediately instead of waiting for the idle timer.
type TerminalError struct {
	Code string
	Err  error
}

func (e *TerminalError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("terminal provider error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("terminal provider error: %v", e.Err)
}
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a TerminalError with the given provider code.
func Terminal(code string, err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Code: code, Err: err}
}

// IsTerminal reports whether err is (or wraps) a TerminalError.
func IsTerminal(err error) bool {
	var e *TerminalError
	return errors.As(err, &e)
}
