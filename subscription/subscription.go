// Package subscription coordinates the pending queue and the poll manager to
// implement the queue, validate and remove operations.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"citaprevia-notifier/pkg/notifier"
	"citaprevia-notifier/poll"
)

// Registry is the set of known postal codes.
type Registry interface {
	Contains(code string) bool
	Codes() []string
}

// Decoder turns an opaque token back into its payload.
type Decoder interface {
	Decode(token string) (notifier.TokenPayload, error)
}

// Queue holds unconfirmed requests.
type Queue interface {
	Enqueue(postalCode, userEmail string) (string, error)
	Consume(id string) (notifier.PendingSubscription, error)
}

// Manager holds confirmed subscribers.
type Manager interface {
	AddSubscriber(postalCode, userEmail, token string) (notifier.Subscriber, error)
	RemoveSubscriber(postalCode, userEmail string) error
	Tasks() []poll.TaskInfo
}

// Confirmer sends the email acknowledging a confirmed subscription.
type Confirmer interface {
	SendConfirmation(ctx context.Context, sub notifier.Subscriber, postalCode string) error
}

// Confirmation is the result of a successful validate or remove.
type Confirmation struct {
	ExpiresAt  time.Time
	PostalCode string
	UserEmail  string
}

// confirmTimeout keeps a slow mail provider from holding a validate request
// past the HTTP write timeout.
const confirmTimeout = 15 * time.Second

// Orchestrator is the entry point for subscription operations.
type Orchestrator struct {
	registry       Registry
	codec          Decoder
	queue          Queue
	manager        Manager
	confirmer      Confirmer
	logger         *slog.Logger
	confirmTimeout time.Duration
}

// New creates an orchestrator. confirmer may be nil to skip confirmation emails.
func New(registry Registry, codec Decoder, queue Queue, manager Manager, confirmer Confirmer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		codec:     codec,
		queue:     queue,
		manager:   manager,
		confirmer: confirmer,
		logger:    logger,

		confirmTimeout: confirmTimeout,
	}
}

// Queue registers an unconfirmed request and returns the token that validates it.
func (o *Orchestrator) Queue(postalCode, userEmail string) (string, error) {
	return o.queue.Enqueue(postalCode, userEmail)
}

// Validate confirms the pending request carried by token.
func (o *Orchestrator) Validate(ctx context.Context, token string) (Confirmation, error) {
	p, err := o.codec.Decode(token)
	if err != nil {
		return Confirmation{}, err
	}
	if _, err := o.queue.Consume(p.ID); err != nil {
		return Confirmation{}, err
	}
	if !o.registry.Contains(p.PostalCode) {
		return Confirmation{}, fmt.Errorf("validate %s: %w", p.PostalCode, notifier.ErrUnknownPostalCode)
	}

	sub, err := o.manager.AddSubscriber(p.PostalCode, p.UserEmail, token)
	if err != nil {
		return Confirmation{}, err
	}

	o.logger.Info("Subscription confirmed",
		"postal_code", p.PostalCode,
		"email", p.UserEmail,
		"token_prefix", prefix(token))

	if o.confirmer != nil {
		confirmCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
		defer cancel()
		if err := o.confirmer.SendConfirmation(confirmCtx, sub, p.PostalCode); err != nil {
			o.logger.Warn("Failed to send confirmation email",
				"postal_code", p.PostalCode,
				"email", p.UserEmail,
				"error", err)
		}
	}

	return Confirmation{PostalCode: p.PostalCode, UserEmail: p.UserEmail, ExpiresAt: sub.ExpiresAt}, nil
}

// Remove detaches the subscriber identified by token. The same token may be
// presented again only to receive ErrNotSubscribed.
func (o *Orchestrator) Remove(token string) (Confirmation, error) {
	p, err := o.codec.Decode(token)
	if err != nil {
		return Confirmation{}, err
	}
	if !o.registry.Contains(p.PostalCode) {
		return Confirmation{}, fmt.Errorf("remove %s: %w", p.PostalCode, notifier.ErrUnknownPostalCode)
	}
	if err := o.manager.RemoveSubscriber(p.PostalCode, p.UserEmail); err != nil {
		return Confirmation{}, err
	}

	o.logger.Info("Subscription removed",
		"postal_code", p.PostalCode,
		"email", p.UserEmail,
		"token_prefix", prefix(token))
	return Confirmation{PostalCode: p.PostalCode, UserEmail: p.UserEmail}, nil
}

// ListPostalCodes returns every known postal code in ascending order.
func (o *Orchestrator) ListPostalCodes() []string {
	return o.registry.Codes()
}

// ActiveTasks returns the number of postal codes currently being polled.
func (o *Orchestrator) ActiveTasks() int {
	return len(o.manager.Tasks())
}

func prefix(token string) string {
	if len(token) > 5 {
		return token[:5]
	}
	return token
}
