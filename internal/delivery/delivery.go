package delivery

import (
	"context"
	"fmt"

	"enforcer/internal/enforcement"
	"enforcer/internal/services"
)

// OutcomeKind reports how a dispatch ended.
type OutcomeKind string

const (
	// OutcomeDelivered means the recipient accepted the notice.
	OutcomeDelivered OutcomeKind = "delivered"
	// OutcomeAwaitingManual means a human must complete the submission.
	OutcomeAwaitingManual OutcomeKind = "awaiting_manual"
)

// Notice is the rendered takedown notice.
type Notice struct {
	Subject string
	Body    string
}

// String returns the stored form of the notice.
func (n Notice) String() string {
	if n.Subject == "" {
		return n.Body
	}
	return "Subject: " + n.Subject + "\n\n" + n.Body
}

// Request is one dispatch of a claimed queue item.
type Request struct {
	Item         *enforcement.QueueItem
	Infringement *enforcement.Infringement
	Notice       Notice
}

// Outcome is the result of a successful dispatch call.
type Outcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Instructions      string
}

// Dispatcher delivers a notice through one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Outcome, error)
}

// Router selects the channel registered for an item's delivery method.
type Router struct {
	channels map[enforcement.DeliveryMethod]Dispatcher
}

// NewRouter returns a router with web-form and manual channels registered.
// Email is registered separately because it needs credentials.
func NewRouter() *Router {
	return &Router{channels: map[enforcement.DeliveryMethod]Dispatcher{
		enforcement.MethodWebForm: WebFormChannel{},
		enforcement.MethodManual:  ManualChannel{},
	}}
}

// Register installs d for method, replacing any previous channel.
func (r *Router) Register(method enforcement.DeliveryMethod, d Dispatcher) {
	r.channels[method] = d
}

// Dispatch implements Dispatcher.
func (r *Router) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.Item == nil {
		return Outcome{}, services.Wrap(services.ErrValidation, "delivery", "dispatch", "missing queue item", nil)
	}
	channel, ok := r.channels[req.Item.Method]
	if !ok {
		return Outcome{}, services.Wrap(services.ErrConfiguration, "delivery", "dispatch",
			fmt.Sprintf("no channel configured for %s", req.Item.Method), nil)
	}
	return channel.Dispatch(ctx, req)
}

// WebFormChannel returns the provider form a human must complete.
type WebFormChannel struct{}

// Dispatch implements Dispatcher.
func (WebFormChannel) Dispatch(_ context.Context, req Request) (Outcome, error) {
	target := req.Item.Target
	if target.FormURL == "" {
		return Outcome{}, services.Wrap(services.ErrPermanent, "delivery", "web form",
			fmt.Sprintf("target %s has no form url", target.Name), nil)
	}
	return Outcome{
		Kind: OutcomeAwaitingManual,
		Instructions: fmt.Sprintf("Submit the takedown notice for %s through the %s form at %s, then mark the item as submitted.",
			sourceURL(req), target.Name, target.FormURL),
	}, nil
}

// ManualChannel asks a human to deliver the notice by other means.
type ManualChannel struct{}

// Dispatch implements Dispatcher.
func (ManualChannel) Dispatch(_ context.Context, req Request) (Outcome, error) {
	target := req.Item.Target
	instructions := fmt.Sprintf("Deliver the takedown notice for %s to %s", sourceURL(req), target.Name)
	if target.Recipient != "" {
		instructions += " (" + target.Recipient + ")"
	}
	return Outcome{
		Kind:         OutcomeAwaitingManual,
		Instructions: instructions + ", then mark the item as submitted.",
	}, nil
}

func sourceURL(req Request) string {
	if req.Infringement != nil && req.Infringement.SourceURL != "" {
		return req.Infringement.SourceURL
	}
	return "infringement " + req.Item.InfringementID
}
