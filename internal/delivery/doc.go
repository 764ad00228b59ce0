// Package delivery dispatches takedown notices through their delivery
// channel.
//
// EmailChannel sends through SendGrid and records the provider message id.
// WebFormChannel and ManualChannel have no programmatic submission: they
// return instructions and the send queue parks the item until a human marks
// it submitted. Channel errors are classified as transient or permanent with
// the services markers so the send queue can choose between retry and
// terminal failure.
package delivery
