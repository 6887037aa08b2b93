// Package mailer abstracts the outbound mail transport. The engine treats it
// as a black box: a send either succeeds with a message id or fails with an
// error, and the transport itself gives no exactly-once guarantee.
package mailer

import (
	"context"
)

// Message is a single outbound email with an HTML body.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Transport sends one email and returns the provider message id. A returned
// error is a transport failure; the caller decides retry policy.
type Transport interface {
	Send(ctx context.Context, msg Message) (string, error)
}
