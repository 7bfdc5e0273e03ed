// Package notify delivers "new assignment" messages to the user.
//
// A Service renders a Payload into a short plain-text message and hands it to
// one driver (smtp, telegram or log). Sends pass through a token-bucket rate
// limiter, and a small in-memory history is kept for the status endpoint.
package notify
