// Package chat relays newline-delimited messages between connected clients.
//
// Each connection runs as a session with its own read and write goroutines.
// The Registry goroutine owns the set of live sessions and fans every line out
// to all mailboxes except the sender's; full mailboxes drop the message.
package chat
