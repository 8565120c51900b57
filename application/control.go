package application

import "context"

// ControlServer is the C6 port: a UNIX-domain-socket server answering the
// full control-plane request catalog over length-prefixed
// ClientMessage/ServerMessage frames (spec.md §4.6). The CLI front that
// dials it is out of scope.
type ControlServer interface {
	// Run binds socketPath (mode 0600) and serves until ctx is cancelled.
	Run(ctx context.Context, socketPath string) error
}
