// Package version holds build and protocol version information.
package version

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// Version is the shiftsync release, overridden at link time with
// -ldflags "-X github.com/shiftboard/shiftsync/internal/version.Version=v1.2.3".
var Version = "v0.4.0"

// Protocol is the wire protocol spoken between devices and the relay store.
// Peers are compatible when the major versions match.
const Protocol = "v1.2.0"

// Compatible reports whether a peer speaking protocol peer can talk to us.
// An empty peer version is accepted, since the production store sends none.
func Compatible(peer string) error {
	if peer == "" {
		return nil
	}
	if !semver.IsValid(peer) {
		return fmt.Errorf("invalid protocol version %q", peer)
	}
	if semver.Major(peer) != semver.Major(Protocol) {
		return fmt.Errorf("protocol %s is incompatible with %s", peer, Protocol)
	}
	return nil
}

// Newer reports whether candidate is a later release than the running one.
func Newer(candidate string) bool {
	return semver.IsValid(candidate) && semver.Compare(candidate, Version) > 0
}
