//go:build rust
// +build rust

package fs

import (
	"github.com/relaydag/relay/internal/ffi"
	"github.com/relaydag/relay/internal/repopath"
)

// GetRelayDataDir returns a directory outside of the repo
// where relay can store data files related to relay.
func GetRelayDataDir() repopath.AbsoluteSystemPath {
	dir := ffi.GetRelayDataDir()
	return repopath.AbsoluteSystemPathFromUpstream(dir)
}
