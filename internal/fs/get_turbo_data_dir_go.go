//go:build go || !rust
// +build go !rust

package fs

import (
	"github.com/adrg/xdg"
	"github.com/relaydag/relay/internal/repopath"
)

// GetRelayDataDir returns a directory outside of the repo
// where relay can store data files related to relay.
func GetRelayDataDir() repopath.AbsoluteSystemPath {
	dataHome := AbsoluteSystemPathFromUpstream(xdg.DataHome)
	return dataHome.UntypedJoin("relay")
}
