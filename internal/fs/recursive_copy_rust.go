//go:build rust
// +build rust

package fs

import (
	"github.com/relaydag/relay/internal/ffi"
	"github.com/relaydag/relay/internal/repopath"
)

// RecursiveCopy copies either a single file or a directory.
func RecursiveCopy(from repopath.AbsoluteSystemPath, to repopath.AbsoluteSystemPath) error {
	return ffi.RecursiveCopy(from.ToString(), to.ToString())
}
