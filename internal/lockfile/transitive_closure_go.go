//go:build go || !rust
// +build go !rust

package lockfile

import (
	mapset "github.com/deckarep/golang-set"
	"github.com/relaydag/relay/internal/repopath"
)

// TransitiveClosure the set of all lockfile keys that pkg depends on
func TransitiveClosure(
	workspaceDir repopath.AnchoredUnixPath,
	unresolvedDeps map[string]string,
	lockFile Lockfile,
) (mapset.Set, error) {
	return transitiveClosure(workspaceDir, unresolvedDeps, lockFile)
}
