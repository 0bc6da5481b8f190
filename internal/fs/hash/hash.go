// Package hash computes the deterministic cache keys used across the
// execution engine: per-task hashes and the per-invocation global hash.
//
// Every hashable value here is serialized in a fixed field order before
// being fed to the digest function, so the resulting hash is stable across
// processes and platforms as long as the input values are equal. Field
// order matters and must never be changed without also bumping every
// caller's expectations about cache compatibility.
package hash

import (
	"encoding/hex"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/relaydag/relay/internal/env"
	"github.com/relaydag/relay/internal/repopath"
	"github.com/relaydag/relay/internal/util"
)

// TaskHashable is a hashable representation of a task to be run
type TaskHashable struct {
	GlobalHash           string
	TaskDependencyHashes []string
	PackageDir           repopath.AnchoredUnixPath
	HashOfFiles          string
	ExternalDepsHash     string
	Task                 string
	Outputs              TaskOutputs
	PassThruArgs         []string
	Env                  []string
	ResolvedEnvVars      env.EnvironmentVariablePairs
	PassThroughEnv       []string
	EnvMode              util.EnvMode
	DotEnv               repopath.AnchoredUnixPathArray
}

// GlobalHashable is a hashable representation of global dependencies for tasks
type GlobalHashable struct {
	GlobalCacheKey       string
	GlobalFileHashMap    map[repopath.AnchoredUnixPath]string
	RootExternalDepsHash string
	Env                  []string
	ResolvedEnvVars      env.EnvironmentVariablePairs
	PassThroughEnv       []string
	EnvMode              util.EnvMode
	FrameworkInference   bool

	// NOTE! This field is _explicitly_ ordered and should not be sorted.
	DotEnv repopath.AnchoredUnixPathArray
}

// TaskOutputs represents the patterns for including and excluding files from outputs
type TaskOutputs struct {
	Inclusions []string
	Exclusions []string
}

// Sort contents of task outputs
func (to *TaskOutputs) Sort() {
	sort.Strings(to.Inclusions)
	sort.Strings(to.Exclusions)
}

// a digest accumulates a deterministic byte stream and folds it into xxhash.
// Every write is followed by a field separator so that e.g. the empty string
// following "a" cannot collide with a shorter field list.
type digest struct {
	h *xxhash.Digest
}

func newDigest() *digest {
	return &digest{h: xxhash.New()}
}

const (
	fieldSep = byte(0x1f) // ASCII unit separator
	itemSep  = byte(0x1e) // ASCII record separator
)

func (d *digest) field(s string) *digest {
	d.h.Write([]byte(s))
	d.h.Write([]byte{fieldSep})
	return d
}

func (d *digest) list(items []string) *digest {
	for _, item := range items {
		d.h.Write([]byte(item))
		d.h.Write([]byte{itemSep})
	}
	d.h.Write([]byte{fieldSep})
	return d
}

func (d *digest) boolean(b bool) *digest {
	if b {
		return d.field("1")
	}
	return d.field("0")
}

func (d *digest) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// HashTaskHashable performs the hash for a TaskHashable.
//
// NOTE: Field order is part of the cache key and must not be reordered.
// Order is:
//   - GlobalHash
//   - PackageDir
//   - HashOfFiles
//   - ExternalDepsHash
//   - Task
//   - EnvMode
//   - Outputs
//   - TaskDependencyHashes
//   - PassThruArgs
//   - Env
//   - PassThroughEnv
//   - DotEnv
//   - ResolvedEnvVars
func HashTaskHashable(task *TaskHashable) (string, error) {
	d := newDigest()
	d.field(task.GlobalHash)
	d.field(task.PackageDir.ToString())
	d.field(task.HashOfFiles)
	d.field(task.ExternalDepsHash)
	d.field(task.Task)
	d.field(string(task.EnvMode))

	outputs := task.Outputs
	outputs.Sort()
	d.list(outputs.Inclusions)
	d.list(outputs.Exclusions)

	d.list(task.TaskDependencyHashes)
	d.list(task.PassThruArgs)
	d.list(task.Env)
	d.list(task.PassThroughEnv)
	d.list(dotEnvStrings(task.DotEnv))
	d.list([]string(task.ResolvedEnvVars))

	return d.sum(), nil
}

// HashGlobalHashable performs the hash for a GlobalHashable.
//
// NOTE: Field order is part of the cache key and must not be reordered.
// Order is:
//   - GlobalCacheKey
//   - GlobalFileHashMap
//   - RootExternalDepsHash
//   - Env
//   - ResolvedEnvVars
//   - PassThroughEnv
//   - EnvMode
//   - FrameworkInference
//   - DotEnv
func HashGlobalHashable(global *GlobalHashable) (string, error) {
	d := newDigest()
	d.field(global.GlobalCacheKey)
	d.list(sortedHashMapPairs(global.GlobalFileHashMap))
	d.field(global.RootExternalDepsHash)
	d.list(global.Env)
	d.list([]string(global.ResolvedEnvVars))
	d.list(global.PassThroughEnv)
	d.field(string(global.EnvMode))
	d.boolean(global.FrameworkInference)
	d.list(dotEnvStrings(global.DotEnv))

	return d.sum(), nil
}

// HashLockfilePackages hashes a sorted list of resolved lockfile package keys,
// forming the basis of a package's external-dependency hash.
func HashLockfilePackages(packages []Package) (string, error) {
	sorted := make([]Package, len(packages))
	copy(sorted, packages)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Version < sorted[j].Version
	})

	d := newDigest()
	for _, pkg := range sorted {
		d.field(pkg.Key)
		d.field(pkg.Version)
	}
	return d.sum(), nil
}

// Package mirrors the minimal shape of a lockfile package entry needed for hashing.
// It exists here (rather than importing the lockfile package) to avoid a cycle.
type Package struct {
	Key     string
	Version string
}

// HashFileHashes hashes a map of anchored-unix-path to content digest,
// used to fold a completed FileHashes result into a compound hash.
func HashFileHashes(files map[repopath.AnchoredUnixPath]string) (string, error) {
	d := newDigest()
	d.list(sortedHashMapPairs(files))
	return d.sum(), nil
}

// HashStrings produces a digest over an ordered list of strings, used for
// ad hoc compound hashing (env values, argv, etc.) elsewhere in the engine.
func HashStrings(items []string) (string, error) {
	d := newDigest()
	d.list(items)
	return d.sum(), nil
}

func dotEnvStrings(paths repopath.AnchoredUnixPathArray) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.ToString()
	}
	return out
}

// sortedHashMapPairs flattens a path->digest map into a deterministic,
// sorted "key=value" slice so it can be folded by list().
func sortedHashMapPairs(m map[repopath.AnchoredUnixPath]string) []string {
	keys := make([]string, 0, len(m))
	byKey := make(map[string]string, len(m))
	for k, v := range m {
		ks := k.ToString()
		keys = append(keys, ks)
		byKey[ks] = v
	}
	sort.Strings(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + byKey[k]
	}
	return out
}
