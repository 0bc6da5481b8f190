// Package nodes defines the execution-graph vertex types relay walks when
// running a task graph: one PackageTask per package#task pairing.
package nodes

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/relaydag/relay/internal/fs"
	"github.com/relaydag/relay/internal/fs/hash"
	"github.com/relaydag/relay/internal/util"
)

// logDir is where task logs and other task-scoped artifacts live, relative
// to the package they belong to.
const logDir = ".relay"

// PackageTask is a single package#task pairing as it exists once the task
// graph has been built: its resolved task definition, where it lives on
// disk, and the fields that execution fills in as the task runs (Hash,
// Command, LogFile).
type PackageTask struct {
	TaskID          string
	Task            string
	PackageName     string
	Pkg             *fs.PackageJSON
	EnvMode         util.EnvMode
	TaskDefinition  *fs.TaskDefinition
	Dir             string
	Command         string
	Outputs         []string
	ExcludedOutputs []string
	Hash            string
	LogFile         string
}

// RepoRelativeSystemLogFile returns this task's log file path, relative to
// the repo root, in the host OS's path format.
func (pt *PackageTask) RepoRelativeSystemLogFile() string {
	return filepath.Join(pt.Dir, logDir, taskLogFilename(pt.Task))
}

// RepoRelativeLogFile is an alias for RepoRelativeSystemLogFile kept for
// call sites written before repo-relative paths were named "system" paths.
func (pt *PackageTask) RepoRelativeLogFile() string {
	return pt.RepoRelativeSystemLogFile()
}

// OutputPrefix returns the label relay prefixes this task's log lines with.
// Single-package repos don't need the package qualifier since there's only
// ever one package.
func (pt *PackageTask) OutputPrefix(isSinglePackage bool) string {
	if isSinglePackage {
		return pt.Task
	}
	return fmt.Sprintf("%v:%v", pt.PackageName, pt.Task)
}

// HashableOutputs returns the package-relative glob set that determines
// which files this task's cache entry captures: the configured output
// globs plus the task's own log file, since the log is itself a cacheable
// output.
func (pt *PackageTask) HashableOutputs() hash.TaskOutputs {
	inclusions := make([]string, 0, len(pt.TaskDefinition.Outputs.Inclusions)+1)
	inclusions = append(inclusions, packageRelativeLogFile(pt.Task))
	inclusions = append(inclusions, pt.TaskDefinition.Outputs.Inclusions...)

	outputs := hash.TaskOutputs{
		Inclusions: inclusions,
		Exclusions: pt.TaskDefinition.Outputs.Exclusions,
	}
	outputs.Sort()
	return outputs
}

// packageRelativeLogFile is the log path HashableOutputs contributes,
// expressed relative to the package directory rather than the repo root.
func packageRelativeLogFile(taskName string) string {
	return strings.Join([]string{logDir, taskLogFilename(taskName)}, "/")
}

// taskLogFilename is the log file's base name. Colons show up in task names
// with namespaces (e.g. "lint:fix") and aren't safe on every filesystem, so
// they're escaped rather than passed through.
func taskLogFilename(taskName string) string {
	safeName := strings.ReplaceAll(taskName, ":", "$colon$")
	return fmt.Sprintf("relay-%v.log", safeName)
}
