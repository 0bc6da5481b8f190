// Package graph holds CompleteGraph, the workspace+pipeline+hash state that's
// shared across an entire `relay run`, independent of any particular task
// execution.
package graph

import (
	gocontext "context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"
	"github.com/relaydag/relay/internal/env"
	"github.com/relaydag/relay/internal/fs"
	"github.com/relaydag/relay/internal/nodes"
	"github.com/relaydag/relay/internal/repopath"
	"github.com/relaydag/relay/internal/runsummary"
	"github.com/relaydag/relay/internal/taskhash"
	"github.com/relaydag/relay/internal/util"
	"github.com/relaydag/relay/internal/workspace"
)

// CompleteGraph is the state derived once from the filesystem and relay.json
// at the start of a run: the workspace dependency graph, the resolved
// pipeline, and the hash tracker that per-task hashing reads from and writes
// to. Nothing here is specific to a particular task execution.
type CompleteGraph struct {
	WorkspaceGraph  dag.AcyclicGraph
	Pipeline        fs.Pipeline
	WorkspaceInfos  workspace.Catalog
	GlobalHash      string
	RootNode        string
	TaskDefinitions map[string]*fs.TaskDefinition
	RepoRoot        repopath.AbsoluteSystemPath
	TaskHashTracker *taskhash.Tracker
}

// execFunc actually runs (or dry-runs) a single package#task once its
// PackageTask and TaskSummary have been assembled.
type execFunc func(ctx gocontext.Context, packageTask *nodes.PackageTask, taskSummary *runsummary.TaskSummary) error

// GetPackageTaskVisitor builds a core.Visitor: a closure that, for each
// taskID the task graph walk reaches, resolves its package and task
// definition, computes its hash, assembles a run summary entry, and hands
// both off to execFunc. It does not run anything itself.
func (g *CompleteGraph) GetPackageTaskVisitor(
	ctx gocontext.Context,
	taskGraph *dag.AcyclicGraph,
	globalEnvMode util.EnvMode,
	argsForTask func(taskID string) []string,
	logger hclog.Logger,
	run execFunc,
) func(taskID string) error {
	return func(taskID string) error {
		packageTask, command, inferFramework, err := g.buildPackageTask(taskID, globalEnvMode)
		if err != nil {
			return err
		}

		if packageTask.PackageName == util.RootPkgName && scriptInvokesRelay(command) {
			return fmt.Errorf("root task %v (%v) looks like it invokes relay and might cause a loop", packageTask.Task, command)
		}

		passThroughArgs := argsForTask(packageTask.Task)
		hash, err := g.TaskHashTracker.CalculateTaskHash(
			logger,
			packageTask,
			taskGraph.DownEdges(taskID),
			inferFramework,
			passThroughArgs,
		)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", taskID, err)
		}
		packageTask.Hash = hash
		packageTask.LogFile = packageTask.RepoRelativeSystemLogFile()
		packageTask.Command = command

		summary, err := g.buildTaskSummary(taskGraph, packageTask, passThroughArgs)
		if err != nil {
			return err
		}

		return run(ctx, packageTask, summary)
	}
}

// buildPackageTask resolves the package and merged task definition for
// taskID and derives the EnvMode that applies to it. Env mode is only ever
// independently decided per task when the run-wide mode is "infer": a task
// with its own passThroughEnv entries is treated as strict, everything else
// falls back to loose so that pre-strict-mode caches stay valid. The third
// return value tells the caller whether framework-based env inference should
// run for this task's hash: it's suppressed only in the loose-by-fallback
// case, so caches computed before strict mode existed don't change hash.
func (g *CompleteGraph) buildPackageTask(taskID string, globalEnvMode util.EnvMode) (*nodes.PackageTask, string, bool, error) {
	packageName, taskName := util.GetPackageTaskFromId(taskID)
	pkg, ok := g.WorkspaceInfos.PackageJSONs[packageName]
	if !ok {
		return nil, "", false, fmt.Errorf("cannot find package %v for task %v", packageName, taskID)
	}
	command := pkg.Scripts[taskName]

	taskDefinition, ok := g.TaskDefinitions[taskID]
	if !ok {
		return nil, "", false, fmt.Errorf("could not find definition for task %v", taskID)
	}

	taskEnvMode := globalEnvMode
	inferFramework := true
	if taskEnvMode == util.Infer {
		if taskDefinition.PassThroughEnv != nil {
			taskEnvMode = util.Strict
		} else {
			taskEnvMode = util.Loose
			inferFramework = false
		}
	}

	return &nodes.PackageTask{
		TaskID:          taskID,
		Task:            taskName,
		PackageName:     packageName,
		Pkg:             pkg,
		EnvMode:         taskEnvMode,
		Dir:             pkg.Dir.ToString(),
		TaskDefinition:  taskDefinition,
		Outputs:         taskDefinition.Outputs.Inclusions,
		ExcludedOutputs: taskDefinition.Outputs.Exclusions,
	}, command, inferFramework, nil
}

// buildTaskSummary assembles the runsummary.TaskSummary entry for an
// already-hashed packageTask, including its resolved env vars split by
// source and its position in the task graph.
func (g *CompleteGraph) buildTaskSummary(taskGraph *dag.AcyclicGraph, packageTask *nodes.PackageTask, passThroughArgs []string) (*runsummary.TaskSummary, error) {
	taskDefinition := packageTask.TaskDefinition
	envVars := g.TaskHashTracker.GetEnvVars(packageTask.TaskID)

	var passthroughEnv env.EnvironmentVariableMap
	if taskDefinition.PassThroughEnv != nil {
		if detailed, err := env.GetHashableEnvVars(taskDefinition.PassThroughEnv, nil, ""); err == nil {
			passthroughEnv = detailed.BySource.Explicit
		}
	}

	summary := &runsummary.TaskSummary{
		TaskID:                 packageTask.TaskID,
		Task:                   packageTask.Task,
		Hash:                   packageTask.Hash,
		Package:                packageTask.PackageName,
		Dir:                    packageTask.Dir,
		Outputs:                taskDefinition.Outputs.Inclusions,
		ExcludedOutputs:        taskDefinition.Outputs.Exclusions,
		LogFile:                packageTask.LogFile,
		ResolvedTaskDefinition: taskDefinition,
		ExpandedInputs:         g.TaskHashTracker.GetExpandedInputs(packageTask),
		ExpandedOutputs:        []repopath.AnchoredSystemPath{},
		Command:                packageTask.Command,
		CommandArguments:       passThroughArgs,
		Framework:              g.TaskHashTracker.GetFramework(packageTask.TaskID),
		EnvMode:                packageTask.EnvMode,
		EnvVars: runsummary.TaskEnvVarSummary{
			Configured:  envVars.BySource.Explicit.ToSecretHashable(),
			Inferred:    envVars.BySource.Matching.ToSecretHashable(),
			Passthrough: passthroughEnv.ToSecretHashable(),
		},
		ExternalDepsHash: packageTask.Pkg.ExternalDepsHash,
	}

	if ancestors, err := taskPosition(taskGraph.Ancestors, packageTask.TaskID, g.RootNode); err == nil {
		summary.Dependencies = ancestors
	}
	if descendants, err := taskPosition(taskGraph.Descendents, packageTask.TaskID, g.RootNode); err == nil {
		summary.Dependents = descendants
	}

	return summary, nil
}

// GetPipelineFromWorkspace returns the Pipeline from relay.json in the given
// workspace, resolving relay.json (or a single-package package.json's
// legacy inline pipeline) as needed.
func (g *CompleteGraph) GetPipelineFromWorkspace(workspaceName string, isSinglePackage bool) (fs.Pipeline, error) {
	relayConfig, err := g.GetRelayConfigFromWorkspace(workspaceName, isSinglePackage)
	if err != nil {
		return nil, err
	}
	return relayConfig.Pipeline, nil
}

// GetRelayConfigFromWorkspace returns the RelayJSON for the given workspace,
// loading and caching it the first time it's requested.
func (g *CompleteGraph) GetRelayConfigFromWorkspace(workspaceName string, isSinglePackage bool) (*fs.RelayJSON, error) {
	if cached, ok := g.WorkspaceInfos.RelayConfigs[workspaceName]; ok {
		return cached, nil
	}

	pkgJSON, err := g.GetPackageJSONFromWorkspace(workspaceName)
	if err != nil {
		return nil, err
	}

	// pkgJSON.Dir is empty for the root workspace, and a relative path for
	// every other workspace.
	workspaceDir := pkgJSON.Dir.RestoreAnchor(g.RepoRoot)
	relayConfig, err := fs.LoadRelayConfig(workspaceDir, pkgJSON, isSinglePackage)
	if err != nil {
		return nil, err
	}

	g.WorkspaceInfos.RelayConfigs[workspaceName] = relayConfig
	return relayConfig, nil
}

// GetPackageJSONFromWorkspace returns the parsed package.json for the given
// workspace name.
func (g *CompleteGraph) GetPackageJSONFromWorkspace(workspaceName string) (*fs.PackageJSON, error) {
	pkgJSON, ok := g.WorkspaceInfos.PackageJSONs[workspaceName]
	if !ok {
		return nil, fmt.Errorf("no package.json for %s", workspaceName)
	}
	return pkgJSON, nil
}

// taskPosition runs a dag neighbor query (Ancestors or Descendents) for
// taskID and returns the result as a sorted list of taskIDs, filtering out
// the graph's internal root placeholder.
func taskPosition(query func(string) (dag.Set, error), taskID string, rootNode string) ([]string, error) {
	neighbors, err := query(taskID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		if name, ok := n.(string); ok && !strings.Contains(name, rootNode) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

var relayInvocationPattern = regexp.MustCompile(`(?:^|\s)relay(?:$|\s)`)

// scriptInvokesRelay reports whether a package.json script appears to shell
// out to relay itself, which would recurse indefinitely if run as a root task.
func scriptInvokesRelay(command string) bool {
	return relayInvocationPattern.MatchString(command)
}
