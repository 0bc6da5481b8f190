// Package core builds and walks the per-(package,task) execution graph that
// drives a relay run. It turns the set of requested packages/tasks plus the
// relay.json layers that apply to them into a single acyclic graph of
// "package#task" vertices, and knows how to validate and walk that graph.
package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/relaydag/relay/internal/fs"
	"github.com/relaydag/relay/internal/graph"
	"github.com/relaydag/relay/internal/util"

	"github.com/pyr-sh/dag"
)

// ROOT_NODE_NAME is the synthetic vertex every task with no dependencies of
// its own gets attached to, so the graph always has a single source.
const ROOT_NODE_NAME = "___ROOT___"

// Task pairs a taskID's display name with the fully-merged TaskDefinition
// that governs how it runs.
type Task struct {
	Name           string
	TaskDefinition fs.TaskDefinition
}

// Visitor is invoked once per taskID as the graph is walked.
type Visitor = func(taskID string) error

// Engine owns the task graph for a single `relay run` invocation: which
// package#task vertices exist, how they're connected, and the bookkeeping
// needed to resolve relay.json across workspace boundaries.
type Engine struct {
	TaskGraph       *dag.AcyclicGraph
	PackageTaskDeps map[string][]string

	// rootEnabledTasks tracks which task names were explicitly registered
	// against the root package, since root tasks are opt-in.
	rootEnabledTasks util.Set

	completeGraph   *graph.CompleteGraph
	isSinglePackage bool
}

// NewEngine returns an Engine with an empty task graph, ready to accept
// AddTask/AddDep calls followed by a single Prepare call.
func NewEngine(completeGraph *graph.CompleteGraph, isSinglePackage bool) *Engine {
	return &Engine{
		TaskGraph:        &dag.AcyclicGraph{},
		PackageTaskDeps:  map[string][]string{},
		rootEnabledTasks: make(util.Set),
		completeGraph:    completeGraph,
		isSinglePackage:  isSinglePackage,
	}
}

// EngineBuildingOptions scopes which packages and tasks should be turned
// into graph entry points by Prepare.
type EngineBuildingOptions struct {
	Packages  []string
	TaskNames []string
	TasksOnly bool
}

// EngineExecutionOptions controls a single walk of a prepared task graph.
type EngineExecutionOptions struct {
	Parallel    bool
	Concurrency int
}

// Execute walks the task graph, calling visitor for every non-root vertex.
// Once any visitor call returns an error, no further visitors are invoked,
// though tasks already in flight on unrelated branches are allowed to finish.
func (e *Engine) Execute(visitor Visitor, opts EngineExecutionOptions) []error {
	sema := util.NewSemaphore(opts.Concurrency)
	var failed int32

	return e.TaskGraph.Walk(func(v dag.Vertex) error {
		if atomic.LoadInt32(&failed) != 0 {
			return nil
		}

		taskID := dag.VertexName(v)
		if strings.Contains(taskID, ROOT_NODE_NAME) {
			return nil
		}

		if !opts.Parallel {
			sema.Acquire()
			defer sema.Release()
		}

		if err := visitor(taskID); err != nil {
			atomic.StoreInt32(&failed, 1)
			return err
		}
		return nil
	})
}

// MissingTaskError indicates a taskID has no relay.json entry anywhere in
// its relay.json/workspace chain. Callers that tolerate a task simply not
// existing (e.g. while seeding entry points) check for this type explicitly.
type MissingTaskError struct {
	workspaceName string
	taskID        string
	taskName      string
}

func (m *MissingTaskError) Error() string {
	return fmt.Sprintf("no task %q or %q defined in workspace %q", m.taskName, m.taskID, m.workspaceName)
}

// lookupTaskDefinition finds the Task for pkg/taskName, falling back to the
// root workspace's relay.json when pkg doesn't define it itself.
func (e *Engine) lookupTaskDefinition(pkg string, taskName string, taskID string) (*Task, error) {
	pipeline, err := e.completeGraph.GetPipelineFromWorkspace(pkg, e.isSinglePackage)
	if err != nil {
		if pkg == util.RootPkgName {
			return nil, err
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// Workspaces aren't required to carry their own relay.json.
		return e.lookupTaskDefinition(util.RootPkgName, taskName, taskID)
	}

	if def, ok := pipeline[taskID]; ok {
		return &Task{Name: taskName, TaskDefinition: def.GetTaskDefinition()}, nil
	}
	if def, ok := pipeline[taskName]; ok {
		return &Task{Name: taskName, TaskDefinition: def.GetTaskDefinition()}, nil
	}

	// relay.json exists here but doesn't mention this task; try the root
	// pipeline before giving up.
	if pkg != util.RootPkgName {
		return e.lookupTaskDefinition(util.RootPkgName, taskName, taskID)
	}

	return nil, &MissingTaskError{workspaceName: pkg, taskID: taskID, taskName: taskName}
}

// entryPoints computes the initial set of taskIDs that seed the graph
// traversal, along with the subset of the requested task names that
// couldn't be resolved against any package. A requested task name that no
// listed package defines is not an error here; it is returned in the
// unresolved set, and Prepare fails before walking the queue if that set is
// not empty.
func (e *Engine) entryPoints(pkgs, taskNames []string) ([]string, util.Set, error) {
	queue := []string{}
	unresolved := util.SetFromStrings(taskNames)

	for _, pkg := range pkgs {
		for _, taskName := range taskNames {
			taskID := util.GetTaskId(pkg, taskName)

			found, err := e.lookupTaskDefinition(pkg, taskName, taskID)
			if err != nil {
				if _, isMissing := err.(*MissingTaskError); isMissing {
					continue
				}
				return nil, nil, err
			}
			if found == nil {
				continue
			}

			unresolved.Delete(taskName)

			// A task from the root workspace only becomes an entry point
			// if it was explicitly registered as root-enabled; every other
			// workspace's tasks are entry points unconditionally.
			if pkg != util.RootPkgName || e.rootEnabledTasks.Includes(taskName) {
				queue = append(queue, taskID)
			}
		}
	}

	return queue, unresolved, nil
}

// Prepare builds the task graph for the given packages and tasks, resolving
// relay.json across workspace boundaries and connecting dependency edges
// (both "^task" topological deps and same-package "task" deps) as it goes.
func (e *Engine) Prepare(options *EngineBuildingOptions) error {
	if len(options.Packages) == 0 {
		return nil
	}

	queue, unresolved, err := e.entryPoints(options.Packages, options.TaskNames)
	if err != nil {
		return err
	}

	if names := unresolved.UnsafeListOfStrings(); len(names) > 0 {
		sort.Strings(names)
		return fmt.Errorf("could not find the following tasks in project: %s", strings.Join(names, ", "))
	}

	visited := make(util.Set)
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]

		if visited.Includes(taskID) {
			continue
		}

		more, err := e.addTaskNode(taskID, options.TaskNames, options.TasksOnly)
		if err != nil {
			return err
		}
		visited.Add(taskID)
		queue = append(queue, more...)
	}

	return nil
}

// addTaskNode resolves taskID's merged TaskDefinition, records it on the
// complete graph, and wires up its dependency edges, returning the taskIDs
// discovered as dependencies so the caller can keep traversing.
func (e *Engine) addTaskNode(taskID string, requestedTaskNames []string, tasksOnly bool) ([]string, error) {
	pkg, taskName := util.GetPackageTaskFromId(taskID)

	if pkg == util.RootPkgName && !e.rootEnabledTasks.Includes(taskName) {
		return nil, fmt.Errorf("%v needs an entry in relay.json before it can be depended on because it is a task run from the root package", taskID)
	}
	if pkg != ROOT_NODE_NAME {
		if _, ok := e.completeGraph.WorkspaceInfos.PackageJSONs[pkg]; !ok {
			return nil, fmt.Errorf("could not find workspace %q from task %q in project", pkg, taskID)
		}
	}

	layers, err := e.gatherTaskDefinitionLayers(taskID, taskName)
	if err != nil {
		return nil, err
	}
	taskDefinition, err := fs.MergeTaskDefinitions(layers)
	if err != nil {
		return nil, err
	}
	e.completeGraph.TaskDefinitions[taskID] = taskDefinition

	topoDeps := util.SetFromStrings(taskDefinition.TopologicalDependencies)
	sameTaskDeps := make(util.Set)
	isPackageTask := util.IsPackageTask(taskName)

	for _, dependency := range taskDefinition.TaskDependencies {
		if isPackageTask && util.IsPackageTask(dependency) {
			if err := e.AddDep(dependency, taskName); err != nil {
				return nil, err
			}
		} else {
			sameTaskDeps.Add(dependency)
		}
	}

	if tasksOnly {
		onlyRequested := func(d interface{}) bool {
			for _, target := range requestedTaskNames {
				if fmt.Sprintf("%v", d) == target {
					return true
				}
			}
			return false
		}
		sameTaskDeps = sameTaskDeps.Filter(onlyRequested)
		topoDeps = topoDeps.Filter(onlyRequested)
	}

	hasTopoDeps := topoDeps.Len() > 0 && e.completeGraph.WorkspaceGraph.DownEdges(pkg).Len() > 0
	hasSameTaskDeps := sameTaskDeps.Len() > 0
	packageTaskDeps, hasPackageTaskDeps := e.PackageTaskDeps[taskID]

	discovered := []string{}
	connect := func(fromTaskID string) {
		e.TaskGraph.Add(fromTaskID)
		e.TaskGraph.Add(taskID)
		e.TaskGraph.Connect(dag.BasicEdge(taskID, fromTaskID))
		discovered = append(discovered, fromTaskID)
	}

	if hasTopoDeps {
		for depPkg := range e.completeGraph.WorkspaceGraph.DownEdges(pkg) {
			for _, from := range topoDeps.UnsafeListOfStrings() {
				connect(util.GetTaskId(depPkg, from))
			}
		}
	}
	if hasSameTaskDeps {
		for _, from := range sameTaskDeps.UnsafeListOfStrings() {
			connect(util.GetTaskId(pkg, from))
		}
	}
	if hasPackageTaskDeps {
		for _, fromTaskID := range packageTaskDeps {
			connect(fromTaskID)
		}
	}
	if !hasTopoDeps && !hasSameTaskDeps && !hasPackageTaskDeps {
		e.TaskGraph.Add(ROOT_NODE_NAME)
		e.TaskGraph.Add(taskID)
		e.TaskGraph.Connect(dag.BasicEdge(taskID, ROOT_NODE_NAME))
	}

	return discovered, nil
}

// AddTask records taskName as root-enabled if it names a root package#task,
// so later lookups know the root workspace is allowed to run it.
func (e *Engine) AddTask(taskName string) {
	if !util.IsPackageTask(taskName) {
		return
	}
	pkg, name := util.GetPackageTaskFromId(taskName)
	if pkg == util.RootPkgName {
		e.rootEnabledTasks.Add(name)
	}
}

// AddDep records that toTaskID depends on fromTaskID, for package-task-scoped
// dependencies (e.g. "my-pkg#build": { "dependsOn": ["my-pkg#beforebuild"] }).
func (e *Engine) AddDep(fromTaskID string, toTaskID string) error {
	fromPkg, _ := util.GetPackageTaskFromId(fromTaskID)
	if fromPkg != ROOT_NODE_NAME && fromPkg != util.RootPkgName && !e.completeGraph.WorkspaceGraph.HasVertex(fromPkg) {
		return fmt.Errorf("found reference to unknown package: %v in task %v", fromPkg, fromTaskID)
	}
	e.PackageTaskDeps[toTaskID] = append(e.PackageTaskDeps[toTaskID], fromTaskID)
	return nil
}

// ValidatePersistentDependencies rejects a graph where any task depends on a
// persistent task that's actually implemented (has a script), and ensures
// there's enough configured concurrency to run every persistent task at once.
func (e *Engine) ValidatePersistentDependencies(g *graph.CompleteGraph, concurrency int) error {
	persistentCount := 0
	var dependencyErr error

	// Walking this graph concurrently can otherwise race on persistentCount
	// and dependencyErr (visible under `go test -race`).
	sema := util.NewSemaphore(1)

	walkErrs := e.TaskGraph.Walk(func(v dag.Vertex) error {
		vertexName := dag.VertexName(v)
		if strings.Contains(vertexName, ROOT_NODE_NAME) {
			return nil
		}

		sema.Acquire()
		defer sema.Release()

		if def, ok := e.completeGraph.TaskDefinitions[vertexName]; ok && def.Persistent {
			persistentCount++
		}

		currentPkg, currentTask := util.GetPackageTaskFromId(vertexName)

		for dep := range e.TaskGraph.DownEdges(vertexName) {
			depTaskID, ok := dep.(string)
			if !ok || strings.Contains(depTaskID, ROOT_NODE_NAME) {
				continue
			}

			depPkg, depTask := util.GetPackageTaskFromId(depTaskID)

			depDefinition, ok := e.completeGraph.TaskDefinitions[depTaskID]
			if !ok {
				return fmt.Errorf("cannot find task definition for %v in package %v", depTaskID, depPkg)
			}

			depPkgJSON, ok := g.WorkspaceInfos.PackageJSONs[depPkg]
			if !ok {
				return fmt.Errorf("cannot find package %v", depPkg)
			}
			_, hasScript := depPkgJSON.Scripts[depTask]

			if depDefinition.Persistent && hasScript {
				dependencyErr = fmt.Errorf(
					"%q is a persistent task, %q cannot depend on it",
					util.GetTaskId(depPkg, depTask),
					util.GetTaskId(currentPkg, currentTask),
				)
				return nil
			}
		}

		return nil
	})

	if len(walkErrs) > 0 {
		var merr *multierror.Error
		for _, err := range walkErrs {
			merr = multierror.Append(merr, err)
		}
		return fmt.Errorf("validating persistent task dependencies: %w", merr)
	}
	if dependencyErr != nil {
		return dependencyErr
	}
	if persistentCount >= concurrency {
		return fmt.Errorf("you have %v persistent tasks but relay is configured for concurrency of %v; set --concurrency to at least %v", persistentCount, concurrency, persistentCount+1)
	}

	return nil
}

// gatherTaskDefinitionLayers collects every relay.json entry that applies to
// taskID, in merge order: the root relay.json's entry first, then (for
// multi-package repos) the owning workspace's own relay.json entry, if any.
// fs.MergeTaskDefinitions folds these into a single TaskDefinition.
func (e *Engine) gatherTaskDefinitionLayers(taskID string, taskName string) ([]fs.BookkeepingTaskDefinition, error) {
	layers := []fs.BookkeepingTaskDefinition{}

	rootPipeline, err := e.completeGraph.GetPipelineFromWorkspace(util.RootPkgName, e.isSinglePackage)
	if err != nil {
		return nil, fmt.Errorf("loading root relay.json: %w", err)
	}
	if rootDefinition, err := rootPipeline.GetTask(taskID, taskName); err == nil {
		layers = append(layers, *rootDefinition)
	}

	if e.isSinglePackage {
		if len(layers) == 0 {
			return nil, fmt.Errorf("could not find %q in root relay.json", taskID)
		}
		return layers, nil
	}

	taskPkg, _ := util.GetPackageTaskFromId(taskID)
	if taskPkg != util.RootPkgName && taskPkg != ROOT_NODE_NAME {
		workspaceConfig, err := e.completeGraph.GetRelayConfigFromWorkspace(taskPkg, e.isSinglePackage)
		switch {
		case err == nil:
			if validationErrs := workspaceConfig.Validate([]fs.RelayJSONValidation{
				forbidPackageScopedPipelineKeys,
				requireSingleRootExtends,
			}); len(validationErrs) > 0 {
				var merr *multierror.Error
				for _, ve := range validationErrs {
					merr = multierror.Append(merr, ve)
				}
				return nil, fmt.Errorf("invalid relay.json in %s: %w", taskPkg, merr)
			}
			if workspaceDefinition, ok := workspaceConfig.Pipeline[taskName]; ok {
				layers = append(layers, workspaceDefinition)
			}
		case errors.Is(err, os.ErrNotExist):
			// A workspace isn't required to carry its own relay.json.
		default:
			return nil, err
		}
	}

	if len(layers) == 0 {
		return nil, fmt.Errorf("could not find %q in root relay.json or %q workspace", taskID, taskPkg)
	}

	return layers, nil
}

// forbidPackageScopedPipelineKeys rejects "pkg#task" keys in a non-root
// relay.json's pipeline: a workspace's own config can only define tasks by
// their bare name, since the package is already implied.
func forbidPackageScopedPipelineKeys(relayJSON *fs.RelayJSON) []error {
	var errs []error
	for taskIDOrName := range relayJSON.Pipeline {
		if util.IsPackageTask(taskIDOrName) {
			errs = append(errs, fmt.Errorf("%q: use %q instead", taskIDOrName, util.StripPackageName(taskIDOrName)))
		}
	}
	return errs
}

// requireSingleRootExtends enforces the only supported "extends" shape for a
// workspace relay.json today: exactly one entry, naming the root workspace.
func requireSingleRootExtends(relayJSON *fs.RelayJSON) []error {
	var errs []error
	switch len(relayJSON.Extends) {
	case 0:
		errs = append(errs, fmt.Errorf(`no "extends" key found`))
	case 1:
		if relayJSON.Extends[0] != util.RootPkgName {
			errs = append(errs, fmt.Errorf("you can only extend from the root workspace"))
		}
	default:
		errs = append(errs, fmt.Errorf("you can only extend from the root workspace"))
	}
	return errs
}
