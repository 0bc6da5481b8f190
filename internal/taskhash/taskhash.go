// Package taskhash computes and caches the hashes that drive relay's cache
// lookups: a per-package file-inputs hash, and a per-task hash that folds in
// that file hash together with dependency hashes, env vars, and outputs.
package taskhash

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"
	"github.com/relaydag/relay/internal/env"
	"github.com/relaydag/relay/internal/fs"
	"github.com/relaydag/relay/internal/fs/hash"
	"github.com/relaydag/relay/internal/hashing"
	"github.com/relaydag/relay/internal/inference"
	"github.com/relaydag/relay/internal/nodes"
	"github.com/relaydag/relay/internal/repopath"
	"github.com/relaydag/relay/internal/runsummary"
	"github.com/relaydag/relay/internal/util"
	"github.com/relaydag/relay/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// Tracker is the shared store behind task hashing. File-inputs hashes must
// be computed (via CalculateFileHashes) before any task hashes are
// requested; after that, CalculateTaskHash is safe to call concurrently as
// long as each taskID's dependencies have already been hashed, since the
// task graph itself guarantees that ordering.
type Tracker struct {
	rootNode            string
	globalHash          string
	EnvAtExecutionStart env.EnvironmentVariableMap
	pipeline            fs.Pipeline

	// fileInputHashes and fileInputContents are populated once, synchronously,
	// by CalculateFileHashes before the task graph walk begins, so they need
	// no locking of their own.
	fileInputHashes   map[string]string
	fileInputContents map[string]map[repopath.AnchoredUnixPath]string

	mu               sync.RWMutex
	taskEnvVars      map[string]env.DetailedMap
	taskHashes       map[string]string
	taskFramework    map[string]string
	taskOutputs      map[string][]repopath.AnchoredSystemPath
	taskCacheStatus  map[string]runsummary.TaskCacheSummary
}

// NewTracker creates an empty Tracker for a single run.
func NewTracker(rootNode string, globalHash string, envAtExecutionStart env.EnvironmentVariableMap, pipeline fs.Pipeline) *Tracker {
	return &Tracker{
		rootNode:            rootNode,
		globalHash:          globalHash,
		EnvAtExecutionStart: envAtExecutionStart,
		pipeline:            pipeline,
		taskHashes:          make(map[string]string),
		taskFramework:       make(map[string]string),
		taskEnvVars:         make(map[string]env.DetailedMap),
		taskOutputs:         make(map[string][]repopath.AnchoredSystemPath),
		taskCacheStatus:     make(map[string]runsummary.TaskCacheSummary),
	}
}

// fileHashJob names a single package#task whose declared Inputs need
// hashing together into one file-inputs hash.
type fileHashJob struct {
	taskID         string
	taskDefinition *fs.TaskDefinition
	packageName    string
}

// CalculateFileHashes walks every non-root vertex in the task graph and
// hashes its package's declared Inputs (plus any DotEnv files), fanning the
// work out across workerCount goroutines. It must run to completion before
// CalculateTaskHash is called for any of these taskIDs.
func (th *Tracker) CalculateFileHashes(
	allTasks []dag.Vertex,
	workerCount int,
	workspaceInfos workspace.Catalog,
	taskDefinitions map[string]*fs.TaskDefinition,
	repoRoot repopath.AbsoluteSystemPath,
) error {
	jobs, err := th.planFileHashJobs(allTasks, taskDefinitions)
	if err != nil {
		return err
	}

	hashes := make(map[string]string, len(jobs))
	contents := make(map[string]map[repopath.AnchoredUnixPath]string, len(jobs))
	var mu sync.Mutex

	queue := make(chan fileHashJob, workerCount)
	group := &errgroup.Group{}
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for job := range queue {
				fileHashes, err := hashPackageInputs(repoRoot, workspaceInfos, job)
				if err != nil {
					return err
				}
				mu.Lock()
				hashes[job.taskID] = fileHashes.combined
				contents[job.taskID] = fileHashes.perFile
				mu.Unlock()
			}
			return nil
		})
	}
	for _, job := range jobs {
		queue <- job
	}
	close(queue)
	if err := group.Wait(); err != nil {
		return err
	}

	th.fileInputHashes = hashes
	th.fileInputContents = contents
	return nil
}

// planFileHashJobs filters the task graph's vertices down to the real
// package#task entries that need a file-inputs hash, skipping the
// synthetic root node.
func (th *Tracker) planFileHashJobs(allTasks []dag.Vertex, taskDefinitions map[string]*fs.TaskDefinition) ([]fileHashJob, error) {
	jobs := make([]fileHashJob, 0, len(allTasks))
	for _, v := range allTasks {
		taskID, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unknown task vertex %v", v)
		}
		if taskID == th.rootNode {
			continue
		}

		packageName, _ := util.GetPackageTaskFromId(taskID)
		if packageName == th.rootNode {
			continue
		}

		taskDefinition, ok := taskDefinitions[taskID]
		if !ok {
			return nil, fmt.Errorf("missing pipeline entry for %v", taskID)
		}

		jobs = append(jobs, fileHashJob{taskID: taskID, taskDefinition: taskDefinition, packageName: packageName})
	}
	return jobs, nil
}

type packageFileHashes struct {
	combined string
	perFile  map[repopath.AnchoredUnixPath]string
}

// hashPackageInputs hashes a single package#task's declared Inputs globs
// plus any DotEnv files (which are exact paths, not globs, so they're
// hashed separately) and folds them into one combined digest.
func hashPackageInputs(repoRoot repopath.AbsoluteSystemPath, workspaceInfos workspace.Catalog, job fileHashJob) (packageFileHashes, error) {
	pkg, ok := workspaceInfos.PackageJSONs[job.packageName]
	if !ok {
		return packageFileHashes{}, fmt.Errorf("cannot find package %v", job.packageName)
	}

	perFile, err := hashing.GetPackageFileHashes(repoRoot, pkg.Dir, job.taskDefinition.Inputs)
	if err != nil {
		return packageFileHashes{}, err
	}

	if len(job.taskDefinition.DotEnv) > 0 {
		packagePath := pkg.Dir.RestoreAnchor(repoRoot)
		dotEnvHashes, err := hashing.GetHashesForExistingFiles(packagePath, job.taskDefinition.DotEnv.ToSystemPathArray())
		if err != nil {
			return packageFileHashes{}, err
		}
		for path, digest := range dotEnvHashes {
			perFile[path] = digest
		}
	}

	combined, err := fs.HashFileHashes(perFile)
	if err != nil {
		return packageFileHashes{}, err
	}

	return packageFileHashes{combined: combined, perFile: perFile}, nil
}

// hashTaskHashable digests a fully-populated hash.TaskHashable, applying the
// env-mode-specific normalization spelled out in the hashable's own field
// comments: loose mode drops passthrough env entirely from the hash, strict
// mode treats a nil passthrough list the same as an explicit empty one.
func hashTaskHashable(hashable *hash.TaskHashable) (string, error) {
	switch hashable.EnvMode {
	case util.Loose:
		hashable.PassThroughEnv = nil
	case util.Strict:
		if hashable.PassThroughEnv == nil {
			hashable.PassThroughEnv = []string{}
		}
	case util.Infer:
		panic("task env mode must be resolved to strict or loose before hashing")
	default:
		panic("unknown task env mode")
	}
	return fs.HashTask(hashable)
}

// dependencyHashes returns the sorted, deduplicated list of task hashes for
// every non-root member of dependencySet, which must already have been
// hashed.
func (th *Tracker) dependencyHashes(dependencySet dag.Set) ([]string, error) {
	th.mu.RLock()
	defer th.mu.RUnlock()

	rootPrefix := th.rootNode + util.TaskDelimiter
	seen := make(util.Set)
	for _, dependency := range dependencySet {
		depTaskID, ok := dependency.(string)
		if !ok {
			return nil, fmt.Errorf("unknown dependency task: %v", dependency)
		}
		if depTaskID == th.rootNode || strings.HasPrefix(depTaskID, rootPrefix) {
			continue
		}
		depHash, ok := th.taskHashes[depTaskID]
		if !ok {
			return nil, fmt.Errorf("missing hash for dependency task: %v", depTaskID)
		}
		seen.Add(depHash)
	}

	hashes := seen.UnsafeListOfStrings()
	sort.Strings(hashes)
	return hashes, nil
}

// CalculateTaskHash computes and caches the hash for packageTask. It must be
// called in topological order relative to dependencySet, and file-inputs
// hashes must already be populated via CalculateFileHashes.
func (th *Tracker) CalculateTaskHash(logger hclog.Logger, packageTask *nodes.PackageTask, dependencySet dag.Set, inferFramework bool, passThroughArgs []string) (string, error) {
	fileHash, ok := th.fileInputHashes[packageTask.TaskID]
	if !ok {
		return "", fmt.Errorf("cannot find package-file hash for %v", packageTask.TaskID)
	}

	envVars, framework, err := th.resolveTaskEnvVars(logger, packageTask, inferFramework)
	if err != nil {
		return "", err
	}

	dependencyHashes, err := th.dependencyHashes(dependencySet)
	if err != nil {
		return "", err
	}

	hashablePairs := envVars.All.ToHashable()
	logger.Debug(fmt.Sprintf("task hash env vars for %s:%s", packageTask.PackageName, packageTask.Task), "vars", hashablePairs)

	taskHash, err := hashTaskHashable(&hash.TaskHashable{
		GlobalHash:           th.globalHash,
		TaskDependencyHashes: dependencyHashes,
		PackageDir:           packageTask.Pkg.Dir.ToUnixPath(),
		HashOfFiles:          fileHash,
		ExternalDepsHash:     packageTask.Pkg.ExternalDepsHash,
		Task:                 packageTask.Task,
		Outputs:              packageTask.HashableOutputs(),
		PassThruArgs:         passThroughArgs,
		Env:                  packageTask.TaskDefinition.Env,
		ResolvedEnvVars:      hashablePairs,
		PassThroughEnv:       packageTask.TaskDefinition.PassThroughEnv,
		EnvMode:              packageTask.EnvMode,
		DotEnv:               packageTask.TaskDefinition.DotEnv,
	})
	if err != nil {
		return "", fmt.Errorf("hashing task %v: %w", packageTask.TaskID, err)
	}

	th.mu.Lock()
	th.taskEnvVars[packageTask.TaskID] = envVars
	th.taskHashes[packageTask.TaskID] = taskHash
	if framework != "" {
		th.taskFramework[packageTask.TaskID] = framework
	}
	th.mu.Unlock()

	return taskHash, nil
}

// resolveTaskEnvVars determines which env vars feed into packageTask's hash.
// When inferFramework is set and a framework is detected for the package,
// the framework's own env var wildcards are folded in as "matching" vars
// alongside the task's explicitly "configured" ones (with the user's own
// exclusions always taking precedence); otherwise only the task's declared
// Env wildcards are resolved.
func (th *Tracker) resolveTaskEnvVars(logger hclog.Logger, packageTask *nodes.PackageTask, inferFramework bool) (env.DetailedMap, string, error) {
	if inferFramework {
		if detected := inference.InferFramework(packageTask.Pkg); detected != nil {
			detailed, err := th.resolveFrameworkEnvVars(logger, packageTask, detected)
			if err != nil {
				return env.DetailedMap{}, "", err
			}
			return detailed, detected.Slug, nil
		}
	}

	explicit, err := th.EnvAtExecutionStart.FromWildcards(packageTask.TaskDefinition.Env)
	if err != nil {
		return env.DetailedMap{}, "", err
	}

	all := env.EnvironmentVariableMap{}
	all.Union(explicit)

	return env.DetailedMap{
		All: all,
		BySource: env.BySource{
			Explicit: explicit,
			Matching: env.EnvironmentVariableMap{},
		},
	}, "", nil
}

// resolveFrameworkEnvVars folds a detected framework's env var wildcards
// into the task's explicitly declared ones, applying a CI-vendor exclusion
// prefix (if configured) only against the framework-inferred matches.
func (th *Tracker) resolveFrameworkEnvVars(logger hclog.Logger, packageTask *nodes.PackageTask, framework *inference.Framework) (env.DetailedMap, error) {
	logger.Debug(fmt.Sprintf("auto detected framework for %s", packageTask.PackageName), "framework", framework.Slug, "env_prefix", framework.EnvWildcards)

	wildcards := append([]string{}, framework.EnvWildcards...)
	if vendorPrefix := th.EnvAtExecutionStart["RELAY_CI_VENDOR_ENV_KEY"]; vendorPrefix != "" {
		exclusion := "!" + vendorPrefix + "*"
		logger.Debug(fmt.Sprintf("excluding environment variables matching wildcard %s", exclusion))
		wildcards = append(wildcards, exclusion)
	}

	inferred, err := th.EnvAtExecutionStart.FromWildcards(wildcards)
	if err != nil {
		return env.DetailedMap{}, err
	}

	declared, err := th.EnvAtExecutionStart.FromWildcardsUnresolved(packageTask.TaskDefinition.Env)
	if err != nil {
		return env.DetailedMap{}, err
	}

	all := env.EnvironmentVariableMap{}
	all.Union(declared.Inclusions)
	all.Union(inferred)
	all.Difference(declared.Exclusions)

	explicit := env.EnvironmentVariableMap{}
	explicit.Union(declared.Inclusions)
	explicit.Difference(declared.Exclusions)

	matching := env.EnvironmentVariableMap{}
	matching.Union(inferred)
	matching.Difference(declared.Exclusions)

	return env.DetailedMap{
		All: all,
		BySource: env.BySource{
			Explicit: explicit,
			Matching: matching,
		},
	}, nil
}

// GetExpandedInputs returns a copy of the per-file hashes that went into
// packageTask's file-inputs hash.
func (th *Tracker) GetExpandedInputs(packageTask *nodes.PackageTask) map[repopath.AnchoredUnixPath]string {
	source := th.fileInputContents[packageTask.TaskID]
	result := make(map[repopath.AnchoredUnixPath]string, len(source))
	for path, digest := range source {
		result[path] = digest
	}
	return result
}

// GetEnvVars returns the env vars that were folded into taskID's hash.
func (th *Tracker) GetEnvVars(taskID string) env.DetailedMap {
	th.mu.RLock()
	defer th.mu.RUnlock()
	return th.taskEnvVars[taskID]
}

// GetFramework returns the framework slug inferred for taskID, or "" if none.
func (th *Tracker) GetFramework(taskID string) string {
	th.mu.RLock()
	defer th.mu.RUnlock()
	return th.taskFramework[taskID]
}

// GetExpandedOutputs returns the expanded output paths previously recorded
// for taskID via SetExpandedOutputs.
func (th *Tracker) GetExpandedOutputs(taskID string) []repopath.AnchoredSystemPath {
	th.mu.RLock()
	defer th.mu.RUnlock()
	if outputs, ok := th.taskOutputs[taskID]; ok {
		return outputs
	}
	return []repopath.AnchoredSystemPath{}
}

// SetExpandedOutputs records the expanded output paths for taskID so later
// callers (e.g. run summary formatting) can read them back.
func (th *Tracker) SetExpandedOutputs(taskID string, outputs []repopath.AnchoredSystemPath) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.taskOutputs[taskID] = outputs
}

// SetCacheStatus records the cache outcome for taskID.
func (th *Tracker) SetCacheStatus(taskID string, cacheSummary runsummary.TaskCacheSummary) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.taskCacheStatus[taskID] = cacheSummary
}

// GetCacheStatus returns the cache outcome previously recorded for taskID,
// or a zero-value TaskCacheSummary if none was recorded.
func (th *Tracker) GetCacheStatus(taskID string) runsummary.TaskCacheSummary {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.taskCacheStatus[taskID]
}
