package fs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/relaydag/relay/internal/repopath"
	"github.com/relaydag/relay/internal/util"
)

// TaskOutputs represents the patterns for including and excluding files from a task's cache outputs.
type TaskOutputs struct {
	Inclusions []string
	Exclusions []string
}

// TaskDefinition is the convenience-level struct used by the engine and task
// hasher once all applicable relay.json layers have been merged together.
type TaskDefinition struct {
	Outputs                 TaskOutputs
	ShouldCache              bool
	EnvMode                  util.EnvMode
	TopologicalDependencies  []string
	TaskDependencies         []string
	Inputs                   []string
	OutputMode               util.TaskOutputMode
	Persistent               bool
	Env                      []string
	PassThroughEnv           []string
	DotEnv                   repopath.AnchoredUnixPathArray
}

// taskDefinitionHashable is the JSON-facing shape of a task definition, as it
// appears nested under the "pipeline" key of relay.json.
type taskDefinitionHashable struct {
	Outputs        []string `json:"outputs,omitempty"`
	Cache          *bool    `json:"cache,omitempty"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	Inputs         []string `json:"inputs,omitempty"`
	OutputMode     string   `json:"outputMode,omitempty"`
	Persistent     bool     `json:"persistent,omitempty"`
	Env            []string `json:"env,omitempty"`
	PassThroughEnv []string `json:"passThroughEnv,omitempty"`
	DotEnv         []string `json:"dotEnv,omitempty"`
}

// BookkeepingTaskDefinition wraps a TaskDefinition together with the set of
// keys that were explicitly present in the relay.json source it was parsed
// from. The bookkeeping is what lets MergeTaskDefinitions distinguish "the
// workspace didn't mention outputs" from "the workspace explicitly cleared
// outputs to an empty list" when layering a workspace's task definition on
// top of the root one.
type BookkeepingTaskDefinition struct {
	TaskDefinition

	definedFields map[string]struct{}
}

func (btd *BookkeepingTaskDefinition) hasField(name string) bool {
	_, ok := btd.definedFields[name]
	return ok
}

// GetTaskDefinition returns the plain TaskDefinition this bookkeeping wraps.
func (btd BookkeepingTaskDefinition) GetTaskDefinition() TaskDefinition {
	return btd.TaskDefinition
}

// UnmarshalJSON hydrates a BookkeepingTaskDefinition from a single pipeline
// entry, splitting "dependsOn" into topological (^-prefixed) and intra-package
// dependencies, and recording which keys were present in the source so that
// later merging can tell "absent" from "explicitly empty".
func (btd *BookkeepingTaskDefinition) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var hashable taskDefinitionHashable
	if err := json.Unmarshal(data, &hashable); err != nil {
		return err
	}

	btd.definedFields = make(map[string]struct{}, len(raw))
	for key := range raw {
		btd.definedFields[key] = struct{}{}
	}

	const topologicalPrefix = "^"
	topoDeps := []string{}
	taskDeps := []string{}
	for _, dependency := range hashable.DependsOn {
		if strings.HasPrefix(dependency, topologicalPrefix) {
			topoDeps = append(topoDeps, strings.TrimPrefix(dependency, topologicalPrefix))
		} else {
			taskDeps = append(taskDeps, dependency)
		}
	}

	shouldCache := true
	if hashable.Cache != nil {
		shouldCache = *hashable.Cache
	}

	outputMode := util.FullTaskOutput
	if hashable.OutputMode != "" && util.IsValidTaskOutputMode(hashable.OutputMode) {
		outputMode = util.TaskOutputMode(hashable.OutputMode)
	}

	dotEnv := make(repopath.AnchoredUnixPathArray, len(hashable.DotEnv))
	for i, entry := range hashable.DotEnv {
		dotEnv[i] = repopath.AnchoredUnixPath(entry)
	}

	btd.TaskDefinition = TaskDefinition{
		Outputs: TaskOutputs{
			Inclusions: hashable.Outputs,
		},
		ShouldCache:             shouldCache,
		EnvMode:                 util.Infer,
		TopologicalDependencies: topoDeps,
		TaskDependencies:        taskDeps,
		Inputs:                  hashable.Inputs,
		OutputMode:              outputMode,
		Persistent:              hashable.Persistent,
		Env:                     hashable.Env,
		PassThroughEnv:          hashable.PassThroughEnv,
		DotEnv:                  dotEnv,
	}

	return nil
}

// Pipeline maps a task ID or bare task name to its BookkeepingTaskDefinition,
// as loaded from the "pipeline" key of a relay.json.
type Pipeline map[string]BookkeepingTaskDefinition

// GetTask looks up a task definition first by its fully-qualified taskID
// (package#task), falling back to the bare task name for definitions that
// apply repo-wide.
func (p Pipeline) GetTask(taskID string, taskName string) (*BookkeepingTaskDefinition, error) {
	if task, ok := p[taskID]; ok {
		return &task, nil
	}
	if task, ok := p[taskName]; ok {
		return &task, nil
	}
	return nil, fmt.Errorf("no task definition found for %v", taskID)
}

// RelayJSON is the unmarshaled contents of a relay.json file.
type RelayJSON struct {
	Pipeline Pipeline `json:"pipeline"`
	Extends  []string `json:"extends,omitempty"`
}

// RelayConfigJSON is kept as an alias for RelayJSON for call sites that predate
// the relay.json rename.
type RelayConfigJSON = RelayJSON

// RelayJSONValidation is a function that inspects a RelayJSON and returns any
// validation errors it finds.
type RelayJSONValidation = func(*RelayJSON) []error

// Validate runs each of the given validations against this RelayJSON and
// returns the accumulated errors.
func (tj *RelayJSON) Validate(validations []RelayJSONValidation) []error {
	var errors []error
	for _, validate := range validations {
		errors = append(errors, validate(tj)...)
	}
	return errors
}

// LoadRelayConfig reads the relay.json for a given workspace. If the workspace
// has no relay.json of its own, it falls back to a legacy "relay" key in its
// package.json. For single-package repos the order is reversed: the legacy
// "relay" key in package.json is used when present, and relay.json otherwise.
func LoadRelayConfig(dir repopath.AbsoluteSystemPath, pkgJSON *PackageJSON, isSinglePackage bool) (*RelayJSON, error) {
	if isSinglePackage {
		if pkgJSON.LegacyRelayConfig != nil {
			return pkgJSON.LegacyRelayConfig, nil
		}
		return readRelayJSONFile(dir)
	}

	relayJSON, err := readRelayJSONFile(dir)
	if err == nil {
		return relayJSON, nil
	}
	if pkgJSON.LegacyRelayConfig != nil {
		return pkgJSON.LegacyRelayConfig, nil
	}
	return nil, err
}

func readRelayJSONFile(dir repopath.AbsoluteSystemPath) (*RelayJSON, error) {
	path := dir.UntypedJoin("relay.json")
	if !path.FileExists() {
		return nil, fmt.Errorf("could not find relay.json in %v", dir)
	}
	return ReadRelayConfigJSON(path)
}

// ReadRelayConfigJSON reads and unmarshals a relay.json file from an absolute path.
func ReadRelayConfigJSON(path repopath.AbsoluteSystemPath) (*RelayJSON, error) {
	contents, err := path.ReadFile()
	if err != nil {
		return nil, err
	}
	relayJSON := &RelayJSON{}
	if err := json.Unmarshal(contents, relayJSON); err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return relayJSON, nil
}

// MergeTaskDefinitions layers a sequence of task definitions on top of one
// another, in order (root-level definitions first, workspace-level
// overrides last). A field that a later definition explicitly set replaces
// the earlier value; an unset field leaves the earlier value untouched.
func MergeTaskDefinitions(taskDefinitions []BookkeepingTaskDefinition) (*TaskDefinition, error) {
	if len(taskDefinitions) == 0 {
		return nil, fmt.Errorf("no task definitions provided")
	}

	merged := taskDefinitions[0].TaskDefinition
	for _, btd := range taskDefinitions[1:] {
		if btd.hasField("outputs") {
			merged.Outputs = btd.Outputs
		}
		if btd.hasField("cache") {
			merged.ShouldCache = btd.ShouldCache
		}
		if btd.hasField("dependsOn") {
			merged.TopologicalDependencies = btd.TopologicalDependencies
			merged.TaskDependencies = btd.TaskDependencies
		}
		if btd.hasField("inputs") {
			merged.Inputs = btd.Inputs
		}
		if btd.hasField("outputMode") {
			merged.OutputMode = btd.OutputMode
		}
		if btd.hasField("persistent") {
			merged.Persistent = btd.Persistent
		}
		if btd.hasField("env") {
			merged.Env = btd.Env
		}
		if btd.hasField("passThroughEnv") {
			merged.PassThroughEnv = btd.PassThroughEnv
		}
		if btd.hasField("dotEnv") {
			merged.DotEnv = btd.DotEnv
		}
	}

	merged.Outputs.Sort()
	return &merged, nil
}

// Sort orders a TaskOutputs' inclusion and exclusion globs for deterministic hashing.
func (to *TaskOutputs) Sort() {
	sort.Strings(to.Inclusions)
	sort.Strings(to.Exclusions)
}
