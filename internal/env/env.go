// Package env resolves which environment variables feed into a task's hash:
// variables declared explicitly, variables matched by wildcard patterns, and
// variables a detected framework is known to read.
package env

import (
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// EnvironmentVariableMap maps env var names to their values.
type EnvironmentVariableMap map[string]string

// BySource splits a set of resolved env vars by how they were matched:
// named explicitly, or only caught by a wildcard/framework prefix.
type BySource struct {
	Explicit EnvironmentVariableMap
	Matching EnvironmentVariableMap
}

// DetailedMap pairs the flattened view of a set of env vars (All, used as a
// task hash input) with the breakdown by source (BySource, used for run
// summaries).
type DetailedMap struct {
	All      EnvironmentVariableMap
	BySource BySource
}

// EnvironmentVariablePairs is a deterministically ordered list of "k=v"
// strings, suitable for feeding straight into a hash.
type EnvironmentVariablePairs []string

// WildcardMaps separates the variables a set of wildcard patterns matched
// into what they included and what a leading "!" told them to exclude.
type WildcardMaps struct {
	Inclusions EnvironmentVariableMap
	Exclusions EnvironmentVariableMap
}

// Resolve flattens a WildcardMaps into the net set of variables: every
// inclusion, minus anything an exclusion pattern knocked back out.
func (wm WildcardMaps) Resolve() EnvironmentVariableMap {
	resolved := EnvironmentVariableMap{}
	resolved.Union(wm.Inclusions)
	resolved.Difference(wm.Exclusions)
	return resolved
}

// GetEnvMap snapshots the current process environment as a map.
func GetEnvMap() EnvironmentVariableMap {
	envMap := make(EnvironmentVariableMap)
	for _, entry := range os.Environ() {
		if name, value, ok := strings.Cut(entry, "="); ok {
			envMap[name] = value
		}
	}
	return envMap
}

// Union merges another map into the receiver, overwriting on key conflict.
func (evm EnvironmentVariableMap) Union(other EnvironmentVariableMap) {
	for k, v := range other {
		evm[k] = v
	}
}

// Difference removes every key present in other from the receiver.
func (evm EnvironmentVariableMap) Difference(other EnvironmentVariableMap) {
	for k := range other {
		delete(evm, k)
	}
}

// Add sets a single key/value pair.
func (evm EnvironmentVariableMap) Add(key string, value string) {
	evm[key] = value
}

// Names returns the map's keys, sorted.
func (evm EnvironmentVariableMap) Names() []string {
	names := make([]string, 0, len(evm))
	for k := range evm {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// sortedPairs renders evm as "k=v" strings using render for each entry, and
// sorts the result so callers get a stable hash input regardless of map
// iteration order.
func (evm EnvironmentVariableMap) sortedPairs(render func(k, v string) string) EnvironmentVariablePairs {
	if evm == nil {
		return nil
	}

	pairs := make(EnvironmentVariablePairs, 0, len(evm))
	for k, v := range evm {
		pairs = append(pairs, render(k, v))
	}
	sort.Strings(pairs)
	return pairs
}

// ToSecretHashable renders evm as sorted "k=v" pairs with values hashed
// rather than included in the clear, for display contexts (run summaries)
// that shouldn't leak secret values but still want to show what changed.
func (evm EnvironmentVariableMap) ToSecretHashable() EnvironmentVariablePairs {
	return evm.sortedPairs(func(k, v string) string {
		if v == "" {
			return fmt.Sprintf("%v=%s", k, "")
		}
		digest := sha256.Sum256([]byte(v))
		return fmt.Sprintf("%v=%x", k, digest)
	})
}

// ToHashable renders evm as sorted "k=v" pairs with values in the clear,
// for use as an actual task hash input.
func (evm EnvironmentVariableMap) ToHashable() EnvironmentVariablePairs {
	return evm.sortedPairs(func(k, v string) string {
		return fmt.Sprintf("%v=%v", k, v)
	})
}

const (
	wildcardRune    = '*'
	wildcardEscape  = '\\'
	wildcardSegment = ".*"
)

// compileWildcardPattern turns one glob-style pattern (where "*" matches
// anything and "\*" is a literal asterisk) into the equivalent regexp
// source, anchoring nothing itself — callers wrap the result in ^(...)$.
func compileWildcardPattern(pattern string) string {
	var segments []string
	segmentStart := 0
	var previous rune

	for i, r := range pattern {
		if r != wildcardRune {
			previous = r
			continue
		}

		if previous == wildcardEscape {
			// The "*" was escaped: drop the backslash and treat it literally.
			segments = append(segments, regexp.QuoteMeta(pattern[segmentStart:i-1]+"*"))
		} else {
			segments = append(segments, regexp.QuoteMeta(pattern[segmentStart:i]))
			if len(segments) == 0 || segments[len(segments)-1] != wildcardSegment {
				segments = append(segments, wildcardSegment)
			}
		}
		segmentStart = i + 1
		previous = r
	}

	segments = append(segments, regexp.QuoteMeta(pattern[segmentStart:]))
	return strings.Join(segments, "")
}

// matchWildcards partitions evm's keys against a list of patterns, where a
// pattern prefixed with "!" names an exclusion and "\!" escapes a literal
// leading exclamation point.
func (evm EnvironmentVariableMap) matchWildcards(patterns []string) (WildcardMaps, error) {
	result := WildcardMaps{
		Inclusions: EnvironmentVariableMap{},
		Exclusions: EnvironmentVariableMap{},
	}

	var includes, excludes []string
	for _, pattern := range patterns {
		switch {
		case strings.HasPrefix(pattern, "!"):
			excludes = append(excludes, compileWildcardPattern(pattern[1:]))
		case strings.HasPrefix(pattern, `\!`):
			includes = append(includes, compileWildcardPattern(pattern[1:]))
		default:
			includes = append(includes, compileWildcardPattern(pattern))
		}
	}

	includeRegexp, err := regexp.Compile("^(" + strings.Join(includes, "|") + ")$")
	if err != nil {
		return result, err
	}
	excludeRegexp, err := regexp.Compile("^(" + strings.Join(excludes, "|") + ")$")
	if err != nil {
		return result, err
	}

	for name, value := range evm {
		if len(includes) > 0 && includeRegexp.MatchString(name) {
			result.Inclusions[name] = value
		}
		if len(excludes) > 0 && excludeRegexp.MatchString(name) {
			result.Exclusions[name] = value
		}
	}

	return result, nil
}

// FromWildcards returns the subset of evm whose keys match patterns, net of
// any "!"-prefixed exclusions.
func (evm EnvironmentVariableMap) FromWildcards(patterns []string) (EnvironmentVariableMap, error) {
	if patterns == nil {
		return nil, nil
	}

	matched, err := evm.matchWildcards(patterns)
	if err != nil {
		return nil, err
	}
	return matched.Resolve(), nil
}

// FromWildcardsUnresolved is FromWildcards without collapsing inclusions and
// exclusions together, so a caller can give user-specified exclusions
// priority over vars an inferred inclusion pattern would otherwise pull in.
func (evm EnvironmentVariableMap) FromWildcardsUnresolved(patterns []string) (WildcardMaps, error) {
	if patterns == nil {
		return WildcardMaps{}, nil
	}
	return evm.matchWildcards(patterns)
}

// GetHashableEnvVars resolves a list of passThroughEnv-style wildcard
// patterns against the current process environment (or, if provided,
// against envAtExecutionStart instead of re-reading os.Environ) and
// optionally widens the match with a framework-inferred env var prefix. The
// returned DetailedMap separates vars matched explicitly from vars matched
// only by the framework prefix, the same split used for a task's own
// declared env vars.
func GetHashableEnvVars(wildcardPatterns []string, envAtExecutionStart EnvironmentVariableMap, frameworkDefaultEnvVarPrefix string) (DetailedMap, error) {
	source := envAtExecutionStart
	if source == nil {
		source = GetEnvMap()
	}

	explicit, err := source.FromWildcards(wildcardPatterns)
	if err != nil {
		return DetailedMap{}, err
	}
	if explicit == nil {
		explicit = EnvironmentVariableMap{}
	}

	matching := EnvironmentVariableMap{}
	if frameworkDefaultEnvVarPrefix != "" {
		matching, err = source.FromWildcards([]string{frameworkDefaultEnvVarPrefix + "*"})
		if err != nil {
			return DetailedMap{}, err
		}
		if matching == nil {
			matching = EnvironmentVariableMap{}
		}
	}

	all := EnvironmentVariableMap{}
	all.Union(explicit)
	all.Union(matching)

	return DetailedMap{
		All: all,
		BySource: BySource{
			Explicit: explicit,
			Matching: matching,
		},
	}, nil
}

// ciVendorEnvKeyVar names the env var a CI provider can set to mask its own
// auto-injected vendor variables (Vercel's NEXT_PUBLIC_VERCEL_* on every
// deploy, for instance) out of the framework-prefix match below, so they
// don't bust every task's cache on every deploy. A var requested explicitly
// via envKeys is never masked.
const ciVendorEnvKeyVar = "RELAY_CI_VENDOR_ENV_KEY"

// GetHashableEnvPairs returns sorted "k=v" pairs for envKeys plus every
// currently-set variable whose name starts with one of envPrefixes,
// honoring ciVendorEnvKeyVar's masking.
func GetHashableEnvPairs(envKeys []string, envPrefixes []string) []string {
	current := GetEnvMap()
	vendorMask := current[ciVendorEnvKeyVar]

	selected := EnvironmentVariableMap{}
	for _, key := range envKeys {
		selected[key] = current[key]
	}

	for name, value := range current {
		if _, explicit := selected[name]; explicit {
			continue
		}
		if !hasAnyPrefix(name, envPrefixes) {
			continue
		}
		if vendorMask != "" && strings.Contains(name, vendorMask) {
			continue
		}
		selected[name] = value
	}

	return []string(selected.ToHashable())
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
