package repopath

import "path/filepath"

// AbsoluteSystemPath is a root-relative path using system separators.
type AbsoluteSystemPath string

// For interface reasons, we need a way to distinguish between
// Absolute/Anchored/Relative/System/Unix/File paths so we stamp them.
func (AbsoluteSystemPath) absolutePathStamp() {}
func (AbsoluteSystemPath) systemPathStamp()   {}
func (AbsoluteSystemPath) filePathStamp()     {}

// ToString returns a string represenation of this Path.
// Used for interfacing with APIs that require a string.
func (p AbsoluteSystemPath) ToString() string {
	return string(p)
}

// RelativeTo calculates the relative path between two `AbsoluteSystemPath`s.
func (p AbsoluteSystemPath) RelativeTo(basePath AbsoluteSystemPath) (AnchoredSystemPath, error) {
	processed, err := filepath.Rel(basePath.ToString(), p.ToString())
	return AnchoredSystemPath(processed), err
}

// Join appends relative path segments to this AbsoluteSystemPath.
func (p AbsoluteSystemPath) Join(additional ...RelativeSystemPath) AbsoluteSystemPath {
	cast := RelativeSystemPathArray(additional)
	return AbsoluteSystemPath(filepath.Join(p.ToString(), filepath.Join(cast.ToStringArray()...)))
}

// UntypedJoin appends plain, unvalidated path segments to this AbsoluteSystemPath.
// Used where the caller has ordinary strings on hand instead of a RelativeSystemPath.
func (p AbsoluteSystemPath) UntypedJoin(additional ...string) AbsoluteSystemPath {
	return AbsoluteSystemPath(filepath.Join(append([]string{p.ToString()}, additional...)...))
}

// Dir returns the parent directory of this AbsoluteSystemPath.
func (p AbsoluteSystemPath) Dir() AbsoluteSystemPath {
	return AbsoluteSystemPath(filepath.Dir(p.ToString()))
}
