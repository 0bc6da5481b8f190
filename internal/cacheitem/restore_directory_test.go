package cacheitem

import (
	"reflect"
	"testing"

	"github.com/relaydag/relay/internal/repopath"
)

func Test_cachedDirTree_getStartingPoint(t *testing.T) {
	testDir := repopath.AbsoluteSystemPath("")
	tests := []struct {
		name string

		// STATE
		cachedDirTree cachedDirTree

		// INPUT
		path repopath.AnchoredSystemPath

		// OUTPUT
		calculatedAnchor repopath.AbsoluteSystemPath
		pathSegments     []repopath.RelativeSystemPath
	}{
		{
			name: "hello world",
			cachedDirTree: cachedDirTree{
				anchorAtDepth: []repopath.AbsoluteSystemPath{testDir},
				prefix:        []repopath.RelativeSystemPath{},
			},
			path:             repopath.AnchoredUnixPath("hello/world").ToSystemPath(),
			calculatedAnchor: testDir,
			pathSegments:     []repopath.RelativeSystemPath{"hello", "world"},
		},
		{
			name: "has a cache",
			cachedDirTree: cachedDirTree{
				anchorAtDepth: []repopath.AbsoluteSystemPath{
					testDir,
					testDir.UntypedJoin("hello"),
				},
				prefix: []repopath.RelativeSystemPath{"hello"},
			},
			path:             repopath.AnchoredUnixPath("hello/world").ToSystemPath(),
			calculatedAnchor: testDir.UntypedJoin("hello"),
			pathSegments:     []repopath.RelativeSystemPath{"world"},
		},
		{
			name: "ask for yourself",
			cachedDirTree: cachedDirTree{
				anchorAtDepth: []repopath.AbsoluteSystemPath{
					testDir,
					testDir.UntypedJoin("hello"),
					testDir.UntypedJoin("hello", "world"),
				},
				prefix: []repopath.RelativeSystemPath{"hello", "world"},
			},
			path:             repopath.AnchoredUnixPath("hello/world").ToSystemPath(),
			calculatedAnchor: testDir.UntypedJoin("hello", "world"),
			pathSegments:     []repopath.RelativeSystemPath{},
		},
		{
			name: "three layer cake",
			cachedDirTree: cachedDirTree{
				anchorAtDepth: []repopath.AbsoluteSystemPath{
					testDir,
					testDir.UntypedJoin("hello"),
					testDir.UntypedJoin("hello", "world"),
				},
				prefix: []repopath.RelativeSystemPath{"hello", "world"},
			},
			path:             repopath.AnchoredUnixPath("hello/world/again").ToSystemPath(),
			calculatedAnchor: testDir.UntypedJoin("hello", "world"),
			pathSegments:     []repopath.RelativeSystemPath{"again"},
		},
		{
			name: "outside of cache hierarchy",
			cachedDirTree: cachedDirTree{
				anchorAtDepth: []repopath.AbsoluteSystemPath{
					testDir,
					testDir.UntypedJoin("hello"),
					testDir.UntypedJoin("hello", "world"),
				},
				prefix: []repopath.RelativeSystemPath{"hello", "world"},
			},
			path:             repopath.AnchoredUnixPath("somewhere/else").ToSystemPath(),
			calculatedAnchor: testDir,
			pathSegments:     []repopath.RelativeSystemPath{"somewhere", "else"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := tt.cachedDirTree
			calculatedAnchor, pathSegments := cr.getStartingPoint(tt.path)
			if !reflect.DeepEqual(calculatedAnchor, tt.calculatedAnchor) {
				t.Errorf("cachedDirTree.getStartingPoint() calculatedAnchor = %v, want %v", calculatedAnchor, tt.calculatedAnchor)
			}
			if !reflect.DeepEqual(pathSegments, tt.pathSegments) {
				t.Errorf("cachedDirTree.getStartingPoint() pathSegments = %v, want %v", pathSegments, tt.pathSegments)
			}
		})
	}
}
