package cache

import "github.com/relaydag/relay/internal/repopath"

type noopCache struct{}

func newNoopCache() *noopCache {
	return &noopCache{}
}

func (c *noopCache) Put(_ repopath.AbsoluteSystemPath, _ string, _ int, _ []repopath.AnchoredSystemPath) error {
	return nil
}
func (c *noopCache) Fetch(_ repopath.AbsoluteSystemPath, _ string, _ []string) (ItemStatus, []repopath.AnchoredSystemPath, error) {
	return NewCacheMiss(), nil, nil
}

func (c *noopCache) Exists(_ string) ItemStatus {
	return NewCacheMiss()
}

func (c *noopCache) Clean(_ repopath.AbsoluteSystemPath) {}
func (c *noopCache) CleanAll()                            {}
func (c *noopCache) Shutdown()                            {}
