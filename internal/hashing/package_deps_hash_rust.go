//go:build rust
// +build rust

package hashing

import (
	"github.com/relaydag/relay/internal/ffi"
	"github.com/relaydag/relay/internal/repopath"
)

func GetPackageFileHashes(rootPath repopath.AbsoluteSystemPath, packagePath repopath.AnchoredSystemPath, inputs []string) (map[repopath.AnchoredUnixPath]string, error) {
	rawHashes, err := ffi.GetPackageFileHashes(rootPath.ToString(), packagePath.ToString(), inputs)
	if err != nil {
		return nil, err
	}

	hashes := make(map[repopath.AnchoredUnixPath]string, len(rawHashes))
	for rawPath, hash := range rawHashes {
		hashes[repopath.AnchoredUnixPathFromUpstream(rawPath)] = hash
	}
	return hashes, nil
}

func GetHashesForFiles(rootPath repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath) (map[repopath.AnchoredUnixPath]string, error) {
	rawFiles := make([]string, len(files))
	for i, file := range files {
		rawFiles[i] = file.ToString()
	}
	rawHashes, err := ffi.GetHashesForFiles(rootPath.ToString(), rawFiles, false)
	if err != nil {
		return nil, err
	}

	hashes := make(map[repopath.AnchoredUnixPath]string, len(rawHashes))
	for rawPath, hash := range rawHashes {
		hashes[repopath.AnchoredUnixPathFromUpstream(rawPath)] = hash
	}
	return hashes, nil
}

func GetHashesForExistingFiles(rootPath repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath) (map[repopath.AnchoredUnixPath]string, error) {
	rawFiles := make([]string, len(files))
	for i, file := range files {
		rawFiles[i] = file.ToString()
	}
	rawHashes, err := ffi.GetHashesForFiles(rootPath.ToString(), rawFiles, true)
	if err != nil {
		return nil, err
	}

	hashes := make(map[repopath.AnchoredUnixPath]string, len(rawHashes))
	for rawPath, hash := range rawHashes {
		hashes[repopath.AnchoredUnixPathFromUpstream(rawPath)] = hash
	}
	return hashes, nil
}
