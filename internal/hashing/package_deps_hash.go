// Package hashing computes content hashes for the files that feed into a
// task's cache key, preferring git-backed hashing where available and
// falling back to hashing file contents by hand.
package hashing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/relaydag/relay/internal/encoding/gitoutput"
	"github.com/relaydag/relay/internal/fs"
	"github.com/relaydag/relay/internal/repopath"
	"github.com/relaydag/relay/internal/util"
)

// PackageDepsOptions parameterizes a request for a package's file hashes.
type PackageDepsOptions struct {
	PackagePath   repopath.AnchoredSystemPath
	InputPatterns []string
}

// GetPackageFileHashes hashes the files under packagePath that match inputs
// (or, when inputs is empty, every file git considers part of the package),
// keyed by their path relative to packagePath. It prefers the git index,
// since that avoids reading file contents directly, and falls back to
// walking .gitignore rules by hand if git can't answer (e.g. outside a
// repository, or a shallow clone missing the relevant tree).
func GetPackageFileHashes(rootPath repopath.AbsoluteSystemPath, packagePath repopath.AnchoredSystemPath, inputs []string) (map[repopath.AnchoredUnixPath]string, error) {
	var primary func() (map[repopath.AnchoredUnixPath]string, error)
	if len(inputs) == 0 {
		primary = func() (map[repopath.AnchoredUnixPath]string, error) {
			return getPackageFileHashesFromGitIndex(rootPath, packagePath)
		}
	} else {
		primary = func() (map[repopath.AnchoredUnixPath]string, error) {
			return getPackageFileHashesFromInputs(rootPath, packagePath, inputs)
		}
	}

	if result, err := primary(); err == nil {
		return result, nil
	}
	return getPackageFileHashesFromProcessingGitIgnore(rootPath, packagePath, inputs)
}

// GetHashesForFiles hashes an explicit list of files, trying `git
// hash-object` first and falling back to hashing file contents directly if
// git isn't available or the files aren't tracked.
func GetHashesForFiles(rootPath repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath) (map[repopath.AnchoredUnixPath]string, error) {
	if hashes, err := gitHashObject(rootPath, files); err == nil {
		return hashes, nil
	}
	return manuallyHashFiles(rootPath, files, false)
}

// GetHashesForExistingFiles is like GetHashesForFiles but silently skips any
// file that doesn't exist on disk, for optional inputs like dotenv files
// that a task may or may not actually have.
func GetHashesForExistingFiles(rootPath repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath) (map[repopath.AnchoredUnixPath]string, error) {
	return manuallyHashFiles(rootPath, files, true)
}

// gitHashObject shells out to `git hash-object --stdin-paths`, streaming the
// candidate paths in over stdin and reading one SHA back per line of
// stdout. Paths are written Unix-style (git always expects that, even on
// Windows) and are resolved relative to anchor before being sent, since
// `git hash-object` interprets relative paths against its own working
// directory rather than against repopath's notion of "anchored".
func gitHashObject(anchor repopath.AbsoluteSystemPath, filesToHash []repopath.AnchoredSystemPath) (map[repopath.AnchoredUnixPath]string, error) {
	if len(filesToHash) == 0 {
		return map[repopath.AnchoredUnixPath]string{}, nil
	}

	cmd := exec.Command("git", "hash-object", "--stdin-paths")
	cmd.Dir = anchor.ToString()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	go feedPathsToGitHashObject(stdin, anchor, filesToHash)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("reading `git hash-object`: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting `git hash-object`: %w", err)
	}

	hashes, err := scanGitHashObjectOutput(stdout, len(filesToHash))
	if err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("waiting on `git hash-object`: %w", err)
	}

	output := make(map[repopath.AnchoredUnixPath]string, len(filesToHash))
	for i, file := range filesToHash {
		output[file.ToUnixPath()] = hashes[i]
	}
	return output, nil
}

// feedPathsToGitHashObject writes one escaped, quoted path per line to
// git's stdin, resolving each path to absolute form first.
func feedPathsToGitHashObject(stdin io.WriteCloser, anchor repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath) {
	defer util.CloseAndIgnoreError(stdin)
	for _, file := range files {
		slashed := filepath.ToSlash(file.RestoreAnchor(anchor).ToString())
		escaped := strings.ReplaceAll(strings.ReplaceAll(slashed, "\n", "\\n"), "\"", "\\\"")
		if _, err := io.WriteString(stdin, fmt.Sprintf("\"%s\"\n", escaped)); err != nil {
			return
		}
	}
}

// scanGitHashObjectOutput reads exactly wantCount newline-separated SHAs
// from r, validating each as a well-formed git object name.
func scanGitHashObjectOutput(r io.Reader, wantCount int) ([]string, error) {
	hashes := make([]string, 0, wantCount)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := gitoutput.CheckObjectName(line); err != nil {
			return nil, fmt.Errorf("reading `git hash-object`: invalid hash received")
		}
		hashes = append(hashes, string(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading `git hash-object`: %w", err)
	}
	if len(hashes) != wantCount {
		return nil, fmt.Errorf("reading `git hash-object`: got %d hashes for %d files", len(hashes), wantCount)
	}
	return hashes, nil
}

// manuallyHashFiles hashes each file's content directly, without shelling
// out to git. When allowMissing is set, a file that no longer exists is
// skipped rather than treated as an error.
func manuallyHashFiles(rootPath repopath.AbsoluteSystemPath, files []repopath.AnchoredSystemPath, allowMissing bool) (map[repopath.AnchoredUnixPath]string, error) {
	hashes := make(map[repopath.AnchoredUnixPath]string, len(files))
	for _, file := range files {
		digest, err := fs.GitLikeHashFile(file.RestoreAnchor(rootPath))
		if err != nil {
			if allowMissing && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("hashing file %v: %w", file.ToString(), err)
		}
		hashes[file.ToUnixPath()] = digest
	}
	return hashes, nil
}

// getTraversePath reports how far the current working directory is from
// the repository root, as a relative Unix path, by asking git directly.
func getTraversePath(rootPath repopath.AbsoluteSystemPath) (repopath.RelativeUnixPath, error) {
	cmd := exec.Command("git", "rev-parse", "--show-cdup")
	cmd.Dir = rootPath.ToString()

	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	return repopath.RelativeUnixPathFromUpstream(strings.TrimSuffix(string(output), "\n")), nil
}

// memoizeGetTraversePath wraps getTraversePath with a cache keyed by
// rootPath, since it shells out to git and the answer never changes for a
// given root over the lifetime of one process.
func memoizeGetTraversePath() func(repopath.AbsoluteSystemPath) (repopath.RelativeUnixPath, error) {
	var mu sync.RWMutex
	type entry struct {
		path repopath.RelativeUnixPath
		err  error
	}
	cache := map[repopath.AbsoluteSystemPath]entry{}

	return func(rootPath repopath.AbsoluteSystemPath) (repopath.RelativeUnixPath, error) {
		mu.RLock()
		cached, ok := cache[rootPath]
		mu.RUnlock()
		if ok {
			return cached.path, cached.err
		}

		path, err := getTraversePath(rootPath)
		mu.Lock()
		cache[rootPath] = entry{path: path, err: err}
		mu.Unlock()
		return path, err
	}
}

var memoizedGetTraversePath = memoizeGetTraversePath()
