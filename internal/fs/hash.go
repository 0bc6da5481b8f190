package fs

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/relaydag/relay/internal/fs/hash"
	"github.com/relaydag/relay/internal/repopath"
)

// HashTask performs the deterministic hash of a single task's hashable inputs.
func HashTask(task *hash.TaskHashable) (string, error) {
	return hash.HashTaskHashable(task)
}

// HashFileHashes performs the deterministic hash of a set of file-content digests,
// keyed by their repo-anchored path.
func HashFileHashes(files map[repopath.AnchoredUnixPath]string) (string, error) {
	return hash.HashFileHashes(files)
}

// HashObject returns a stable digest of the fmt.Sprintf("%v", ...) rendering
// of an arbitrary value. It's used where the caller already has a simple,
// deterministically-ordered struct and wants a cache key without defining a
// canonical serialization for it.
func HashObject(i interface{}) (string, error) {
	return hashObject(i)
}

func hashObject(i interface{}) (string, error) {
	hash := xxhash.New()

	_, err := hash.Write([]byte(fmt.Sprintf("%v", i)))

	return hex.EncodeToString(hash.Sum(nil)), err
}

func HashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := xxhash.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// GitLikeHashFile is a function that mimics how Git
// calculates the SHA1 for a file (or, in Git terms, a "blob") (without git)
func GitLikeHashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", err
	}
	hash := sha1.New()
	hash.Write([]byte("blob"))
	hash.Write([]byte(" "))
	hash.Write([]byte(strconv.FormatInt(stat.Size(), 10)))
	hash.Write([]byte{0})

	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
