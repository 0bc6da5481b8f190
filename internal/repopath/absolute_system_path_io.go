package repopath

import (
	"os"
)

// FileExists returns true if the file at this path exists and is statable.
func (p AbsoluteSystemPath) FileExists() bool {
	_, err := os.Lstat(p.ToString())
	return err == nil
}

// ReadFile reads the contents of the file at this path.
func (p AbsoluteSystemPath) ReadFile() ([]byte, error) {
	return os.ReadFile(p.ToString())
}

// WriteFile writes the given contents to the file at this path.
func (p AbsoluteSystemPath) WriteFile(contents []byte, mode os.FileMode) error {
	return os.WriteFile(p.ToString(), contents, mode)
}

// MkdirAll creates this path and any missing parents.
func (p AbsoluteSystemPath) MkdirAll(mode os.FileMode) error {
	return os.MkdirAll(p.ToString(), mode)
}

// Open opens the file at this path for reading.
func (p AbsoluteSystemPath) Open() (*os.File, error) {
	return os.Open(p.ToString())
}

// Lstat lstats the file at this path.
func (p AbsoluteSystemPath) Lstat() (os.FileInfo, error) {
	return os.Lstat(p.ToString())
}
