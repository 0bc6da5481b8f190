//go:build windows
// +build windows

package cacheitem

import (
	"testing"

	"github.com/relaydag/relay/internal/repopath"
)

func createFifo(t *testing.T, anchor repopath.AbsoluteSystemPath, fileDefinition createFileDefinition) error {
	return errUnsupportedFileType
}
