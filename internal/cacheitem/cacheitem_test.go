package cacheitem

import (
	"fmt"
	"testing"

	"github.com/relaydag/relay/internal/repopath"
)

func TestCreate(t *testing.T) {
	archive, err := Create(repopath.AbsoluteSystemPath("/Users/nathanhammond/out.tar.gz"))
	defer func() { _ = archive.Close() }()

	if err != nil {
		fmt.Printf("%v", err)
	}

	archive.AddFile("/", "/Users/nathanhammond/.zprofile")
}

func TestOpen(t *testing.T) {
	archive, err := Open(repopath.AbsoluteSystemPath("/Users/nathanhammond/out.tar.gz"))
	defer func() { _ = archive.Close() }()

	if err != nil {
		fmt.Printf("%v", err)
	}
}
