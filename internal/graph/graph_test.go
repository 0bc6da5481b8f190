package graph

import (
	"testing"

	"gotest.tools/v3/assert"
)

func Test_CommandsInvokingRelay(t *testing.T) {
	type testCase struct {
		command string
		match   bool
	}
	testCases := []testCase{
		{
			"relay run foo",
			true,
		},
		{
			"rm -rf ~/Library/Caches/pnpm && relay run foo && rm -rf ~/.npm",
			true,
		},
		{
			"FLAG=true relay run foo",
			true,
		},
		{
			"npx relay run foo",
			true,
		},
		{
			"echo starting; relay foo; echo done",
			true,
		},
		// We don't catch this as if people are going to try to invoke the relay
		// binary directly, they'll always be able to work around us.
		{
			"./node_modules/.bin/relay foo",
			false,
		},
		{
			"rm -rf ~/Library/Caches/pnpm && rm -rf ~/Library/Caches/relay && rm -rf ~/.npm && rm -rf ~/.pnpm-store && rm -rf ~/.relay",
			false,
		},
	}

	for _, tc := range testCases {
		assert.Equal(t, scriptInvokesRelay(tc.command), tc.match, tc.command)
	}
}
