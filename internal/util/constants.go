package util

// SourceCodeRepo is the public address for this codebase
const SourceCodeRepo string = "https://github.com/relaydag/relay"

// SourceCodeIssues is the public address for the issue tracker
const SourceCodeIssues string = "https://github.com/relaydag/relay/issues/new"
