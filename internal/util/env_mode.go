package util

// EnvMode specifies how a task's environment variables are resolved relative
// to the set declared in its task definition.
type EnvMode string

// Infer lets relay choose between Strict and Loose based on whether the task
// declares a passThroughEnv list.
const Infer EnvMode = "infer"

// Loose exposes the full process environment to a task.
const Loose EnvMode = "loose"

// Strict restricts a task to its declared env and passThroughEnv entries.
const Strict EnvMode = "strict"
