// Package prompts embeds the prompt assets sent to the agent runtime.
package prompts

import _ "embed"

//go:embed executor/system.md
var ExecutorSystemPrompt string

//go:embed executor/phase.md.tmpl
var PhaseTemplate string
