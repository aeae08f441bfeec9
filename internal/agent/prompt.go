package agent

import (
	"fmt"
	"strings"
)

const diagnosticsHeader = "\n\nRecent build errors/warnings:\n"

// DefaultSystemPrompt is used when no prompt is configured.
func DefaultSystemPrompt(projectRoot string) string {
	return fmt.Sprintf(`You are embedded in a Vite dev server as the "viagen" plugin. `+
		`Your job is to help build and modify the app running at %s. `+
		`Files you edit will trigger Vite HMR automatically. `+
		`You can read .viagen/server.log to check recent Vite dev server output (compile errors, HMR updates, warnings). `+
		`Be concise.`, projectRoot)
}

// composePrompt appends recent diagnostics to the base prompt when any exist.
func composePrompt(base string, diagnostics []string) string {
	if len(diagnostics) == 0 {
		return base
	}
	return base + diagnosticsHeader + strings.Join(diagnostics, "\n")
}

// buildArgs returns the CLI argument vector. The message is always last.
func buildArgs(prompt, model, continuity, message string) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--append-system-prompt", prompt,
		"--model", model,
	}
	if continuity != "" {
		args = append(args, "--resume", continuity)
	}
	return append(args, message)
}

// credentialVars are stripped from the inherited environment so only the
// active credential reaches the child.
var credentialVars = map[string]bool{
	"ANTHROPIC_API_KEY":       true,
	"CLAUDE_CODE_OAUTH_TOKEN": true,
}

// buildEnv drops nested-session markers and inherited credentials from base,
// then adds an empty CLAUDECODE and the credential variables.
func buildEnv(base, creds []string) []string {
	env := make([]string, 0, len(base)+len(creds)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CLAUDECODE") || credentialVars[key] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "CLAUDECODE=")
	return append(env, creds...)
}
