package cli

import (
	envparse "github.com/caarlos0/env/v11"

	"github.com/codex-k8s/devstack/internal/env"
)

// baseEnv defines root CLI defaults sourced from DEVSTACK_* env vars.
type baseEnv struct {
	// LogLevel is the logging level from DEVSTACK_LOG_LEVEL.
	LogLevel string `env:"DEVSTACK_LOG_LEVEL"`
}

// varsEnv describes inline vars and var files passed via env.
type varsEnv struct {
	// Vars is a k=v,k2=v2 list from DEVSTACK_VARS.
	Vars string `env:"DEVSTACK_VARS"`
	// VarFile is a YAML/ENV path from DEVSTACK_VAR_FILE.
	VarFile string `env:"DEVSTACK_VAR_FILE"`
}

// parseEnv fills target from DEVSTACK_* env vars via caarlos0/env.
func parseEnv(target any) error {
	return envparse.Parse(target)
}

// projectVars merges the var file and the inline vars, falling back to
// DEVSTACK_VARS and DEVSTACK_VAR_FILE. Inline vars win over the var file.
func projectVars(inline, varFile string) (env.Vars, error) {
	var envCfg varsEnv
	if err := parseEnv(&envCfg); err != nil {
		return nil, err
	}
	if inline == "" {
		inline = envCfg.Vars
	}
	if varFile == "" {
		varFile = envCfg.VarFile
	}

	var fromFile env.Vars
	if varFile != "" {
		loaded, err := env.LoadVarFile(varFile)
		if err != nil {
			return nil, err
		}
		fromFile = loaded
	}
	inlineVars, err := env.ParseInlineVars(inline)
	if err != nil {
		return nil, err
	}
	return env.Merge(fromFile, inlineVars), nil
}
