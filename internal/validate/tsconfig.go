package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// relaxUnusedChecks turns off the unused-symbol checks in tsconfig.json.
// tsconfig allows comments and trailing commas, so it is standardized
// before decoding; the rewritten file is plain JSON.
func relaxUnusedChecks(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return false, fmt.Errorf("parse tsconfig: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(std, &cfg); err != nil {
		return false, fmt.Errorf("decode tsconfig: %w", err)
	}
	opts, _ := cfg["compilerOptions"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	changed := false
	for _, key := range []string{"noUnusedLocals", "noUnusedParameters"} {
		if v, ok := opts[key].(bool); ok && !v {
			continue
		}
		if _, ok := opts[key]; !ok {
			// Unset means false unless "strict"-style presets enable it.
			if _, ext := cfg["extends"]; !ext {
				continue
			}
		}
		opts[key] = false
		changed = true
	}
	if !changed {
		return false, nil
	}
	cfg["compilerOptions"] = opts
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
