package pkgmanager

import (
	"strings"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// Strategy is one install attempt of the waterfall.
type Strategy struct {
	Tag     string
	Manager domain.PackageManager
	Args    []string
}

// CommandLine renders the strategy for logs.
func (s Strategy) CommandLine() string {
	return string(s.Manager) + " " + strings.Join(s.Args, " ")
}

var variants = map[domain.PackageManager][]Strategy{
	domain.PackageManagerNPM: {
		{Tag: "npm:install", Args: []string{"install", "--no-audit", "--no-fund"}},
		{Tag: "npm:legacy-peer-deps", Args: []string{"install", "--legacy-peer-deps", "--no-audit", "--no-fund"}},
		{Tag: "npm:force", Args: []string{"install", "--force", "--no-audit", "--no-fund"}},
	},
	domain.PackageManagerPNPM: {
		{Tag: "pnpm:install", Args: []string{"install"}},
		{Tag: "pnpm:no-frozen-lockfile", Args: []string{"install", "--no-frozen-lockfile", "--config.strict-peer-dependencies=false"}},
		{Tag: "pnpm:force", Args: []string{"install", "--force", "--no-frozen-lockfile"}},
	},
	domain.PackageManagerYarn: {
		{Tag: "yarn:install", Args: []string{"install"}},
		{Tag: "yarn:ignore-engines", Args: []string{"install", "--ignore-engines"}},
		{Tag: "yarn:force", Args: []string{"install", "--force", "--ignore-engines"}},
	},
}

// Strategies returns the install waterfall for pm: its canonical install,
// then its forced variants, then the Default manager's variants. The last
// entry is the most permissive.
func Strategies(pm domain.PackageManager) []Strategy {
	if _, ok := variants[pm]; !ok {
		pm = Default
	}
	var out []Strategy
	seen := make(map[string]bool)
	for _, manager := range []domain.PackageManager{pm, Default} {
		for _, s := range variants[manager] {
			if seen[s.Tag] {
				continue
			}
			seen[s.Tag] = true
			s.Manager = manager
			s.Args = append([]string(nil), s.Args...)
			out = append(out, s)
		}
	}
	return out
}
