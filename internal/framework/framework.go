// Package framework recognises the web framework of a project checkout and
// knows where each framework writes its build output.
package framework

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/manifest"
)

// Framework identifies a web framework.
type Framework string

const (
	Unknown   Framework = ""
	Next      Framework = "nextjs"
	Nuxt      Framework = "nuxt"
	SvelteKit Framework = "sveltekit"
	Remix     Framework = "remix"
	Astro     Framework = "astro"
	Gatsby    Framework = "gatsby"
	Angular   Framework = "angular"
	Vite      Framework = "vite"
	CRA       Framework = "create-react-app"
	Vue       Framework = "vue"
	Svelte    Framework = "svelte"
	React     Framework = "react"
	Static    Framework = "static"
)

// Source says where a detection came from.
type Source string

const (
	SourceManifest Source = "manifest"
	SourceConfig   Source = "config"
	SourceFiles    Source = "files"
)

type rule struct {
	framework Framework
	meta      bool
	deps      []string
	configs   []string
	outputs   []string
}

// rules is ordered by priority: meta-frameworks first because their projects
// also depend on the library they wrap.
var rules = []rule{
	{framework: Next, meta: true, deps: []string{"next"}, configs: []string{"next.config.js", "next.config.mjs", "next.config.ts", "next.config.cjs"}, outputs: []string{"out", ".next"}},
	{framework: Nuxt, meta: true, deps: []string{"nuxt", "nuxt3"}, configs: []string{"nuxt.config.ts", "nuxt.config.js", "nuxt.config.mjs"}, outputs: []string{".output/public", "dist"}},
	{framework: SvelteKit, meta: true, deps: []string{"@sveltejs/kit"}, configs: []string{"svelte.config.js", "svelte.config.mjs"}, outputs: []string{"build", ".svelte-kit/output"}},
	{framework: Remix, meta: true, deps: []string{"@remix-run/react", "@remix-run/node", "@remix-run/dev"}, configs: []string{"remix.config.js", "remix.config.mjs"}, outputs: []string{"build/client", "public/build", "build"}},
	{framework: Astro, meta: true, deps: []string{"astro"}, configs: []string{"astro.config.mjs", "astro.config.ts", "astro.config.js"}, outputs: []string{"dist"}},
	{framework: Gatsby, meta: true, deps: []string{"gatsby"}, configs: []string{"gatsby-config.js", "gatsby-config.ts"}, outputs: []string{"public"}},
	{framework: Angular, deps: []string{"@angular/core"}, configs: []string{"angular.json"}, outputs: []string{"dist"}},
	{framework: Vite, deps: []string{"vite"}, configs: []string{"vite.config.ts", "vite.config.js", "vite.config.mjs"}, outputs: []string{"dist"}},
	{framework: CRA, deps: []string{"react-scripts"}, outputs: []string{"build"}},
	{framework: Vue, deps: []string{"vue"}, configs: []string{"vue.config.js"}, outputs: []string{"dist"}},
	{framework: Svelte, deps: []string{"svelte"}, outputs: []string{"public/build", "dist"}},
	{framework: React, deps: []string{"react"}, outputs: []string{"build", "dist"}},
}

// OutputDirNames is the fixed, ordered list of conventional build output
// directories checked after a build.
var OutputDirNames = []string{"out", "dist", "build", ".output/public", ".next", "_site", "public"}

// Detection is the outcome of framework detection.
type Detection struct {
	Framework Framework
	Source    Source
	Signals   []string
}

// Known reports whether a framework was recognised.
func (d Detection) Known() bool { return d.Framework != Unknown }

// Rank returns the priority of fw; lower is more specific. Unknown ranks last.
func Rank(fw Framework) int {
	for i, r := range rules {
		if r.framework == fw {
			return i
		}
	}
	if fw == Static {
		return len(rules)
	}
	return len(rules) + 1
}

// IsMeta reports whether fw is a meta-framework.
func IsMeta(fw Framework) bool {
	for _, r := range rules {
		if r.framework == fw {
			return r.meta
		}
	}
	return false
}

// DetectManifest detects the framework from declared dependencies only. This
// is the install-time view of the project.
func DetectManifest(m *manifest.Manifest) Detection {
	if m == nil {
		return Detection{}
	}
	for _, r := range rules {
		for _, dep := range r.deps {
			if m.HasDependency(dep) {
				return Detection{Framework: r.framework, Source: SourceManifest, Signals: []string{"dependency " + dep}}
			}
		}
	}
	return Detection{}
}

// DetectConfig detects the framework from config files present in dir. This
// is the build-time view of the project.
func DetectConfig(dir string) Detection {
	for _, r := range rules {
		for _, name := range r.configs {
			if fileExists(filepath.Join(dir, name)) {
				return Detection{Framework: r.framework, Source: SourceConfig, Signals: []string{"config " + name}}
			}
		}
	}
	return Detection{}
}

// Reconcile merges an install-time and a build-time detection. The more
// specific framework wins; when both rank the same the build-time view wins.
func Reconcile(installTime, buildTime Detection) Detection {
	switch {
	case !installTime.Known():
		return buildTime
	case !buildTime.Known():
		return installTime
	}
	if Rank(installTime.Framework) < Rank(buildTime.Framework) {
		installTime.Signals = append(installTime.Signals, buildTime.Signals...)
		return installTime
	}
	buildTime.Signals = append(buildTime.Signals, installTime.Signals...)
	return buildTime
}

// Detect runs both detections over dir and reconciles them. Projects without
// a recognised framework but with an index.html are reported as Static.
func Detect(dir string) Detection {
	m, _ := manifest.Load(dir)
	det := Reconcile(DetectManifest(m), DetectConfig(dir))
	if det.Known() {
		return det
	}
	if fileExists(filepath.Join(dir, "index.html")) {
		return Detection{Framework: Static, Source: SourceFiles, Signals: []string{"index.html"}}
	}
	return det
}

// OutputDirCandidates returns framework-specific output directories followed
// by the conventional list, without duplicates.
func OutputDirCandidates(fw Framework) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	for _, r := range rules {
		if r.framework == fw {
			add(r.outputs...)
			break
		}
	}
	add(OutputDirNames...)
	return out
}

// ResolveOutputDir returns the first existing output directory under dir.
func ResolveOutputDir(dir string, fw Framework) (string, bool) {
	for _, name := range OutputDirCandidates(fw) {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// BuildCommand returns the command that runs the manifest build script with
// pm, or the empty string when the project has no build script.
func BuildCommand(m *manifest.Manifest, pm domain.PackageManager) string {
	if m.Script("build") == "" {
		return ""
	}
	if pm == "" {
		pm = domain.PackageManagerNPM
	}
	return string(pm) + " run build"
}

// buildTooling lists packages whose presence means the project needs a build.
var buildTooling = []string{
	"typescript", "webpack", "parcel", "rollup", "esbuild", "@babel/core",
	"tailwindcss", "postcss", "sass", "@vitejs/plugin-react",
}

var staticExtensions = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".json": true, ".txt": true, ".xml": true, ".svg": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".map": true, ".md": true,
	".webmanifest": true,
}

// IsStaticProject reports whether dir is plain HTML/CSS/JS that can be served
// without installing or building anything.
func IsStaticProject(dir string, m *manifest.Manifest) bool {
	if m.Script("build") != "" {
		return false
	}
	if det := DetectManifest(m); det.Known() {
		return false
	}
	if m.HasAnyDependency(buildTooling...) {
		return false
	}
	if DetectConfig(dir).Known() {
		return false
	}
	if !fileExists(filepath.Join(dir, "index.html")) {
		return false
	}
	for _, serverDir := range []string{"api", "server", "pages/api", "app/api"} {
		if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(serverDir))); err == nil && info.IsDir() {
			return false
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || isLockOrManifest(name) {
			continue
		}
		if !staticExtensions[strings.ToLower(filepath.Ext(name))] {
			return false
		}
	}
	return true
}

func isLockOrManifest(name string) bool {
	switch name {
	case manifest.FileName, "package-lock.json", "npm-shrinkwrap.json", "yarn.lock", "pnpm-lock.yaml", "README", "LICENSE":
		return true
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
