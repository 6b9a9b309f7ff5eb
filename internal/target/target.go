// Package target classifies a project checkout into a deployment lane by
// static analysis of its sources.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/fsutil"
	"github.com/splax/localvercel/pipeline/internal/manifest"
)

const (
	maxScanFileSize = 512 << 10
	maxScanFiles    = 5000
)

var errScanLimit = errors.New("scan file limit reached")

var sourceExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true,
	".cjs": true, ".mts": true, ".cts": true, ".vue": true, ".svelte": true, ".astro": true,
}

var (
	nodeBuiltinImport = regexp.MustCompile(`(?:\bfrom\s*|\brequire\s*\(\s*|\bimport\s*\(\s*|\bimport\s+)['"](?:node:)?(fs|fs/promises|child_process|net|tls|dgram|dns|cluster|worker_threads|os|http|https|http2|zlib|crypto|stream|readline|v8|vm|perf_hooks|module|path|process|async_hooks|inspector)['"]`)
	nodeProcessAPI    = regexp.MustCompile(`\bprocess\.(?:cwd|exit|chdir|argv|pid|on|kill|memoryUsage|hrtime)\b|\b__dirname\b|\b__filename\b`)
	edgeRuntimeExport = regexp.MustCompile(`export\s+const\s+runtime\s*=\s*['"](?:experimental-)?edge['"]|runtime\s*:\s*['"](?:experimental-)?edge['"]`)
	serverRendering   = regexp.MustCompile(`export\s+(?:async\s+)?(?:function|const)\s+(?:getServerSideProps|loader|action)\b`)
	useServer         = regexp.MustCompile(`(?m)^\s*['"]use server['"]`)
	serviceRoleMarker = regexp.MustCompile(`SUPABASE_SERVICE_ROLE_KEY|service_role|SERVICE_ROLE_KEY`)
	staticExport      = regexp.MustCompile(`output\s*:\s*['"]export['"]`)
	importSource      = regexp.MustCompile(`(?:\bfrom\s*|\brequire\s*\(\s*|\bimport\s*\(\s*|\bimport\s+)['"]([^'"]+)['"]`)
	serverListen      = regexp.MustCompile(`\.listen\s*\(|\bcreateServer\s*\(|\bserve\s*\(\s*\{`)
	startScriptEntry  = regexp.MustCompile(`^\s*(?:[A-Z_]+=\S+\s+)*node\s+(?:-\S+\s+)*([^\s-]\S*)`)
)

// backendPackages need capabilities the edge lane does not offer.
var backendPackages = []string{
	"@prisma/client", "prisma", "pg", "mysql2", "mysql", "mongoose", "mongodb",
	"sqlite3", "better-sqlite3", "ioredis", "bcrypt", "sharp", "puppeteer",
	"nodemailer", "firebase-admin", "@google-cloud/storage", "aws-sdk",
}

// serverFrameworks run a long-lived Node HTTP listener.
var serverFrameworks = []string{
	"express", "fastify", "koa", "@hono/node-server", "@nestjs/core", "@hapi/hapi", "restify",
}

// Detector performs target detection.
type Detector struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{logger: logger, now: time.Now}
}

type scan struct {
	evidence   []domain.Evidence
	seen       map[string]bool
	apiRoutes  map[string]bool
	edgeRoutes map[string]bool
	// shared holds import evidence from helper modules. It only counts
	// once the project has an API route that can reach those helpers.
	shared []domain.Evidence
	files  int
}

func (s *scan) add(ev domain.Evidence) {
	key := string(ev.Kind) + "|" + ev.File + "|" + ev.Detail
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.evidence = append(s.evidence, ev)
}

func (s *scan) has(kinds ...domain.EvidenceKind) bool {
	for _, ev := range s.evidence {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
	}
	return false
}

// Detect never fails. A scan error yields the static lane with fallback origin
// and no evidence.
func (d *Detector) Detect(ctx context.Context, dir string) domain.TargetDetection {
	fw := framework.Detect(dir)
	s := &scan{seen: map[string]bool{}, apiRoutes: map[string]bool{}, edgeRoutes: map[string]bool{}}
	err := d.walk(ctx, dir, s)
	if err != nil && !errors.Is(err, errScanLimit) {
		d.logger.Warn("target detection failed, falling back to static", "dir", dir, "error", err)
		return domain.TargetDetection{
			Target:     domain.LaneStatic,
			Origin:     domain.OriginFallback,
			Reasons:    []string{"detection failed: " + err.Error()},
			Framework:  string(fw.Framework),
			DetectedAt: d.now().UTC(),
		}
	}
	if len(s.apiRoutes) > 0 {
		for _, ev := range s.shared {
			s.add(ev)
		}
	}
	d.inspectProject(dir, fw.Framework, s)
	det := classify(s)
	det.Framework = string(fw.Framework)
	det.DetectedAt = d.now().UTC()
	if errors.Is(err, errScanLimit) {
		det.Reasons = append(det.Reasons, fmt.Sprintf("scan stopped after %d files", maxScanFiles))
		det.Confidence -= 0.1
	}
	d.logger.Info("deployment target detected", "dir", dir, "target", det.Target, "confidence", det.Confidence, "evidence", len(det.Evidence))
	return det
}

func (d *Detector) walk(ctx context.Context, dir string, s *scan) error {
	skipOutputs := make(map[string]bool)
	for _, name := range framework.OutputDirNames {
		if name != "public" {
			skipOutputs[filepath.FromSlash(name)] = true
		}
	}
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if entry.IsDir() {
			if fsutil.SkipDirs[entry.Name()] || skipOutputs[rel] || entry.Name() == "public" || strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !sourceExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			return nil
		}
		if isConfigFile(entry.Name()) || isTestFile(rel) {
			return nil
		}
		s.files++
		if s.files > maxScanFiles {
			return errScanLimit
		}
		return d.inspectFile(path, filepath.ToSlash(rel), s)
	})
}

func (d *Detector) inspectFile(path, rel string, s *scan) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxScanFileSize {
		d.logger.Debug("skipping large source file", "file", rel, "size", info.Size())
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	src := string(data)

	server := false
	if isAPIRoute(rel) {
		server = true
		s.apiRoutes[rel] = true
		s.add(domain.Evidence{Kind: domain.EvidenceAPIRoute, File: rel, Detail: "api route " + rel})
	}
	if isMiddleware(rel) {
		server = true
		s.add(domain.Evidence{Kind: domain.EvidenceServerMiddleware, File: rel, Detail: "server middleware " + rel})
	}
	if serverRendering.MatchString(src) && isPageFile(rel) {
		server = true
		s.add(domain.Evidence{Kind: domain.EvidenceAPIRoute, File: rel, Detail: "server-rendered page " + rel})
	}
	if useServer.MatchString(src) {
		server = true
		s.add(domain.Evidence{Kind: domain.EvidenceAPIRoute, File: rel, Detail: "server action in " + rel})
	}
	if isServerEntry(rel, src) {
		server = true
		s.add(domain.Evidence{Kind: domain.EvidenceServerEntry, File: rel, Detail: "server entry " + rel})
	} else if isServerFile(rel) {
		server = true
	}
	if edgeRuntimeExport.MatchString(src) {
		s.edgeRoutes[rel] = true
		s.add(domain.Evidence{Kind: domain.EvidenceEdgeRuntime, File: rel, Detail: "edge runtime export in " + rel})
	}
	if serviceRoleMarker.MatchString(src) {
		s.add(domain.Evidence{Kind: domain.EvidenceBackendIntegration, File: rel, Detail: "service-role credentials referenced in " + rel})
	}
	if !server {
		if !isPageFile(rel) && !isAppTree(rel) {
			s.shared = append(s.shared, importEvidence(rel, src, ", shared with api routes")...)
		}
		return nil
	}
	for _, ev := range importEvidence(rel, src, "") {
		s.add(ev)
	}
	if m := nodeProcessAPI.FindString(src); m != "" {
		s.add(domain.Evidence{Kind: domain.EvidenceNodeBuiltin, File: rel, Detail: fmt.Sprintf("node process API '%s' used in %s", m, rel)})
	}
	return nil
}

// importEvidence reports node built-in, backend and server framework imports
// found in src.
func importEvidence(rel, src, suffix string) []domain.Evidence {
	var out []domain.Evidence
	for _, m := range nodeBuiltinImport.FindAllStringSubmatch(src, -1) {
		out = append(out, domain.Evidence{Kind: domain.EvidenceNodeBuiltin, File: rel, Detail: fmt.Sprintf("node built-in '%s' imported in %s%s", m[1], rel, suffix)})
	}
	for _, m := range importSource.FindAllStringSubmatch(src, -1) {
		pkg := packageName(m[1])
		switch {
		case isBackendPackage(pkg):
			out = append(out, domain.Evidence{Kind: domain.EvidenceBackendIntegration, File: rel, Detail: fmt.Sprintf("backend integration '%s' imported in %s%s", pkg, rel, suffix)})
		case isServerFramework(pkg) && suffix == "":
			out = append(out, domain.Evidence{Kind: domain.EvidenceServerEntry, File: rel, Detail: fmt.Sprintf("server framework '%s' imported in %s", pkg, rel)})
		}
	}
	return out
}

// inspectProject adds project-level evidence from the manifest and configs.
func (d *Detector) inspectProject(dir string, fw framework.Framework, s *scan) {
	if fw == framework.Next {
		for _, name := range []string{"next.config.js", "next.config.mjs", "next.config.ts", "next.config.cjs"} {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil && staticExport.Match(data) {
				s.add(domain.Evidence{Kind: domain.EvidenceStaticExport, File: name, Detail: "static export configured in " + name})
			}
		}
	}
	m, ok := manifest.Load(dir)
	if !ok {
		return
	}
	for _, pkg := range serverFrameworks {
		if m.HasDependency(pkg) {
			s.add(domain.Evidence{Kind: domain.EvidenceServerEntry, File: manifest.FileName, Detail: fmt.Sprintf("server framework '%s' declared", pkg)})
		}
	}
	if sm := startScriptEntry.FindStringSubmatch(m.Script("start")); sm != nil {
		s.add(domain.Evidence{Kind: domain.EvidenceServerEntry, File: manifest.FileName, Detail: fmt.Sprintf("start script runs node %s", sm[1])})
	}
	if !s.has(domain.EvidenceAPIRoute, domain.EvidenceServerMiddleware, domain.EvidenceEdgeRuntime, domain.EvidenceServerEntry) {
		return
	}
	for _, pkg := range backendPackages {
		if m.HasDependency(pkg) {
			s.add(domain.Evidence{Kind: domain.EvidenceBackendIntegration, File: manifest.FileName, Detail: fmt.Sprintf("backend integration '%s' declared with server code present", pkg)})
		}
	}
}

func classify(s *scan) domain.TargetDetection {
	sort.SliceStable(s.evidence, func(i, j int) bool {
		if s.evidence[i].Kind != s.evidence[j].Kind {
			return s.evidence[i].Kind < s.evidence[j].Kind
		}
		return s.evidence[i].File < s.evidence[j].File
	})
	det := domain.TargetDetection{Origin: domain.OriginRuleMatch, Evidence: s.evidence}
	for _, ev := range s.evidence {
		det.Reasons = append(det.Reasons, ev.Detail)
	}
	switch {
	case s.has(domain.EvidenceNodeBuiltin, domain.EvidenceBackendIntegration, domain.EvidenceServerEntry):
		det.Target = domain.LaneNodeWorker
		det.Confidence = 0.9
		if s.has(domain.EvidenceNodeBuiltin) && s.has(domain.EvidenceBackendIntegration) {
			det.Confidence = 0.95
		}
	case s.has(domain.EvidenceAPIRoute, domain.EvidenceServerMiddleware, domain.EvidenceEdgeRuntime):
		det.Target = domain.LaneEdgeWorker
		det.Confidence = 0.75
		if len(s.apiRoutes) > 0 && allCovered(s.apiRoutes, s.edgeRoutes) {
			det.Confidence = 0.95
		}
	default:
		det.Target = domain.LaneStatic
		det.Confidence = 0.9
		det.Reasons = append(det.Reasons, "no server-only code paths detected")
		if s.has(domain.EvidenceStaticExport) {
			det.Confidence = 0.98
		}
	}
	return det
}

func allCovered(routes, edge map[string]bool) bool {
	for route := range routes {
		if !edge[route] {
			return false
		}
	}
	return true
}

func isAPIRoute(rel string) bool {
	for _, prefix := range []string{"pages/api/", "src/pages/api/", "api/", "server/api/", "server/routes/", "functions/", "src/api/"} {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	base := filepath.Base(rel)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "route" && (strings.HasPrefix(rel, "app/") || strings.HasPrefix(rel, "src/app/")) {
		return true
	}
	if (stem == "+server" || stem == "+page.server" || stem == "+layout.server") && strings.HasPrefix(rel, "src/routes/") {
		return true
	}
	return false
}

func isMiddleware(rel string) bool {
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))
	return stem == "middleware" || stem == "src/middleware" || strings.HasPrefix(rel, "server/middleware/")
}

func isPageFile(rel string) bool {
	return strings.HasPrefix(rel, "pages/") || strings.HasPrefix(rel, "src/pages/") ||
		strings.HasPrefix(rel, "app/routes/") || strings.HasPrefix(rel, "src/routes/")
}

func isServerFile(rel string) bool {
	stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	return strings.HasPrefix(rel, "server/") || strings.HasPrefix(rel, "src/server/") ||
		strings.HasSuffix(stem, ".server") || stem == "server"
}

// isEntryFile matches conventional root entry points of a plain Node app.
func isEntryFile(rel string) bool {
	dir := filepath.Dir(filepath.FromSlash(rel))
	if dir != "." && dir != "src" {
		return false
	}
	switch strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)) {
	case "server", "index", "app", "main":
		return true
	}
	return false
}

// isServerEntry reports whether the file boots a server process. A root
// server file counts on its name alone; other entry and server files must
// open a listener.
func isServerEntry(rel, src string) bool {
	entry := isEntryFile(rel)
	if !entry && !isServerFile(rel) {
		return false
	}
	if entry && strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)) == "server" {
		return true
	}
	return serverListen.MatchString(src)
}

func isAppTree(rel string) bool {
	return strings.HasPrefix(rel, "app/") || strings.HasPrefix(rel, "src/app/")
}

func isServerFramework(pkg string) bool {
	for _, candidate := range serverFrameworks {
		if pkg == candidate {
			return true
		}
	}
	return false
}

func isConfigFile(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasPrefix(name, ".") || strings.HasSuffix(stem, ".config") || strings.HasSuffix(stem, "-config")
}

func isTestFile(rel string) bool {
	stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	return strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") ||
		strings.Contains(rel, "__tests__/") || strings.HasPrefix(rel, "scripts/")
}

func packageName(spec string) string {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func isBackendPackage(pkg string) bool {
	for _, candidate := range backendPackages {
		if pkg == candidate {
			return true
		}
	}
	return false
}
