package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func detect(t *testing.T, dir string) domain.TargetDetection {
	t.Helper()
	return NewDetector(nil).Detect(context.Background(), dir)
}

func TestDetectStaticSite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")
	writeFile(t, dir, "app.js", "import fs from 'fs'") // client file, not server context
	det := detect(t, dir)
	assert.Equal(t, domain.LaneStatic, det.Target)
	assert.Equal(t, domain.OriginRuleMatch, det.Origin)
	assert.False(t, det.HasServerOnlyEvidence())
	assert.Contains(t, det.Reasons, "no server-only code paths detected")
	assert.Equal(t, "static", det.Framework)
}

func TestDetectNodeBuiltinInAPIRoute(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"14"}}`)
	writeFile(t, dir, "pages/api/files.ts", "import { readFileSync } from 'node:fs'\nexport default function handler() {}")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneNodeWorker, det.Target)
	assert.True(t, det.HasServerOnlyEvidence())
	assert.Equal(t, "nextjs", det.Framework)
	joined := strings.Join(det.Reasons, "\n")
	assert.Contains(t, joined, "api route pages/api/files.ts")
	assert.Contains(t, joined, "node built-in 'fs'")
}

func TestDetectEdgeRoutes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app/api/hello/route.ts", "export const runtime = 'edge'\nexport async function GET() { return new Response('hi') }")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneEdgeWorker, det.Target)
	assert.InDelta(t, 0.95, det.Confidence, 0.001)
	assert.Contains(t, strings.Join(det.Reasons, "\n"), "edge runtime export in app/api/hello/route.ts")
}

func TestDetectAPIRouteWithoutMarkerIsEdgeWithLowerConfidence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "api/ping.js", "export default (req) => new Response('pong')")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneEdgeWorker, det.Target)
	assert.InDelta(t, 0.75, det.Confidence, 0.001)
}

func TestDetectBackendIntegration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"@prisma/client":"5"}}`)
	writeFile(t, dir, "app/api/users/route.ts", "export const runtime = 'edge'\nexport async function GET() {}")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneNodeWorker, det.Target)
	assert.Contains(t, strings.Join(det.Reasons, "\n"), "@prisma/client")
}

func TestDetectServiceRoleMarker(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/lib/admin.ts", "const key = process.env.SUPABASE_SERVICE_ROLE_KEY")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneNodeWorker, det.Target)
}

func TestDetectExpressServer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"express":"4.19.2"}}`)
	writeFile(t, dir, "server.js", `const express = require('express')
const app = express()
app.get('/api/hello', (req, res) => res.json({ hello: 'world' }))
app.listen(process.env.PORT)
`)
	det := detect(t, dir)
	assert.Equal(t, domain.LaneNodeWorker, det.Target)
	assert.True(t, det.HasServerOnlyEvidence())
	joined := strings.Join(det.Reasons, "\n")
	assert.Contains(t, joined, "server entry server.js")
	assert.Contains(t, joined, "server framework 'express' declared")
	assert.NotContains(t, joined, "no server-only code paths detected")
}

func TestDetectServerEntrySignals(t *testing.T) {
	cases := map[string]map[string]string{
		"start script": {
			"package.json": `{"scripts":{"start":"NODE_ENV=production node --enable-source-maps dist/main.js"}}`,
			"index.html":   "<html></html>",
		},
		"listener in root entry": {
			"src/index.ts": "import http from 'http'\nhttp.createServer((req, res) => res.end('ok')).listen(3000)",
		},
		"hono node server": {
			"src/app.ts": "import { serve } from '@hono/node-server'\nserve({ fetch: app.fetch, port: 8787 })",
		},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			for file, contents := range files {
				writeFile(t, dir, file, contents)
			}
			det := detect(t, dir)
			assert.Equal(t, domain.LaneNodeWorker, det.Target)
			kinds := make([]domain.EvidenceKind, 0, len(det.Evidence))
			for _, ev := range det.Evidence {
				kinds = append(kinds, ev.Kind)
			}
			assert.Contains(t, kinds, domain.EvidenceServerEntry)
		})
	}
}

func TestDetectBuiltinInHelperSharedWithAPIRoute(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"14"}}`)
	writeFile(t, dir, "lib/db.ts", "import { readFile } from 'fs/promises'\nexport const load = () => readFile('data.json', 'utf8')")
	writeFile(t, dir, "pages/api/items.ts", "import { load } from '../../lib/db'\nexport default async function handler(req, res) { res.json(await load()) }")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneNodeWorker, det.Target)
	assert.Contains(t, strings.Join(det.Reasons, "\n"), "node built-in 'fs/promises' imported in lib/db.ts, shared with api routes")
}

func TestDetectHelperBuiltinWithoutAPIRouteStaysStatic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib/paths.ts", "import path from 'path'")
	writeFile(t, dir, "pages/index.tsx", "import fs from 'fs'\nexport default function Home() { return null }")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneStatic, det.Target)
	assert.Empty(t, det.Evidence)
}

func TestDetectIgnoresDependenciesAndConfigs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")
	writeFile(t, dir, "node_modules/pkg/api/index.js", "require('fs')")
	writeFile(t, dir, "vite.config.ts", "import path from 'path'")
	writeFile(t, dir, "dist/api/x.js", "require('fs')")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneStatic, det.Target)
	assert.Empty(t, det.Evidence)
}

func TestDetectStaticExport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"dependencies":{"next":"14"}}`)
	writeFile(t, dir, "next.config.mjs", "export default { output: 'export' }")
	writeFile(t, dir, "app/page.tsx", "export default function Page() { return null }")
	det := detect(t, dir)
	assert.Equal(t, domain.LaneStatic, det.Target)
	assert.InDelta(t, 0.98, det.Confidence, 0.001)
	assert.False(t, det.HasServerOnlyEvidence())
}

func TestDetectMissingDirFallsBack(t *testing.T) {
	det := detect(t, filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, domain.LaneStatic, det.Target)
	assert.Equal(t, domain.OriginFallback, det.Origin)
	assert.Empty(t, det.Evidence)
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadManifest(dir)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	writeFile(t, dir, "pages/api/x.ts", "import net from 'net'")
	det := detect(t, dir)
	require.NoError(t, WriteManifest(dir, det))
	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, det.Target, got.Target)
	assert.Equal(t, det.Reasons, got.Reasons)
	assert.Equal(t, det.Evidence, got.Evidence)

	// the manifest itself is never scanned as evidence
	again := detect(t, dir)
	assert.Equal(t, det.Evidence, again.Evidence)
}
