package validate

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/protofab/protofab/runtime/forge/session"
)

type (
	// MissingPackage is one package imported by the project but absent from
	// package.json.
	MissingPackage struct {
		Name string `json:"name"`
		// Dev marks packages that belong in devDependencies.
		Dev bool `json:"dev"`
	}

	// DependencyReport is the outcome of a dependency scan.
	DependencyReport struct {
		// Imported lists every external package name referenced by source
		// files, sorted.
		Imported []string `json:"imported"`
		// Missing lists imported packages not declared in package.json,
		// sorted by name.
		Missing []MissingPackage `json:"missing"`
	}
)

var (
	importFromRe    = regexp.MustCompile(`(?m)^\s*import\s+(?:type\s+)?(?:[\w$*{},\s]+?\s+from\s+)?['"]([^'"]+)['"]`)
	exportFromRe    = regexp.MustCompile(`(?m)^\s*export\s+(?:type\s+)?[\w$*{},\s]+?\s+from\s+['"]([^'"]+)['"]`)
	requireCallRe   = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	dynamicImportRe = regexp.MustCompile(`import\(\s*['"]([^'"]+)['"]\s*\)`)
)

// nodeBuiltins are resolved by the runtime, never installed.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "https": true, "module": true,
	"net": true, "os": true, "path": true, "process": true, "querystring": true,
	"readline": true, "stream": true, "string_decoder": true, "timers": true,
	"tls": true, "url": true, "util": true, "worker_threads": true, "zlib": true,
}

// devHints are packages that belong in devDependencies when missing.
var devHints = map[string]bool{
	"tailwindcss": true, "postcss": true, "typescript": true, "eslint": true,
	"prettier": true, "vitest": true, "vite": true, "webpack": true, "rollup": true,
}

// sourceFileSuffixes limit the scan to JS/TS sources.
var sourceFileSuffixes = []string{".ts", ".tsx", ".js", ".jsx"}

// ScanDependencies extracts external package imports from the session's
// source files and reports the ones package.json does not declare. The scan
// is purely lexical; it never resolves files on disk.
func ScanDependencies(files []session.StoredFile) DependencyReport {
	installed := installedPackages(files)

	imported := make(map[string]bool)
	for _, f := range files {
		if !isSourceFile(f.Path) {
			continue
		}
		for _, re := range []*regexp.Regexp{importFromRe, exportFromRe, requireCallRe, dynamicImportRe} {
			for _, m := range re.FindAllStringSubmatch(f.Content, -1) {
				spec := m[1]
				if isRelativeSpecifier(spec) || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "@/") {
					continue
				}
				name := packageName(strings.TrimPrefix(spec, "node:"))
				if name == "" || nodeBuiltins[name] || strings.HasPrefix(spec, "node:") {
					continue
				}
				imported[name] = true
			}
		}
	}

	var report DependencyReport
	for name := range imported {
		report.Imported = append(report.Imported, name)
		if !installed[name] {
			report.Missing = append(report.Missing, MissingPackage{Name: name, Dev: devPackage(name)})
		}
	}
	sort.Strings(report.Imported)
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i].Name < report.Missing[j].Name })
	return report
}

// MissingDependencyErrors converts a report's missing set into findings for
// the repair loop.
func MissingDependencyErrors(report DependencyReport) []ParsedError {
	var errs []ParsedError
	for _, m := range report.Missing {
		kind := "dependency"
		if m.Dev {
			kind = "dev dependency"
		}
		errs = append(errs, ParsedError{
			Category:       CategoryMissingDependency,
			Message:        kind + " " + m.Name + " is imported but not declared in package.json",
			Raw:            m.Name,
			MissingPackage: m.Name,
		})
	}
	return errs
}

func installedPackages(files []session.StoredFile) map[string]bool {
	installed := make(map[string]bool)
	for _, f := range files {
		if f.Path != "package.json" {
			continue
		}
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
			return installed
		}
		for name := range pkg.Dependencies {
			installed[name] = true
		}
		for name := range pkg.DevDependencies {
			installed[name] = true
		}
		return installed
	}
	return installed
}

func devPackage(name string) bool {
	return strings.HasPrefix(name, "@types/") || devHints[name]
}

func isSourceFile(path string) bool {
	for _, suffix := range sourceFileSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
