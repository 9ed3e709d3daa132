// Package validate runs the layered validation pipeline over a session's
// generated project: dependency scan, pre-build static checks, install,
// syntax / lint / type-check / build, and an optional headless-browser smoke
// probe. Tool output is parsed into typed, categorized errors the self-repair
// loop can act on.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type (
	// Category classifies a validation finding.
	Category string

	// ParsedError is one categorized validation finding.
	ParsedError struct {
		Category Category `json:"category"`
		Message  string   `json:"message"`
		// Raw is the source line the finding was parsed from.
		Raw    string `json:"raw"`
		File   string `json:"file,omitempty"`
		Line   int    `json:"line,omitempty"`
		Column int    `json:"column,omitempty"`
		// Code is the tool-specific error code (e.g. TS2304).
		Code string `json:"code,omitempty"`
		// MissingPackage names the package a MISSING_DEPENDENCY finding wants.
		MissingPackage string `json:"missingPackage,omitempty"`
		// MissingTypes lists @types packages suggested by the type checker.
		MissingTypes []string `json:"missingTypes,omitempty"`
	}
)

// Finding categories.
const (
	CategoryMissingDependency Category = "MISSING_DEPENDENCY"
	CategoryTypeError         Category = "TYPE_ERROR"
	CategoryImportError       Category = "IMPORT_ERROR"
	CategorySyntaxError       Category = "SYNTAX_ERROR"
	CategoryConfigError       Category = "CONFIG_ERROR"
	CategoryBuildError        Category = "BUILD_ERROR"
	CategoryUnknown           Category = "UNKNOWN"
)

// Repairable reports whether a category is actionable by the self-repair
// loop. UNKNOWN findings are surfaced but never drive repair iterations.
func Repairable(c Category) bool {
	return c != CategoryUnknown && c != ""
}

// SplitRepairable partitions findings into repairable and fatal sets,
// preserving order.
func SplitRepairable(errs []ParsedError) (repairable, fatal []ParsedError) {
	for _, e := range errs {
		if Repairable(e.Category) {
			repairable = append(repairable, e)
		} else {
			fatal = append(fatal, e)
		}
	}
	return repairable, fatal
}

var (
	// src/App.tsx(12,5): error TS2304: Cannot find name 'foo'.
	tscLineRe = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): error (TS\d+): (.+)$`)
	// src/App.tsx:12:5 - error TS2304: Cannot find name 'foo'.
	tscPrettyRe = regexp.MustCompile(`^(.+?):(\d+):(\d+) - error (TS\d+): (.+)$`)

	cannotFindModuleRe = regexp.MustCompile(`[Cc]annot find module '([^']+)'`)
	failedResolveRe    = regexp.MustCompile(`[Ff]ailed to resolve (?:import|module) "([^"]+)"`)
	typesHintRe        = regexp.MustCompile("`(@types/[\\w./-]+)`")

	// file:line:col: SyntaxError / Unexpected token forms from esbuild, node
	// and bundler output.
	syntaxRe = regexp.MustCompile(`(?i)syntax ?error|unexpected token|unterminated|parse error`)
	configRe = regexp.MustCompile(`(?i)invalid (?:config|configuration)|missing script|could not read package\.json|tsconfig`)
)

// missingTypeCodes are tsc codes whose resolution failure usually means a
// package (or its type stubs) is not installed rather than a bad local path.
var missingTypeCodes = map[string]bool{"TS2307": true, "TS7016": true}

// ParseTypeScriptOutput parses `tsc --noEmit` diagnostics into findings.
// Module-resolution failures against bare specifiers become
// MISSING_DEPENDENCY; against relative paths, IMPORT_ERROR.
func ParseTypeScriptOutput(out string) []ParsedError {
	var errs []ParsedError
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := tscLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			m = tscPrettyRe.FindStringSubmatch(trimmed)
		}
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		colNo, _ := strconv.Atoi(m[3])
		e := ParsedError{
			Category: CategoryTypeError,
			Message:  m[5],
			Raw:      trimmed,
			File:     m[1],
			Line:     lineNo,
			Column:   colNo,
			Code:     m[4],
		}
		if missingTypeCodes[e.Code] {
			if mm := cannotFindModuleRe.FindStringSubmatch(e.Message); mm != nil {
				if isRelativeSpecifier(mm[1]) {
					e.Category = CategoryImportError
				} else {
					e.Category = CategoryMissingDependency
					e.MissingPackage = packageName(mm[1])
				}
			}
			for _, tm := range typesHintRe.FindAllStringSubmatch(e.Message, -1) {
				e.MissingTypes = append(e.MissingTypes, tm[1])
			}
		}
		errs = append(errs, e)
	}
	return errs
}

// ClassifyToolOutput categorizes one raw tool-output line that is not in tsc
// diagnostic form (bundler, linter, npm output).
func ClassifyToolOutput(raw string) ParsedError {
	trimmed := strings.TrimSpace(raw)
	e := ParsedError{Message: trimmed, Raw: trimmed}
	switch {
	case trimmed == "":
		e.Category = CategoryUnknown
	case cannotFindModuleRe.MatchString(trimmed):
		m := cannotFindModuleRe.FindStringSubmatch(trimmed)
		if isRelativeSpecifier(m[1]) {
			e.Category = CategoryImportError
		} else {
			e.Category = CategoryMissingDependency
			e.MissingPackage = packageName(m[1])
		}
	case failedResolveRe.MatchString(trimmed):
		m := failedResolveRe.FindStringSubmatch(trimmed)
		if isRelativeSpecifier(m[1]) {
			e.Category = CategoryImportError
		} else {
			e.Category = CategoryMissingDependency
			e.MissingPackage = packageName(m[1])
		}
	case syntaxRe.MatchString(trimmed):
		e.Category = CategorySyntaxError
	case configRe.MatchString(trimmed):
		e.Category = CategoryConfigError
	default:
		e.Category = CategoryUnknown
	}
	return e
}

// ClassifyBuildOutput parses a failed build's combined output: tsc-style
// diagnostics keep their category, recognizable lines classify individually,
// and anything else folds into one BUILD_ERROR carrying the output tail.
func ClassifyBuildOutput(out string) []ParsedError {
	if diags := ParseTypeScriptOutput(out); len(diags) > 0 {
		return diags
	}
	var errs []ParsedError
	recognized := false
	for _, line := range strings.Split(out, "\n") {
		e := ClassifyToolOutput(line)
		if e.Category != CategoryUnknown {
			recognized = true
			errs = append(errs, e)
		}
	}
	if !recognized {
		errs = append(errs, ParsedError{
			Category: CategoryBuildError,
			Message:  "build failed",
			Raw:      tail(out, 2000),
		})
	}
	return errs
}

func isRelativeSpecifier(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == ".."
}

// packageName reduces an import specifier to its installable package name.
// Scoped specifiers keep @scope/pkg, others keep the first segment.
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (e ParsedError) String() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s:%d:%d %s", e.Category, e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s %s", e.Category, e.Message)
}
