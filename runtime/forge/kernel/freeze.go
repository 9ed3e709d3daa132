package kernel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/protofab/protofab/runtime/forge/policy"
	"github.com/protofab/protofab/runtime/forge/prompt"
	"github.com/protofab/protofab/runtime/forge/session"
)

// frozenState carries the contract bundle captured at contract-freeze for the
// rest of the run. Guarded for parallel waves.
type frozenState struct {
	mu     sync.Mutex
	bundle *prompt.FrozenContracts
}

func (s *frozenState) set(fc prompt.FrozenContracts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundle == nil {
		s.bundle = &fc
	}
}

func (s *frozenState) get() *prompt.FrozenContracts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle
}

// freezeContracts flips the session contract policy to read-only and captures
// the digest bundle appended to every later model call. Runs once per run;
// repeated freeze tasks are no-ops.
func (k *Kernel) freezeContracts(ctx context.Context, sess *session.Session, fs *frozenState) {
	if fs.get() != nil {
		return
	}
	files, err := k.files.GetAllFiles(ctx, sess.ID)
	if err != nil {
		k.log.Error(ctx, "contract freeze: list session files", "err", err)
		return
	}

	var digests []prompt.FrozenFileDigest
	for _, f := range files {
		if !underFrozenPrefix(f.Path) {
			continue
		}
		digests = append(digests, contractDigest(f))
	}

	k.policies.FreezeContract(sess.ID, policy.DefaultFrozenPrefixes)
	fs.set(prompt.FrozenContracts{
		GeneratedAt: k.now().UTC(),
		Summary:     fmt.Sprintf("%d contract files frozen", len(digests)),
		Files:       digests,
	})
	k.log.Info(ctx, "contract freeze", "session", sess.ID, "files", len(digests))
}

func underFrozenPrefix(path string) bool {
	for _, prefix := range policy.DefaultFrozenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

var (
	exportValueRe = regexp.MustCompile(`(?m)^export\s+(?:default\s+)?(?:async\s+)?(?:function|const|class|let|var)\s+([A-Za-z_$][\w$]*)`)
	exportTypeRe  = regexp.MustCompile(`(?m)^export\s+(?:interface|type|enum)\s+([A-Za-z_$][\w$]*)`)
	exportBraceRe = regexp.MustCompile(`(?m)^export\s*\{([^}]*)\}`)
	signatureRe   = regexp.MustCompile(`(?m)^export\s+(?:async\s+)?function\s+([\w$]+\([^)]*\))`)
)

// contractDigest extracts the exported surface of one contract file. Digests
// come from lexical scans, not a TypeScript parser; a non-empty file yielding
// nothing is marked degraded so consumers know the summary is incomplete.
func contractDigest(f session.StoredFile) prompt.FrozenFileDigest {
	d := prompt.FrozenFileDigest{Path: f.Path}

	for _, m := range exportValueRe.FindAllStringSubmatch(f.Content, -1) {
		d.Exports = append(d.Exports, m[1])
	}
	for _, m := range exportBraceRe.FindAllStringSubmatch(f.Content, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(name)
			// "foo as bar" re-exports surface the public name.
			if i := strings.LastIndex(name, " as "); i >= 0 {
				name = strings.TrimSpace(name[i+len(" as "):])
			}
			if name != "" {
				d.Exports = append(d.Exports, name)
			}
		}
	}
	for _, m := range exportTypeRe.FindAllStringSubmatch(f.Content, -1) {
		d.TypeNames = append(d.TypeNames, m[1])
	}
	for _, m := range signatureRe.FindAllStringSubmatch(f.Content, -1) {
		d.Signatures = append(d.Signatures, m[1])
	}

	if strings.TrimSpace(f.Content) != "" && len(d.Exports) == 0 && len(d.TypeNames) == 0 {
		d.Degraded = true
	}
	return d
}
