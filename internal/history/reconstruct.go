package history

import (
	"fmt"
	"strings"
)

// ReconstructContext rebuilds the agent's working context after a restart:
// every summary in chain order prefixed "Summary k: ", then up to
// recentWindow trailing raw turns rendered "Role: content", then the
// optional tail digest. Empty when there is nothing to rebuild.
func (s *Store) ReconstructContext(recentWindow int, tailDigest string) string {
	var parts []string
	for k, sum := range s.Summaries() {
		parts = append(parts, fmt.Sprintf("Summary %d: %s", k+1, sum.Digest))
	}
	for _, t := range s.RecentTurns(recentWindow) {
		parts = append(parts, renderTurn(t))
	}
	if strings.TrimSpace(tailDigest) != "" {
		parts = append(parts, tailDigest)
	}
	return strings.Join(parts, "\n")
}
