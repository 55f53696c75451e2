// Package identity derives stable agent identifiers and holds the
// single-instance lock that keeps one agent process per identity on a bus.
package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/fault"
)

// CodeDuplicate is returned when another live process holds the same id.
const CodeDuplicate = "agent.duplicate"

var segmentRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Identity is a derived (project, name) pair. The agent id is
// "project/name" and is deterministic for identical inputs.
type Identity struct {
	Project string
	Name    string
}

// ID returns the canonical agent id.
func (i Identity) ID() string {
	return i.Project + "/" + i.Name
}

// Derive computes the agent identity. Precedence per segment: explicit
// override, configured value, filesystem fallback (config directory
// basename for project, working directory basename for name). The
// derivation is pure apart from reading the working directory when cfg
// leaves it empty.
func Derive(cfg *config.Config, projectOverride, nameOverride string) (Identity, error) {
	project := firstNonEmpty(projectOverride, cfg.Agent.Project, filepath.Base(cfg.ConfigDir))
	if project == "" || project == "." || project == string(filepath.Separator) {
		project = "default"
	}

	workDir := cfg.Agent.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Identity{}, fault.Wrap("agent.no_config", err)
		}
		workDir = wd
	}
	name := firstNonEmpty(nameOverride, cfg.Agent.Name, filepath.Base(workDir))

	id := Identity{Project: sanitize(project), Name: sanitize(name)}
	if id.Project == "" || id.Name == "" {
		return Identity{}, fault.Newf("agent.no_config",
			"cannot derive agent id from project %q and name %q", project, name)
	}
	return id, nil
}

// sanitize maps a raw segment onto the [A-Za-z0-9_-]+ domain by replacing
// every disallowed run with a single dash. Deterministic by construction.
func sanitize(segment string) string {
	return strings.Trim(segmentRe.ReplaceAllString(segment, "-"), "-")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
