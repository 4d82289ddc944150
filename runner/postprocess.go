package runner

import (
	"context"
	"strings"

	"github.com/genorch/orchestrator/sandbox"
)

// noisyPathPrefixes are sandbox paths post-processing ignores when
// collecting newly produced files (spec.md §4.7, "post-processing":
// "new-file collection with noise-path exclusion").
var noisyPathPrefixes = []string{
	"/home/user/.cache/",
	"/home/user/.npm/",
	"/tmp/",
	"/home/user/uploads/", // inputs, not outputs
}

// postProcess lists every file under /home/user in the sandbox, drops the
// noisy paths above, and logs how many of the rest appear by full path in
// the assistant's final answer text. It imports no skill drafts, does not
// limit the listing to files created during this generation, and stores
// nothing about the matched files.
func (r *Runner) postProcess(ctx context.Context, generationID string, sess sandbox.Session) error {
	g, err := r.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	finalText := finalAnswerText(g.ContentParts)
	files, err := listSandboxFiles(ctx, sess)
	if err != nil {
		return err
	}
	var mentioned []string
	for _, f := range files {
		if isNoisyPath(f) {
			continue
		}
		if strings.Contains(finalText, f) {
			mentioned = append(mentioned, f)
		}
	}
	if len(mentioned) == 0 {
		return nil
	}
	r.logger.Info(ctx, "post-processing collected files", "generation_id", generationID, "count", len(mentioned))
	return nil
}

func isNoisyPath(path string) bool {
	for _, prefix := range noisyPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// listSandboxFiles lists files under the sandbox's home directory via its
// Commands surface, since sandbox.Files only exposes read/write of
// individual paths (spec.md §4.4).
func listSandboxFiles(ctx context.Context, sess sandbox.Session) ([]string, error) {
	res, err := sess.Sandbox.Commands().Run(ctx, []string{"find", "/home/user", "-type", "f"}, sandbox.CommandOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
