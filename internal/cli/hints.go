package cli

import (
	"fmt"
	"io"
)

// HintContext provides context for generating relevant next steps.
type HintContext struct {
	// Action is the command that was executed (e.g. "submit", "profile_add").
	Action string

	// JobID is the job involved (if any).
	JobID string

	// Connection repeats the flags that selected the target, e.g. "-H gpu".
	Connection string

	// ProfileName is the profile involved (if any).
	ProfileName string

	// Inferred marks a completion concluded from the job disappearing.
	Inferred bool
}

// printNextSteps prints contextual next steps after a successful command.
func printNextSteps(w io.Writer, ctx HintContext) {
	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(w, "  %s\n", hint)
	}
}

func generateHints(ctx HintContext) []string {
	switch ctx.Action {
	case "submit_detached":
		return hintsForDetached(ctx)
	case "submit":
		return hintsForSubmit(ctx)
	case "profile_add":
		return hintsForProfileAdd(ctx)
	default:
		return nil
	}
}

func hintsForDetached(ctx HintContext) []string {
	if ctx.JobID == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("slurmssh status %s%s   # Check the job", ctx.JobID, connectionSuffix(ctx)),
		"slurmssh history                # List recorded jobs",
	}
}

func hintsForSubmit(ctx HintContext) []string {
	if !ctx.Inferred {
		return nil
	}
	return []string{
		fmt.Sprintf("slurmssh status %s%s   # Ask the scheduler again", ctx.JobID, connectionSuffix(ctx)),
		"Inspect the job output above; the scheduler no longer reports this job",
	}
}

func hintsForProfileAdd(ctx HintContext) []string {
	return []string{
		fmt.Sprintf("slurmssh profile use %s        # Make it the default", ctx.ProfileName),
		fmt.Sprintf("slurmssh submit job.sh -p %s   # Submit with it", ctx.ProfileName),
	}
}

func connectionSuffix(ctx HintContext) string {
	if ctx.Connection == "" {
		return ""
	}
	return " " + ctx.Connection
}
