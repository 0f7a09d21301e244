package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/vpsd/internal/auditlog"

	"github.com/spf13/cobra"
)

// defaultRetention is how long entries are kept when --older-than is not
// given.
const defaultRetention = "90d"

func PruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit entries",
		Long: `Delete audit entries older than a retention period.

Entries come from two sources: API requests ("POST /servers") and CLI
commands ("vpsd networks add"). --source limits the prune to one of
them. --keep-errors leaves failed requests in place for incident review.
--dry-run reports how many entries would go without deleting anything.

Durations accept Go syntax (72h) plus days (30d) and weeks (2w).

Examples:
  vpsd audit prune
  vpsd audit prune --older-than 30d --source api --keep-errors
  vpsd audit prune --older-than 2w --source cli --dry-run`,
		RunE:         runPrune,
		Annotations:  map[string]string{"audit": "true"},
		SilenceUsage: true,
	}

	cmd.Flags().String("older-than", defaultRetention, "Remove entries older than this (e.g. 30d, 2w, 72h)")
	cmd.Flags().String("source", auditlog.SourceAll, "Entries to remove: api, cli, or all")
	cmd.Flags().Bool("keep-errors", false, "Keep entries whose outcome was an error")
	cmd.Flags().Bool("dry-run", false, "Count matching entries without deleting them")

	return cmd
}

func runPrune(cmd *cobra.Command, args []string) error {
	olderThanRaw, _ := cmd.Flags().GetString("older-than")
	source, _ := cmd.Flags().GetString("source")
	keepErrors, _ := cmd.Flags().GetBool("keep-errors")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	olderThan, err := parseAge(strings.TrimSpace(olderThanRaw))
	if err != nil {
		return fmt.Errorf("--older-than: %w", err)
	}
	source = strings.ToLower(strings.TrimSpace(source))
	switch source {
	case auditlog.SourceAll, auditlog.SourceAPI, auditlog.SourceCLI:
	default:
		return fmt.Errorf("--source must be api, cli, or all, got %q", source)
	}

	repo, err := auditlog.Open()
	if err != nil {
		return err
	}
	defer repo.Close()

	filter := auditlog.PruneFilter{
		Before:     time.Now().Add(-olderThan),
		Source:     source,
		KeepErrors: keepErrors,
		DryRun:     dryRun,
	}
	n, err := repo.Prune(filter)
	if err != nil {
		return err
	}

	what := describe(n, source, keepErrors)
	before := filter.Before.Local().Format(time.DateTime)
	detail := fmt.Sprintf("%s before %s", what, before)
	if dryRun {
		detail = "dry run: " + detail
		fmt.Fprintf(cmd.OutOrStdout(), "Would remove %s recorded before %s.\n", what, before)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s recorded before %s.\n", what, before)
	}
	cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
		ResourceType: "audit_log",
		Detail:       detail,
	}))
	return nil
}

// describe renders e.g. "3 API audit entries (errors kept)".
func describe(n int64, source string, keepErrors bool) string {
	noun := "entries"
	if n == 1 {
		noun = "entry"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d ", n)
	if source != auditlog.SourceAll {
		b.WriteString(strings.ToUpper(source) + " ")
	}
	b.WriteString("audit " + noun)
	if keepErrors {
		b.WriteString(" (errors kept)")
	}
	return b.String()
}

// parseAge parses a positive duration, accepting day and week suffixes on
// top of time.ParseDuration.
func parseAge(input string) (time.Duration, error) {
	units := map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour}
	for suffix, unit := range units {
		if num, ok := strings.CutSuffix(input, suffix); ok {
			n, err := strconv.Atoi(num)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid duration %q", input)
			}
			return time.Duration(n) * unit, nil
		}
	}

	d, err := time.ParseDuration(input)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", input)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
