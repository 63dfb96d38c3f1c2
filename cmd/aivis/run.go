package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"aivis/internal/adapter/plan"
	"aivis/internal/domain"
	"aivis/internal/usecase/job"
)

// runFlags are the flags accepted by the run command.
type runFlags struct {
	Domain  string
	Tenant  string
	Plan    string
	Profile string
	Options map[string]string
	JSON    bool
}

// parseRunFlags reads run flags from args. --config is accepted and
// ignored here since configPath reads it.
func parseRunFlags(args []string) (runFlags, error) {
	flags := runFlags{Options: map[string]string{}}
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		name, _, _ := strings.Cut(args[i], "=")
		var err error
		switch name {
		case "--domain":
			flags.Domain, err = value(&i, name)
		case "--tenant":
			flags.Tenant, err = value(&i, name)
		case "--plan":
			flags.Plan, err = value(&i, name)
		case "--profile":
			flags.Profile, err = value(&i, name)
		case "--config":
			_, err = value(&i, name)
		case "--option":
			var kv string
			if kv, err = value(&i, name); err == nil {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return runFlags{}, fmt.Errorf("--option expects key=value, got %q", kv)
				}
				flags.Options[k] = v
			}
		case "--json":
			flags.JSON = true
		default:
			return runFlags{}, fmt.Errorf("unknown flag %q", args[i])
		}
		if err != nil {
			return runFlags{}, err
		}
	}

	if flags.Domain == "" {
		return runFlags{}, fmt.Errorf("--domain is required")
	}
	if flags.Profile != "" {
		flags.Options[plan.OptionProfile] = flags.Profile
	}
	return flags, nil
}

func runAnalysis(args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := buildEngine(cfg, log, flags.Plan)
	if err != nil {
		return err
	}
	defer eng.Close()

	var progress domain.PhaseCompleteFunc
	if !flags.JSON {
		progress = func(_ context.Context, phase string, summaries map[string]domain.AgentSummary) {
			printPhase(os.Stdout, phase, summaries)
		}
	}

	rec, runErr := eng.jobs.Run(ctx, job.Request{
		TenantID:     flags.Tenant,
		TargetDomain: flags.Domain,
		Options:      flags.Options,
	}, progress)
	if rec == nil {
		return runErr
	}

	if flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		printJob(os.Stdout, rec)
	}
	if runErr != nil {
		return fmt.Errorf("job %s %s: %w", rec.ID, rec.Status, runErr)
	}
	return nil
}

func printPhase(w io.Writer, phase string, summaries map[string]domain.AgentSummary) {
	fmt.Fprintf(w, "phase %s\n", phase)
	for _, id := range sortedKeys(summaries) {
		s := summaries[id]
		fmt.Fprintf(w, "  %-24s %s\n", id, s.Status)
	}
}

func printJob(w io.Writer, rec *domain.JobRecord) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "job %s: %s (%s)\n", rec.ID, rec.Status, rec.TargetDomain)
	if rec.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rec.Error)
	}
	fmt.Fprintf(w, "context: %d bytes, %d compressions\n", rec.SizeBytes, rec.Compressions)
	for _, id := range sortedKeys(rec.Summaries) {
		s := rec.Summaries[id]
		fmt.Fprintf(w, "\n[%s] %s\n", s.Status, id)
		if s.Reason != "" {
			fmt.Fprintf(w, "  reason: %s\n", s.Reason)
		}
		if s.Summary != "" {
			fmt.Fprintf(w, "  %s\n", s.Summary)
		}
		for _, f := range s.KeyFindings {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
