package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/caller"
	"github.com/Mindburn-Labs/fedresolve/pkg/chain"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/orchestration"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
	"github.com/Mindburn-Labs/fedresolve/pkg/store"
)

// parseInterspersed lets flags follow positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// withApp wires the service for the duration of fn.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

func parseEntityID(s string) (source.EntityID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entity id %q is not an integer", s)
	}
	return source.EntityID(id), nil
}

// runResolveCmd implements `fedresolve resolve <type> <id>`.
//
// A --token, when given, replaces --role, --mode, --strategy and --flags
// with the claims of an HS256 token signed with FEDRESOLVE_TOKEN_SECRET.
func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resolve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		role     string
		mode     string
		strategy string
		flags    string
		timeout  time.Duration
		token    string
	)
	cmd.StringVar(&role, "role", "", "Caller role (default from the masking policy)")
	cmd.StringVar(&mode, "mode", "", "FIRST_SUCCESS or ALL_FOR_CONFLICT_RESOLUTION")
	cmd.StringVar(&strategy, "strategy", "", "CONSERVATIVE, MOST_RECENT, HIGHEST_PRIORITY or MAJORITY")
	cmd.StringVar(&flags, "flags", "", "Comma-separated feature flags, !name disables")
	cmd.DurationVar(&timeout, "timeout", 0, "Overall resolution timeout")
	cmd.StringVar(&token, "token", "", "Signed caller token")

	positional, err := parseInterspersed(cmd, args)
	if err != nil {
		return 2
	}
	if len(positional) != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: fedresolve resolve <type> <id> [flags]")
		return 2
	}
	entityType := source.EntityType(positional[0])
	id, err := parseEntityID(positional[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		c, err := callerContext(a, role, mode, strategy, flags, token)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if timeout > 0 {
			c.Timeout = timeout
		}

		out, err := a.svc.Resolve(ctx, entityType, id, c)
		switch {
		case errors.Is(err, orchestration.ErrNotFound):
			_, _ = fmt.Fprintf(stderr, "%s %d not found\n", entityType, id)
			return 1
		case errors.Is(err, chain.ErrInvalidChain):
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		writeJSON(stdout, out)
		return 0
	})
}

func callerContext(a *app, role, mode, strategy, flags, token string) (caller.Context, error) {
	if token != "" {
		if a.cfg.TokenSecret == "" {
			return caller.Context{}, errors.New("--token needs FEDRESOLVE_TOKEN_SECRET")
		}
		v, err := caller.NewHMACVerifier([]byte(a.cfg.TokenSecret))
		if err != nil {
			return caller.Context{}, err
		}
		return v.FromToken(token)
	}

	c := caller.Context{Role: role, Flags: caller.ParseFlags(flags)}
	m, err := resolver.ParseMode(mode)
	if err != nil {
		return caller.Context{}, err
	}
	c.Mode = m
	if strategy != "" {
		st, err := conflict.ParseStrategy(strategy)
		if err != nil {
			return caller.Context{}, err
		}
		c.Strategy = st
	}
	return c, nil
}

// runChainsCmd prints `type: A -> B -> C` for one type or every type.
func runChainsCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: fedresolve chains [type]")
		return 2
	}
	return withApp(stderr, func(_ context.Context, a *app) int {
		var chains []*chain.Chain
		if len(args) == 1 {
			c, err := a.svc.Chain(source.EntityType(args[0]))
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			chains = append(chains, c)
		} else {
			all, err := a.svc.Chains()
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			chains = all
		}
		for _, c := range chains {
			_, _ = fmt.Fprintln(stdout, c.String())
		}
		return 0
	})
}

type sourceRow struct {
	Name     string              `json:"name"`
	Kind     string              `json:"kind"`
	Priority int                 `json:"priority"`
	Types    []source.EntityType `json:"types"`
	Fallback string              `json:"fallback,omitempty"`
	Version  string              `json:"version,omitempty"`
}

// runSourcesCmd lists the catalog in priority order.
func runSourcesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sources", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(_ context.Context, a *app) int {
		rows := make([]sourceRow, 0, len(a.catalog.Sources))
		for _, sc := range a.catalog.Sources {
			rows = append(rows, sourceRow{
				Name:     sc.Name,
				Kind:     string(sc.Kind),
				Priority: sc.Priority,
				Types:    sc.Types,
				Fallback: sc.Fallback,
				Version:  sc.Version,
			})
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].Priority != rows[j].Priority {
				return rows[i].Priority < rows[j].Priority
			}
			return rows[i].Name < rows[j].Name
		})

		if *jsonOutput {
			writeJSON(stdout, rows)
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tKIND\tPRIORITY\tTYPES\tFALLBACK")
		for _, r := range rows {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Name, r.Kind, r.Priority, joinTypes(r.Types), r.Fallback)
		}
		_ = tw.Flush()
		return 0
	})
}

func joinTypes(types []source.EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// runHealthCmd exits 1 when any source is unavailable.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		report := a.svc.Health(ctx)
		healthy := true
		for _, h := range report {
			healthy = healthy && h.Available
		}

		if *jsonOutput {
			writeJSON(stdout, report)
		} else {
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SOURCE\tAVAILABLE\tBREAKER\tTYPES")
			for _, h := range report {
				_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", h.Name, h.Available, h.Breaker, joinTypes(h.Types))
			}
			_ = tw.Flush()
		}
		if !healthy {
			return 1
		}
		return 0
	})
}

// runReceiptsCmd lists recent receipts, or the latest one for --type/--id.
func runReceiptsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipts", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		limit      int
		entityType string
		entityID   string
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 20, "Maximum receipts to list")
	cmd.StringVar(&entityType, "type", "", "Entity type for the latest receipt")
	cmd.StringVar(&entityID, "id", "", "Entity id for the latest receipt")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (entityType == "") != (entityID == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --type and --id go together")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		var list []*store.Receipt
		if entityType != "" {
			id, err := parseEntityID(entityID)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			r, err := a.receipts.LastForEntity(ctx, source.EntityType(entityType), id)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			if r == nil {
				_, _ = fmt.Fprintf(stderr, "no receipt for %s %d\n", entityType, id)
				return 1
			}
			list = append(list, r)
		} else {
			var err error
			list, err = a.receipts.List(ctx, limit)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}

		if jsonOutput {
			writeJSON(stdout, list)
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tENTITY\tOUTCOME\tROLE\tSOURCES\tMASKED")
		for _, r := range list {
			_, _ = fmt.Fprintf(tw, "%s\t%s/%d\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Format(time.RFC3339), r.EntityType, r.EntityID, r.Outcome, r.Role,
				strings.Join(r.Sources, ","), strings.Join(r.MaskedFields, ","))
		}
		_ = tw.Flush()
		return 0
	})
}
