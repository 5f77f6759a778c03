package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/octomem/pkg/diode"
	"github.com/dotsetgreg/octomem/pkg/maintenance"
	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/router"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/subsystem"
	"github.com/dotsetgreg/octomem/pkg/value"
)

func executeCLI() error {
	root := buildRootCommand()
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand() *cobra.Command {
	opts := &globalOptions{}
	var showVersion bool

	root := &cobra.Command{
		Use:   "octomem",
		Short: "Hybrid graph and vector memory for multi-arm agents",
		Long: strings.TrimSpace(`octomem is the memory subsystem shared by agent arms.

Writes and reads go through capability-checked diodes that redact PII and
record every access in an append-only audit log. Queries are routed to the
knowledge graph, an arm's private vector collection, or both.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (JSON or YAML, default ~/.octomem/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newTokenCommand(opts))
	root.AddCommand(newWriteCommand(opts))
	root.AddCommand(newLinkCommand(opts))
	root.AddCommand(newDeleteCommand(opts))
	root.AddCommand(newRememberCommand(opts))
	root.AddCommand(newQueryCommand(opts))
	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newTaskCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newAuditCommand(opts))
	root.AddCommand(newMaintainCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withSubsystem opens the subsystem for the duration of fn.
func withSubsystem(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, s *subsystem.Subsystem) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newTokenCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint capability tokens and manage the signing key",
	}

	var (
		arm    string
		grants []string
		ttl    time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a capability token for an arm",
		Example: strings.Join([]string{
			"  octomem token mint --arm executor --grant write:tool --grant read:graph",
			"  octomem token mint --arm planner --grant search:collection:executor --ttl 10m",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			key, err := security.LoadSigningKey(security.KeySource{
				Key:     cfg.Security.SigningKey,
				Service: cfg.Security.KeyringService,
				User:    cfg.Security.KeyringUser,
			})
			if err != nil {
				return err
			}
			issuer, err := security.NewIssuer(key, cfg.Security.Issuer)
			if err != nil {
				return err
			}
			parsed := make([]security.Grant, 0, len(grants))
			for _, raw := range grants {
				g, err := security.ParseGrant(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, g)
			}
			tok, err := issuer.Mint(arm, parsed, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	mint.Flags().StringVar(&arm, "arm", "", "Arm the token is issued to")
	mint.Flags().StringArrayVarP(&grants, "grant", "g", nil, "Grant as operation:resource (repeatable)")
	mint.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = mint.MarkFlagRequired("arm")

	var service, user string
	keygen := &cobra.Command{
		Use:     "keygen",
		Short:   "Generate a signing key and store it in the OS keyring",
		Example: "  octomem token keygen --service octomem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := security.GenerateSigningKey(service, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signing key stored in keyring service %q\n", service)
			return nil
		},
	}
	keygen.Flags().StringVar(&service, "service", security.DefaultKeyringService, "Keyring service name")
	keygen.Flags().StringVar(&user, "user", security.DefaultKeyringUser, "Keyring user name")

	cmd.AddCommand(mint, keygen)
	return cmd
}

func newWriteCommand(opts *globalOptions) *cobra.Command {
	var arm, token, entityType, name, props, taskID string

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Create an entity through the write diode",
		Example: strings.Join([]string{
			`  octomem write --arm executor --type tool --name nmap \`,
			`    --props '{"description":"network scanner","capabilities":["port_scan"]}'`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(token)
			if err != nil {
				return err
			}
			p, err := parseProps(props)
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				id, err := s.Write.Write(diode.WithTaskID(ctx, taskID), arm, tok, entityType, name, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&arm, "arm", "", "Calling arm")
	cmd.Flags().StringVar(&token, "token", "", "Capability token (default $OCTOMEM_TOKEN)")
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type")
	cmd.Flags().StringVar(&name, "name", "", "Entity name")
	cmd.Flags().StringVar(&props, "props", "", "Properties as a JSON object, or @file")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id recorded in the audit log")
	_ = cmd.MarkFlagRequired("arm")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newLinkCommand(opts *globalOptions) *cobra.Command {
	var arm, token, from, to, relType, props, taskID string

	cmd := &cobra.Command{
		Use:     "link",
		Short:   "Create a relationship through the write diode",
		Example: "  octomem link --arm executor --from <id> --to <id> --type uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(token)
			if err != nil {
				return err
			}
			p, err := parseProps(props)
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				id, err := s.Write.Link(diode.WithTaskID(ctx, taskID), arm, tok, from, to, relType, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&arm, "arm", "", "Calling arm")
	cmd.Flags().StringVar(&token, "token", "", "Capability token (default $OCTOMEM_TOKEN)")
	cmd.Flags().StringVar(&from, "from", "", "Source entity id")
	cmd.Flags().StringVar(&to, "to", "", "Target entity id")
	cmd.Flags().StringVar(&relType, "type", "", "Relationship type")
	cmd.Flags().StringVar(&props, "props", "", "Properties as a JSON object, or @file")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id recorded in the audit log")
	_ = cmd.MarkFlagRequired("arm")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newDeleteCommand(opts *globalOptions) *cobra.Command {
	var arm, token, taskID string

	cmd := &cobra.Command{
		Use:     "delete <entity-id>",
		Short:   "Delete an entity and its relationships through the write diode",
		Example: "  octomem delete --arm executor 0f8fa1b2-3c4d-4e5f-8a9b-0c1d2e3f4a5b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(token)
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				deleted, err := s.Write.Delete(diode.WithTaskID(ctx, taskID), arm, tok, args[0])
				if err != nil {
					return err
				}
				if !deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "Entity %s not found\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&arm, "arm", "", "Calling arm")
	cmd.Flags().StringVar(&token, "token", "", "Capability token (default $OCTOMEM_TOKEN)")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id recorded in the audit log")
	_ = cmd.MarkFlagRequired("arm")
	return cmd
}

func newRememberCommand(opts *globalOptions) *cobra.Command {
	var arm, payload string

	cmd := &cobra.Command{
		Use:     "remember <text>",
		Short:   "Store text in an arm's private vector collection",
		Example: `  octomem remember --arm executor "nmap -sV found ssh on 22"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProps(payload)
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				text := s.Sanitizer.RedactString(strings.Join(args, " "))
				id, err := s.Vectors.Collection(arm).Store(ctx, text, s.Sanitizer.RedactMap(p))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&arm, "arm", "", "Owning arm")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload as a JSON object of string fields, or @file")
	_ = cmd.MarkFlagRequired("arm")
	return cmd
}

// queryFlags are shared by query and shell.
type queryFlags struct {
	arm        string
	token      string
	limit      int
	queryType  string
	entityID   string
	resource   string
	relType    string
	depth      int
	collection string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.arm, "arm", "", "Calling arm")
	cmd.Flags().StringVar(&f.token, "token", "", "Capability token (default $OCTOMEM_TOKEN)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Maximum results (default from config)")
	cmd.Flags().StringVar(&f.queryType, "type", "", "Force query type: entity, traversal, history, similarity, hybrid")
	cmd.Flags().StringVar(&f.entityID, "entity", "", "Anchor entity id")
	cmd.Flags().StringVar(&f.resource, "resource", "", "Entity type to read (default every granted type)")
	cmd.Flags().StringVar(&f.relType, "rel", "", "Relationship type for traversals")
	cmd.Flags().IntVar(&f.depth, "depth", 0, "Traversal depth")
	cmd.Flags().StringVar(&f.collection, "collection", "", "Search another arm's collection (needs search:collection:<arm>)")
	_ = cmd.MarkFlagRequired("arm")
}

func (f *queryFlags) hints() (router.Hints, error) {
	qt, err := router.ParseQueryType(f.queryType)
	if err != nil {
		return router.Hints{}, err
	}
	return router.Hints{
		Type:             qt,
		EntityID:         f.entityID,
		ResourceType:     f.resource,
		RelationshipType: f.relType,
		MaxDepth:         f.depth,
		Collection:       f.collection,
	}, nil
}

func newQueryCommand(opts *globalOptions) *cobra.Command {
	f := &queryFlags{}

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a routed memory query",
		Example: strings.Join([]string{
			"  octomem query --arm planner \"nmap\"",
			"  octomem query --arm planner \"what is connected to 0f8fa1b2-3c4d-4e5f-8a9b-0c1d2e3f4a5b\"",
			"  octomem query --arm planner --type history \"scan the staging subnet\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(f.token)
			if err != nil {
				return err
			}
			hints, err := f.hints()
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				resp, err := s.Router.Query(ctx, router.Request{
					ArmID: f.arm,
					Token: tok,
					Text:  strings.Join(args, " "),
					Limit: f.limit,
					Hints: hints,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newShellCommand(opts *globalOptions) *cobra.Command {
	f := &queryFlags{}

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive query shell",
		Long: strings.TrimSpace(`Read queries line by line and print routed results.

Shell commands:
  :type <t>    force a query type (empty clears)
  :limit <n>   set the result limit
  exit, quit   leave the shell`),
		Example: "  octomem shell --arm planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(f.token)
			if err != nil {
				return err
			}
			hints, err := f.hints()
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				return interactiveShell(ctx, cmd.OutOrStdout(), s.Router, f.arm, tok, f.limit, hints)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func interactiveShell(ctx context.Context, out io.Writer, r *router.Router, arm, token string, limit int, hints router.Hints) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s %s> ", appName, arm),
		HistoryFile:     filepath.Join(os.TempDir(), ".octomem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case strings.HasPrefix(input, ":type"):
			qt, err := router.ParseQueryType(strings.TrimSpace(strings.TrimPrefix(input, ":type")))
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			hints.Type = qt
			continue
		case strings.HasPrefix(input, ":limit"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(input, ":limit")))
			if err != nil || n < 0 {
				fmt.Fprintln(out, "Error: :limit needs a non-negative integer")
				continue
			}
			limit = n
			continue
		}

		resp, err := r.Query(ctx, router.Request{ArmID: arm, Token: token, Text: input, Limit: limit, Hints: hints})
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		printShellResponse(out, resp)
	}
}

func printShellResponse(out io.Writer, resp router.Response) {
	header := fmt.Sprintf("%s query, %d result(s)", resp.QueryType, len(resp.Items))
	if resp.Partial {
		header += ", partial"
	}
	if resp.Cached {
		header += ", cached"
	}
	fmt.Fprintln(out, header)
	for i, it := range resp.Items {
		label := it.Kind
		if it.EntityType != "" {
			label = it.EntityType
		}
		fmt.Fprintf(out, "%2d. [%s %.3f] %s (%s) %s\n", i+1, it.Source, it.Score, it.Title, label, it.ID)
	}
	fmt.Fprintln(out)
}

func newTaskCommand(opts *globalOptions) *cobra.Command {
	var (
		taskID   string
		goal     string
		success  bool
		duration time.Duration
		cost     float64
		plan     string
		result   string
	)

	cmd := &cobra.Command{
		Use:     "task",
		Short:   "Append a finished task to the task history",
		Example: `  octomem task --id t-42 --goal "scan staging subnet" --success --duration 2m --cost 3.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			planValue, err := parseJSONValue(plan)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			resultValue, err := parseJSONValue(result)
			if err != nil {
				return fmt.Errorf("result: %w", err)
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				rec := memory.TaskHistoryRecord{
					TaskID:    taskID,
					GoalText:  s.Sanitizer.RedactString(goal),
					Plan:      s.Sanitizer.Redact(planValue),
					Result:    s.Sanitizer.Redact(resultValue),
					Success:   success,
					Duration:  duration,
					CostUnits: cost,
				}
				if err := s.Graph.LogTask(ctx, rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded task %s\n", taskID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	cmd.Flags().StringVar(&goal, "goal", "", "Goal text")
	cmd.Flags().BoolVar(&success, "success", false, "Task succeeded")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Task duration")
	cmd.Flags().Float64Var(&cost, "cost", 0, "Cost units")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan as JSON")
	cmd.Flags().StringVar(&result, "result", "", "Result as JSON")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func parseJSONValue(raw string) (value.Value, error) {
	if strings.TrimSpace(raw) == "" {
		return value.Null(), nil
	}
	var v value.Value
	if err := v.UnmarshalJSON([]byte(raw)); err != nil {
		return value.Value{}, err
	}
	return v, nil
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	var (
		arm, token string
		window     time.Duration
	)

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show task success rate and latency percentiles",
		Example: "  octomem stats --arm planner --window 24h",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := resolveToken(token)
			if err != nil {
				return err
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				until := time.Now()
				res, err := s.Read.Read(ctx, arm, tok, diode.ReadQuery{
					Kind:  diode.KindTaskStats,
					Since: until.Add(-window),
					Until: until,
				})
				if err != nil {
					return err
				}
				st := res.Stats
				if st == nil {
					st = &memory.TaskStats{}
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Tasks (last %s): %d\n", window, st.Total)
				fmt.Fprintf(w, "  Succeeded: %d (%.1f%%)\n", st.Succeeded, st.SuccessRate*100)
				fmt.Fprintf(w, "  Latency p50/p95/p99: %s / %s / %s\n", st.P50, st.P95, st.P99)
				fmt.Fprintf(w, "  Total cost: %.2f\n", st.TotalCost)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&arm, "arm", "", "Calling arm (needs read:task_history)")
	cmd.Flags().StringVar(&token, "token", "", "Capability token (default $OCTOMEM_TOKEN)")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Trailing window")
	_ = cmd.MarkFlagRequired("arm")
	return cmd
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	var (
		filter memory.ActionFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit log records",
		Example: strings.Join([]string{
			"  octomem audit --arm executor",
			"  octomem audit --task t-42 --since 1h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				recs, err := s.Graph.ListActions(ctx, filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range recs {
					fmt.Fprintf(w, "%s  %-10s %-7s %-36s %s", r.Timestamp.Format(time.RFC3339), r.ArmID, r.ActionType, r.ResourceID, r.Result)
					if r.TaskID != "" {
						fmt.Fprintf(w, "  task=%s", r.TaskID)
					}
					if len(r.ActionDetails) > 0 {
						fmt.Fprintf(w, "  %s", value.Object(r.ActionDetails))
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.ArmID, "arm", "", "Only this arm")
	cmd.Flags().StringVar(&filter.TaskID, "task", "", "Only this task")
	cmd.Flags().StringVar(&filter.ActionType, "action", "", "Only this action type (write, read, link, delete)")
	cmd.Flags().StringVar(&filter.ResourceID, "resource", "", "Only this resource id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "Maximum records")
	return cmd
}

func newMaintainCommand(opts *globalOptions) *cobra.Command {
	var (
		list   bool
		daemon bool
		tick   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "maintain [job...]",
		Short: "Run maintenance jobs now, list them, or run the scheduler",
		Example: strings.Join([]string{
			"  octomem maintain",
			"  octomem maintain vector-inventory",
			"  octomem maintain --list",
			"  octomem maintain --daemon",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSubsystem(cmd, opts, func(ctx context.Context, s *subsystem.Subsystem) error {
				sched := maintenance.NewScheduler(tick)
				if err := maintenance.Configure(sched, s.Config.Maintenance.Jobs, maintenance.Builtins(s.Vectors, s.Graph)); err != nil {
					return err
				}
				w := cmd.OutOrStdout()

				switch {
				case list:
					now := time.Now()
					for _, name := range sched.Jobs() {
						expr, _ := sched.Schedule(name)
						next, err := sched.Next(name, now)
						if err != nil {
							return err
						}
						fmt.Fprintf(w, "%-18s %-16s next %s\n", name, expr, next.Format(time.RFC3339))
					}
					return nil

				case daemon:
					if !s.Config.Maintenance.Enabled {
						return fmt.Errorf("maintenance is disabled in config")
					}
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					sched.Start(ctx)
					fmt.Fprintf(w, "Maintenance scheduler running %d job(s) (Ctrl+C to stop)\n", len(sched.Jobs()))
					<-ctx.Done()
					sched.Stop()
					return nil
				}

				names := args
				if len(names) == 0 {
					names = sched.Jobs()
				}
				var failed []string
				for _, name := range names {
					res, err := sched.RunNow(ctx, name)
					if err != nil {
						return err
					}
					if res.Err != nil {
						failed = append(failed, name)
						fmt.Fprintf(w, "%s: failed: %v\n", name, res.Err)
						continue
					}
					fmt.Fprintf(w, "%s: ok in %s %v\n", name, res.Duration.Round(time.Millisecond), res.Summary)
				}
				if len(failed) > 0 {
					return fmt.Errorf("maintenance jobs failed: %s", strings.Join(failed, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List configured jobs and their next run")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run the cron scheduler until interrupted")
	cmd.Flags().DurationVar(&tick, "tick", 30*time.Second, "Scheduler check interval")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Example: "  octomem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
