package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/envelope"
	"reportline/internal/migrate"
	"reportline/internal/reaper"
	"reportline/internal/repo"
	"reportline/internal/transport"
	reportlinesdk "reportline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reportline CLI",
	Long: `Reportline ingests test execution events from a message broker and keeps
a consistent hierarchy of launches, test items and logs.
- Launch: one run of a test suite; finishing it goes through an approval gate that waits for running items.
- Test item: a suite, test or step inside a launch; parents derive their status from their children.
- Log: a message (optionally with an attachment) bound to an item or a launch.
- Dead letters: events that exhausted their retry budget; inspect and replay them with 'rl dlq'.
- Reaper: interrupts launches that stopped reporting for longer than their project's timeout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(cmd.ErrOrStderr()))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS url (overrides nats.url)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("nats-url", rootCmd.PersistentFlags().Lookup("nats-url"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Database ready at %s\n", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage reportline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default reportline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectSetTimeoutCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Interrupt after", "Created"})
				for _, p := range items {
					timeout := "never"
					if p.InterruptJobTime > 0 {
						timeout = p.InterruptJobTime.String()
					}
					tw.AppendRow(table.Row{p.ID, p.Name, timeout, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var interruptAfter time.Duration
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("interrupt-after") {
				interruptAfter = cfg.Projects.DefaultInterruptJobTime
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := app.EnsureProject(ctx, r, strings.TrimSpace(args[0]), interruptAfter, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().DurationVar(&interruptAfter, "interrupt-after", 0, "idle time before the reaper interrupts a launch (0 disables)")
	return cmd
}

func projectSetTimeoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-timeout <name> <duration>",
		Short: "Set a project's interrupt_job_time (0 disables reaping)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[1], err)
			}
			if d < 0 {
				return fmt.Errorf("duration must be >= 0")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetInterruptJobTime(ctx, args[0], d); err != nil {
					return err
				}
				fmt.Printf("Project %s interrupts idle launches after %s\n", args[0], d)
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(&cobra.Command{
		Use:   "add <login>",
		Short: "Register a user allowed to own launches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.EnsureUser(ctx, strings.TrimSpace(args[0]), time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	return usr
}

func launchCmd() *cobra.Command {
	l := &cobra.Command{Use: "launch", Short: "Inspect launches"}
	l.AddCommand(launchShowCmd())
	return l
}

func launchShowCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a launch with its item tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.GetLaunch(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := e.ListItems(ctx, args[0])
				if err != nil {
					return err
				}
				var events []domain.Event
				if withEvents {
					if events, err = e.Repo.ListEvents(ctx, sum.Launch.ID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					out := map[string]any{"launch": sum.Launch, "item_counts": sum.ItemCounts, "items": items}
					if withEvents {
						out["events"] = events
					}
					return printJSON(out)
				}
				l := sum.Launch
				fmt.Printf("Launch %s (%s) %s\n", l.Name, l.UUID, colorStatus(l.Status))
				fmt.Printf("Started %s", l.StartTime.Format(time.RFC3339))
				if l.EndTime != nil {
					fmt.Printf(", ended %s", l.EndTime.Format(time.RFC3339))
				}
				fmt.Println()
				children := map[int64][]domain.TestItem{}
				var roots []domain.TestItem
				for _, it := range items {
					if it.ParentID == nil {
						roots = append(roots, it)
						continue
					}
					children[*it.ParentID] = append(children[*it.ParentID], it)
				}
				for i, it := range roots {
					printItemTree(it, children, "", i == len(roots)-1)
				}
				if withEvents {
					tw := newTable()
					tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
					for _, ev := range events {
						tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + " " + ev.EntityID, ev.Actor})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the activity log")
	return cmd
}

func reapCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Interrupt idle launches once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if workers <= 0 {
					workers = e.Config.Reaper.Workers
				}
				rp := reaper.Reaper{Engine: e, Repo: e.Repo, Workers: workers, Logger: e.Logger}
				report, err := rp.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel interruptions (defaults to reaper.workers)")
	return cmd
}

func dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters through the ops API",
	}
	dlq.PersistentFlags().String("api", "", "ops API root url (defaults to http:// + server.addr)")
	dlq.PersistentFlags().String("token", "", "bearer token (minted from server.jwt_secret when empty)")
	_ = viper.BindPFlag("api", dlq.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("token", dlq.PersistentFlags().Lookup("token"))
	dlq.AddCommand(dlqListCmd())
	dlq.AddCommand(dlqReplayCmd())
	return dlq
}

func dlqListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <request-type>",
		Short: "Peek dead letters of a request type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opsClient()
			if err != nil {
				return err
			}
			letters, err := client.DeadLetters(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(letters)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Seq", "Time", "Launch", "Item", "Bytes"})
			for _, l := range letters {
				tw.AppendRow(table.Row{
					l.Sequence,
					l.Time.Format(time.RFC3339),
					firstHeader(l.Header, envelope.HeaderLaunchID),
					firstHeader(l.Header, envelope.HeaderItemID),
					len(l.Data),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of letters")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay <request-type>",
		Short: "Republish dead letters to their entry queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opsClient()
			if err != nil {
				return err
			}
			n, err := client.ReplayDeadLetters(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			fmt.Printf("Replayed %d %s message(s)\n", n, strings.ToUpper(args[0]))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of letters")
	return cmd
}

func emitCmd() *cobra.Command {
	var (
		requestType, file, contentType string
		projectName, username          string
		launchID, itemID, parentID     string
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish one reporting event read from a file",
		Long:  "Publishes the body in --file (or stdin with '-') with the reporting headers, the way a test agent would.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ok := envelope.ParseRequestType(requestType)
			if !ok {
				return fmt.Errorf("unknown request type %q", requestType)
			}
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withBus(cmd.Context(), func(ctx context.Context, bus *transport.Bus) error {
				rep := reportlinesdk.NewReporter(bus, projectName, username)
				rep.ContentType = contentType
				ids := map[string]string{
					envelope.HeaderLaunchID: launchID,
					envelope.HeaderItemID:   itemID,
					envelope.HeaderParentID: parentID,
				}
				if err := rep.Raw(ctx, rt, ids, data); err != nil {
					return err
				}
				fmt.Printf("Published %s to %s\n", rt, transport.Subject(transport.EntryQueue(rt)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type (START_LAUNCH, START_TEST, FINISH_TEST, FINISH_LAUNCH, LOG)")
	cmd.Flags().StringVar(&file, "file", "-", "body file, '-' for stdin")
	cmd.Flags().StringVar(&contentType, "content-type", envelope.ContentTypeJSON, "body encoding")
	cmd.Flags().StringVar(&projectName, "project", "", "project name header")
	cmd.Flags().StringVar(&username, "user", "", "username header")
	cmd.Flags().StringVar(&launchID, "launch", "", "launch uuid header")
	cmd.Flags().StringVar(&itemID, "item", "", "item uuid header")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent item uuid header")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := mintToken(jwtSecret(cfg), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "rl-cli", "token subject, recorded as the actor of replays")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if u := viper.GetString("nats-url"); u != "" {
		cfg.NATS.URL = u
	}
	return cfg, nil
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func mintToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("no JWT secret configured (server.jwt_secret or RL_JWT_SECRET)")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func opsClient() (*reportlinesdk.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	api := viper.GetString("api")
	if api == "" {
		api = "http://" + cfg.Server.Addr
	}
	token := viper.GetString("token")
	if token == "" {
		if secret := jwtSecret(cfg); secret != "" {
			if token, err = mintToken(secret, "rl-cli", 5*time.Minute); err != nil {
				return nil, err
			}
		}
	}
	return reportlinesdk.New(api, token), nil
}

// workspacePath resolves p against the workspace unless it is absolute.
func workspacePath(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.Default()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withBus(ctx context.Context, fn func(context.Context, *transport.Bus) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := transport.Connect(ctx, cfg.NATS.URL, "rl-cli", slog.Default())
	if err != nil {
		return err
	}
	defer bus.Close()
	return fn(ctx, bus)
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

func firstHeader(h map[string][]string, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorStatus(s domain.Status) string {
	switch s {
	case domain.StatusPassed:
		return color.GreenString(string(s))
	case domain.StatusFailed, domain.StatusInterrupted:
		return color.RedString(string(s))
	case domain.StatusSkipped, domain.StatusStopped:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func printItemTree(it domain.TestItem, children map[int64][]domain.TestItem, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s] %s\n", prefix, connector, it.Name, it.Type, colorStatus(it.Status))
	for i, c := range children[it.ID] {
		printItemTree(c, children, newPrefix, i == len(children[it.ID])-1)
	}
}
