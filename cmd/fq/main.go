package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fairquest/internal/api"
	"fairquest/internal/app"
	"fairquest/internal/config"
	"fairquest/internal/db"
	"fairquest/internal/domain"
	"fairquest/internal/events"
	"fairquest/internal/migrate"
	"fairquest/internal/ranking"
	"fairquest/internal/repo"
	"fairquest/internal/scanner"
	"fairquest/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fq",
	Short: "Fairquest CLI",
	Long: `Fairquest runs the company fair mission game: visit booths, complete
missions, climb the per-mission rankings, and trade completed missions for
single-use prize tickets at the redemption desk.
- Workspace: your .fairquest box with the local mission database; credentials
  live in fairquest.yml after 'fq login'.
- Missions: the six booth challenges; quantitative ones track progress toward
  a target, the rest are done-or-not.
- Rankings: per-mission leaderboards (top 20) with movement since your last
  look.
- Tickets: each completed mission mints one QR ticket; the desk scanner burns
  it exactly once.
- Serve: run the authoritative server that the app and the desk scanner talk
  to.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FAIRQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(rankingCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
}

func loginCmd() *cobra.Command {
	var code, baseURL string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange an entry code for a token and store it in fairquest.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			if cmd.Flags().Changed("base-url") {
				cfg.Server.BaseURL = baseURL
			}
			client := api.New(cfg.Server.BaseURL, "")
			res, err := client.Login(cmd.Context(), code)
			if err != nil {
				return loginError(err)
			}
			cfg.Server.Token = res.Token
			cfg.Owner.ID = res.User.ID
			cfg.Owner.Name = res.User.Name
			if err := cfg.Save(workspace); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res.User)
			}
			fmt.Printf("Logged in as %s (#%d). Credentials saved to %s\n", res.User.Name, res.User.ID, config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "entry code from your badge")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "server base URL (overrides config)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func loginError(err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("unknown entry code")
	}
	return err
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Track booth missions",
		Long:  "Missions merge three sources: the built-in catalog, your local save, and the server. Local updates apply immediately and push in the background; 'fq mission sync' pulls the authoritative state back.",
	}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionSyncCmd())
	m.AddCommand(missionProgressCmd())
	m.AddCommand(missionCompleteCmd())
	m.AddCommand(missionResetCmd())
	return m
}

func missionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions with local progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				missions := s.Engine.Missions()
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Progress", "Done", "Ticket"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, m.Title, progressCell(m), doneCell(m.IsCompleted), ticketCell(m)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull authoritative mission status from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if _, err := s.RequireClient(); err != nil {
					return err
				}
				if err := s.Engine.SyncFromServer(ctx); err != nil {
					return err
				}
				return printJSONOrTable(s.Engine.Missions())
			})
		},
	}
	return cmd
}

func missionProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <mission-id> <value>",
		Short: "Set mission progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("progress value must be an integer: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.UpdateProgress(ctx, args[0], value)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <mission-id>",
		Short: "Mark a mission completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.CompleteMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <mission-id>",
		Short: "Reset a mission locally (the server is not contacted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.ResetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func rankingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranking <mission-id>",
		Short: "Show the per-mission leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				r := s.Rankings.Get(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(r)
				}
				if len(r.Rankings) == 0 {
					fmt.Println("No rankings yet.")
					return nil
				}
				podium, rest := ranking.Podium(r.Rankings)
				fmt.Println("Podium:")
				for _, e := range podium {
					fmt.Printf("  %d. %s (%s) — %d %s\n", e.Rank, e.Name, e.Company, e.Progress, changeCell(e.RankChange))
				}
				if len(rest) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Rank", "Name", "Company", "Progress", "Change"})
					for _, e := range rest {
						tw.AppendRow(table.Row{e.Rank, e.Name, e.Company, e.Progress, changeCell(e.RankChange)})
					}
					tw.Render()
				}
				if r.MyRanking != nil {
					fmt.Printf("You: rank %d with %d %s\n", r.MyRanking.Rank, r.MyRanking.Progress, changeCell(r.MyRanking.RankChange))
				}
				return nil
			})
		},
	}
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Prize tickets for completed missions",
		Long:  "Every completed mission mints one ticket. 'fq ticket show' prints the QR payload the redemption desk scans; a used ticket stays listed but cannot be shown again.",
	}
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketShowCmd())
	return t
}

func ticketListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				tickets := s.Tickets.List(s.Config.Owner.ID, s.Engine.Missions())
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				if len(tickets) == 0 {
					fmt.Println("No tickets yet. Complete a mission first.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mission", "Title", "Status"})
				for _, tk := range tickets {
					status := "available"
					if tk.Used {
						status = "used"
					}
					tw.AppendRow(table.Row{tk.MissionID, tk.Title, status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Print the QR payload for one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.Mission(args[0])
				if err != nil {
					return err
				}
				payload, err := s.Tickets.Payload(s.Config.Owner.ID, m)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"missionId": m.ID, "payload": payload})
				}
				fmt.Println(payload)
				return nil
			})
		},
	}
	return cmd
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the redemption desk scanner (reads decoded codes from stdin)",
		Long:  "Each line on stdin is treated as one decoded QR frame, the way a camera decoder delivers them. Ticket codes are redeemed against the server; anything else is rejected locally. Ctrl-D ends the session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				client, err := s.RequireClient()
				if err != nil {
					return err
				}
				if !s.Config.EventOpen(time.Now()) {
					return fmt.Errorf("the event is not open; redemption is closed")
				}
				cam := newLineCamera(os.Stdin)
				sc := scanner.New(cam, client)
				results := make(chan scanner.Result, 1)
				sc.Notify = func(r scanner.Result) { results <- r }

				if err := sc.Start(ctx); err != nil {
					return err
				}
				defer sc.Close()
				fmt.Println("Scanning. Paste ticket codes, one per line.")
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-cam.done:
						return nil
					case r := <-results:
						switch r.State {
						case scanner.StateSuccess:
							fmt.Printf("OK  %s redeemed\n", r.MissionID)
							sc.Dismiss()
						case scanner.StateRejected:
							fmt.Printf("NO  %s\n", r.Message)
						case scanner.StateCameraUnavailable:
							return fmt.Errorf("%s", r.Message)
						}
					}
				}
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fairquest.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fairquest.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authoritative fair server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FAIRQUEST_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FAIRQUEST_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Service: server.NewService(conn), BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fairquest API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Manage server users (run against the serve workspace)",
	}
	u.AddCommand(userCreateCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var user domain.User
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with an entry code",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user.Code == "" || user.Name == "" {
				return fmt.Errorf("--code and --name required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			created, err := repo.Repo{DB: conn}.CreateUser(cmd.Context(), user)
			if err != nil {
				return err
			}
			return printJSONOrTable(created)
		},
	}
	cmd.Flags().StringVar(&user.Code, "code", "", "entry code")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name")
	cmd.Flags().StringVar(&user.Company, "company", "", "company")
	cmd.Flags().BoolVar(&user.IsAdmin, "admin", false, "grant redemption desk access")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Server event log (run against the serve workspace)",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			items, err := events.Writer{DB: conn}.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

// --- helpers ---

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	s, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
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

func progressCell(m domain.Mission) string {
	if m.Quantitative() {
		return fmt.Sprintf("%d/%d", m.Progress, *m.Target)
	}
	if m.IsCompleted {
		return "1/1"
	}
	return "0/1"
}

func doneCell(done bool) string {
	if done {
		return "yes"
	}
	return ""
}

func ticketCell(m domain.Mission) string {
	switch {
	case m.IsUsed:
		return "used"
	case m.IsCompleted:
		return "ready"
	default:
		return ""
	}
}

func changeCell(delta int) string {
	switch {
	case delta > 0:
		return fmt.Sprintf("(up %d)", delta)
	case delta < 0:
		return fmt.Sprintf("(down %d)", -delta)
	default:
		return "(-)"
	}
}

// lineCamera adapts a line-oriented reader to the scanner's Camera: each
// line is one decoded frame. Stop pauses delivery without consuming the
// reader, matching a camera that keeps its device open across pauses.
type lineCamera struct {
	mu       sync.Mutex
	onDecode func(string)
	active   bool
	started  bool
	lines    chan string
	done     chan struct{}
	reader   *bufio.Scanner
}

func newLineCamera(r *os.File) *lineCamera {
	return &lineCamera{
		lines:  make(chan string),
		done:   make(chan struct{}),
		reader: bufio.NewScanner(r),
	}
}

func (c *lineCamera) Start(ctx context.Context, onDecode func(text string)) error {
	c.mu.Lock()
	c.onDecode = onDecode
	c.active = true
	if !c.started {
		c.started = true
		go c.pump(ctx)
	}
	c.mu.Unlock()
	return nil
}

func (c *lineCamera) Stop() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

func (c *lineCamera) pump(ctx context.Context) {
	defer close(c.done)
	for c.reader.Scan() {
		text := strings.TrimSpace(c.reader.Text())
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.mu.Lock()
		fn := c.onDecode
		active := c.active
		c.mu.Unlock()
		if active && fn != nil {
			fn(text)
		}
	}
}
