package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"expertdesk/internal/app"
	"expertdesk/internal/config"
	"expertdesk/internal/db"
	"expertdesk/internal/domain"
	"expertdesk/internal/engine"
	"expertdesk/internal/engine/auth"
	"expertdesk/internal/migrate"
	"expertdesk/internal/repo"
	"expertdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "expertdesk",
	Short: "Expertdesk CLI",
	Long: `Expertdesk routes questions from questioners to experts.
- Conversation: a question thread; waiting -> active -> resolved.
- Queue: waiting conversations any expert may claim, plus the ones you hold.
- Claim / unclaim / resolve: the expert lifecycle; each step is recorded in the assignment ledger.
- Event log: every change, view with 'expertdesk log tail'.
Commands act as the principal given by --user-id, --username and --role.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EXPERTDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadDotEnv reads <workspace>/.env without overriding variables that are
// already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "", "acting user id")
	rootCmd.PersistentFlags().String("username", "", "acting username (defaults to user id)")
	rootCmd.PersistentFlags().String("role", "", "acting role: questioner or expert")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(conversationCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(transitionCmd(engine.OpClaim, "Claim a waiting conversation"))
	rootCmd.AddCommand(transitionCmd(engine.OpUnclaim, "Return a conversation you hold to the queue"))
	rootCmd.AddCommand(transitionCmd(engine.OpResolve, "Resolve a conversation you hold"))
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			secret := rt.Config.JWTSecret()
			if secret == "" {
				return fmt.Errorf("%s is required for bearer auth", rt.Config.Auth.JWTSecretEnv)
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, APIKeyTTL: rt.Config.APIKeyCacheTTL()},
				Log:      rt.Log.Named("http"),
			})
			if err != nil {
				return err
			}
			stopRelay, err := rt.StartRelay(cmd.Context())
			if err != nil {
				return err
			}
			defer stopRelay()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			rt.Log.Info("serving expertdesk api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("docs", "/docs"),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer rt.Close()
			v, err := migrate.Version(rt.Conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"driver": rt.Dialect, "version": v})
			}
			fmt.Printf("%s schema at version %d\n", rt.Dialect, v)
			return nil
		},
	}
}

func conversationCmd() *cobra.Command {
	conv := &cobra.Command{Use: "conversation", Aliases: []string{"conv"}, Short: "Work with conversations"}
	conv.AddCommand(conversationListCmd())
	conv.AddCommand(conversationShowCmd())
	conv.AddCommand(conversationCreateCmd())
	conv.AddCommand(conversationSendCmd())
	return conv
}

func conversationListCmd() *cobra.Command {
	var q engine.ConversationQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListConversations(ctx, p, q)
				if err != nil {
					return err
				}
				return printConversations(items)
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max conversations")
	return cmd
}

func conversationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetConversation(ctx, p, args[0])
				if err != nil {
					return err
				}
				msgs, err := e.ListMessages(ctx, p, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"conversation": c, "messages": msgs})
				}
				fmt.Printf("%s  %s  [%s]\n", c.ID, c.Title, c.Status)
				if c.AssignedExpertID != nil {
					fmt.Printf("Expert: %s\n", *c.AssignedExpertID)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "From", "Role", "Read", "Content"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.Timestamp, m.SenderUsername, m.SenderRole, m.IsRead, m.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func conversationCreateCmd() *cobra.Command {
	var opts engine.CreateConversationOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a conversation as a questioner",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateConversation(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "conversation title")
	cmd.Flags().StringVar(&opts.InitialMessage, "message", "", "first message")
	return cmd
}

func conversationSendCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "send <id>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, p, args[0], content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "message text")
	return cmd
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the expert queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.ExpertQueue(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				fmt.Printf("Waiting (%d):\n", len(q.Waiting))
				if err := printConversations(q.Waiting); err != nil {
					return err
				}
				fmt.Printf("Assigned to you (%d):\n", len(q.Assigned))
				return printConversations(q.Assigned)
			})
		},
	}
}

func transitionCmd(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res engine.TransitionResult
				switch op {
				case engine.OpClaim:
					res, err = e.Claim(ctx, p, args[0])
				case engine.OpUnclaim:
					res, err = e.Unclaim(ctx, p, args[0])
				default:
					res, err = e.Resolve(ctx, p, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s is now %s (version %d)\n", op, res.Conversation.ID, res.Conversation.Status, res.Conversation.Version)
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var mine bool
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Show assignment history",
		Long:  "With a conversation id, show its ledger oldest first. With --mine, show every assignment of the acting expert, newest first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			if !mine && len(args) == 0 {
				return fmt.Errorf("conversation id or --mine required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.ExpertAssignment
				if mine {
					items, err = e.ExpertHistory(ctx, p, limit)
				} else {
					items, err = e.ConversationHistory(ctx, p, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Conversation", "Expert", "Status", "Assigned", "Unassigned"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Seq, a.ConversationID, a.ExpertID, a.Status, a.AssignedAt, stringOrEmpty(a.UnassignedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "list the acting expert's assignments")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries with --mine")
	return cmd
}

func profileCmd() *cobra.Command {
	prof := &cobra.Command{Use: "profile", Short: "Expert profile"}
	prof.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show your expert profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.GetExpertProfile(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	})
	prof.AddCommand(profileSetCmd())
	return prof
}

func profileSetCmd() *cobra.Command {
	var bio string
	var links []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update your expert profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			var opts engine.UpdateProfileOptions
			if cmd.Flags().Changed("bio") {
				opts.Bio = &bio
			}
			if cmd.Flags().Changed("link") {
				opts.KnowledgeBaseLinks = &links
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpdateExpertProfile(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&bio, "bio", "", "profile bio")
	cmd.Flags().StringSliceVar(&links, "link", nil, "knowledge base link (repeatable, replaces the list)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting principal",
		Long:  "The key is printed once. Only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, p, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": plain, "user_id": key.UserID, "role": key.Role})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, p.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Deletes the key. Running servers may accept it until auth.api_key_cache_ttl has passed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Development bearer tokens"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a bearer token for the acting principal",
		Long:  "Signs with the secret named by auth.jwt_secret_env. Intended for local development.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := principal()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := auth.SignToken(cfg.JWTSecret(), p, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(mint)
	return tok
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Service config",
		Long:  "Config lives in expertdesk.yml in the workspace. Defaults apply when the file is absent.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default expertdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate expertdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

// --- helpers ---

func principal() (auth.Principal, error) {
	p := auth.Principal{
		UserID:   strings.TrimSpace(viper.GetString("user-id")),
		Username: strings.TrimSpace(viper.GetString("username")),
		Role:     domain.Role(strings.TrimSpace(viper.GetString("role"))),
		Source:   "cli",
	}
	if p.Username == "" {
		p.Username = p.UserID
	}
	if err := p.Validate(); err != nil {
		return auth.Principal{}, fmt.Errorf("%w (set --user-id and --role, or EXPERTDESK_USER_ID and EXPERTDESK_ROLE)", err)
	}
	return p, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func printConversations(items []domain.Conversation) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Questioner", "Expert", "Unread", "Created"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.QuestionerUsername, stringOrEmpty(c.AssignedExpertUsername), c.UnreadCount, c.CreatedAt})
	}
	tw.Render()
	return nil
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

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
