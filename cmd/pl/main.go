package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propline/internal/app"
	"propline/internal/config"
	"propline/internal/correlate"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/notify"
	"propline/internal/repo"
	"propline/internal/server"
	"propline/internal/sweep"
	"propline/internal/tracker"
	"propline/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Propline CLI",
	Long: `Propline tracks RFP proposals from intake to submission.
Core concepts:
- Workspace: your .propline directory holding the database; configs live in the DB.
- Project: one RFP response, walking intake -> brief -> proposal -> drafting -> submitted.
- Continuations: when a stage needs an answer from a human, it parks with a thread key and wakes when the reply lands.
- Validations: parallel asks to resources (availability, budget, legal) with their own timeouts; the proposal proceeds with explicit assumptions when answers never come.
- Inbound: every external message is ingested once by external id and routed by thread key.
- Sweep: the periodic pass that expires validations, reminds, escalates, and suggests abandoning dead projects.
- Audit log: diary of everything, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PROPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(inboundCmd())
	rootCmd.AddCommand(validationCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage proposal projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectCancelCmd())
	prj.AddCommand(projectParticipantCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.Project
					err   error
				)
				if open {
					items, err = r.ListOpenProjects(ctx)
				} else {
					items, err = r.ListProjects(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Stage", "Deadline", "Last Activity"})
				for _, p := range items {
					deadline := ""
					if p.Deadline != nil {
						deadline = *p.Deadline
					}
					tw.AppendRow(table.Row{p.ID, p.ClientName, p.Stage, deadline, p.LastActivityAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only projects not in a terminal stage")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, client, salesRep, rfpFile, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project at intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			rfp := ""
			if rfpFile != "" {
				data, err := os.ReadFile(rfpFile)
				if err != nil {
					return err
				}
				rfp = string(data)
			}
			return withEngineNoProject(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ID:            id,
					ClientName:    client,
					SalesRepEmail: salesRep,
					RFPContent:    rfp,
					Deadline:      deadline,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional, derived if omitted)")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&salesRep, "sales-rep", "", "sales rep email")
	cmd.Flags().StringVar(&rfpFile, "rfp", "", "path to RFP content")
	cmd.Flags().StringVar(&deadline, "deadline", "", "submission deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("sales-rep")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Abandon a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CancelProject(ctx, e.Config.Project.ID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the project is abandoned")
	return cmd
}

func projectParticipantCmd() *cobra.Command {
	var role, identifier string
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Set a project participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetParticipant(ctx, e.Config.Project.ID, role, identifier, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (sales_rep, lead, client, manager)")
	cmd.Flags().StringVar(&identifier, "identifier", "", "participant identifier")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PROPLINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PROPLINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "my-project", "project id")
	return cmd
}

func advanceCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the project stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AdvanceStage(ctx, e.Config.Project.ID, from, to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage")
	cmd.Flags().StringVar(&to, "to", "", "target stage")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func askCmd() *cobra.Command {
	var stage, awaiting, resumeTo, recipient, subject, body string
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Suspend a stage awaiting an external reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cont, err := e.Suspend(ctx, engine.SuspendOptions{
					ProjectID: e.Config.Project.ID,
					Stage:     stage,
					Awaiting:  awaiting,
					ResumeTo:  resumeTo,
					Recipient: recipient,
					Subject:   subject,
					Body:      body,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cont)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "current stage")
	cmd.Flags().StringVar(&awaiting, "awaiting", "", "what kind of answer is awaited")
	cmd.Flags().StringVar(&resumeTo, "resume-to", "", "stage entered on reply (default: same stage)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "who to ask")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("awaiting")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func decideCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Apply scripted decisions to the project",
		Long:  "Reads a JSON array of decisions and applies them in order. Stands in for the reasoning step during dry runs and replays.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var decisions []engine.Decision
			if err := json.Unmarshal(data, &decisions); err != nil {
				return fmt.Errorf("parse decisions: %w", err)
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				actorID := viper.GetString("actor-id")
				decider := &engine.ScriptedDecider{Decisions: decisions}
				var applied []engine.Decision
				for range decisions {
					p, err := svc.engine.Repo.GetProject(ctx, svc.projectID)
					if err != nil {
						return err
					}
					validations, err := svc.engine.Repo.ListValidationsByProject(ctx, svc.projectID)
					if err != nil {
						return err
					}
					d, err := decider.Decide(ctx, engine.DecisionContext{Project: p, Validations: validations, Trigger: "cli"})
					if err != nil {
						return err
					}
					if d.Action == engine.DecisionRequestValidation {
						if _, err := svc.tracker.Request(ctx, tracker.RequestOptions{
							ProjectID:  svc.projectID,
							ResourceID: d.Resource,
							Question:   d.Question,
							Critical:   d.Critical,
							ActorID:    actorID,
						}); err != nil {
							return err
						}
					} else if _, err := svc.engine.ApplyDecision(ctx, svc.projectID, d, actorID); err != nil {
						return err
					}
					applied = append(applied, d)
				}
				return printJSONOrTable(applied)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to a JSON array of decisions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func inboundCmd() *cobra.Command {
	inbound := &cobra.Command{Use: "inbound", Short: "Ingest and inspect inbound messages"}
	inbound.AddCommand(inboundIngestCmd())
	inbound.AddCommand(inboundUnclassifiedCmd())
	return inbound
}

func inboundIngestCmd() *cobra.Command {
	var externalID, threadRef, sender, subject, body, projectID string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one inbound message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.index.Ingest(ctx, correlate.Inbound{
					ExternalID: externalID,
					ThreadRef:  threadRef,
					Sender:     sender,
					Subject:    subject,
					Body:       body,
					ProjectID:  projectID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "channel message id")
	cmd.Flags().StringVar(&threadRef, "thread-ref", "", "correlation key from the thread")
	cmd.Flags().StringVar(&sender, "sender", "", "sender identifier")
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&projectID, "project-id", "", "explicit project routing hint")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func inboundUnclassifiedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unclassified",
		Short: "List unmatched inbound messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUnclassified(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func validationCmd() *cobra.Command {
	val := &cobra.Command{Use: "validation", Short: "Manage resource validations"}
	val.AddCommand(validationRequestCmd())
	val.AddCommand(validationRespondCmd())
	val.AddCommand(validationStatusCmd())
	val.AddCommand(validationProceedCmd())
	val.AddCommand(validationListCmd())
	return val
}

func validationRequestCmd() *cobra.Command {
	var resource, question string
	var critical bool
	var timeoutHours int
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send a validation ask to a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				v, err := svc.tracker.Request(ctx, tracker.RequestOptions{
					ProjectID:  svc.projectID,
					ResourceID: resource,
					Question:   question,
					Critical:   critical,
					Timeout:    time.Duration(timeoutHours) * time.Hour,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "resource identifier")
	cmd.Flags().StringVar(&question, "question", "", "what to confirm")
	cmd.Flags().BoolVar(&critical, "critical", false, "block proceeding while pending")
	cmd.Flags().IntVar(&timeoutHours, "timeout-hours", 0, "override the configured timeout")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func validationRespondCmd() *cobra.Command {
	var id, text string
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Record a validation response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				v, err := svc.tracker.RecordResponse(ctx, id, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "validation request id")
	cmd.Flags().StringVar(&text, "text", "", "response text")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func validationStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validation batch status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				agg, err := svc.tracker.Status(ctx, svc.projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
	return cmd
}

func validationProceedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proceed",
		Short: "Close the batch, assuming unanswered requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				agg, err := svc.tracker.ProceedWithAssumptions(ctx, svc.projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(agg)
			})
		},
	}
	return cmd
}

func validationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				items, err := svc.tracker.Repo.ListValidationsByProject(ctx, svc.projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Resource", "Status", "Critical", "Timeout At"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.ResourceID, v.Status, v.Critical, v.TimeoutAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	s := &cobra.Command{Use: "sweep", Short: "Periodic maintenance"}
	s.AddCommand(sweepRunCmd())
	return s
}

func sweepRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				res, err := svc.sweeper.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Status report for open projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				report, err := svc.sweeper.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if report.LastSweepAt != "" {
					fmt.Printf("Last sweep: %s\n", report.LastSweepAt)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Client", "Stage", "Idle (d)", "Awaiting", "Pending Validations", "Deadline"})
				for _, row := range report.Projects {
					deadline := ""
					if row.Deadline != nil {
						deadline = *row.Deadline
					}
					tw.AppendRow(table.Row{row.ProjectID, row.ClientName, row.Stage, row.IdleDays, row.Awaiting, row.PendingValidations, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.AuditAfter(ctx, n, after, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().Int64Var(&after, "after", 0, "only entries with a larger id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc services) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("PROPLINE_JWT_SECRET"),
					AllowLegacyActorHeader: os.Getenv("PROPLINE_ALLOW_ACTOR_HEADER") == "1",
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("PROPLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   svc.engine,
					Tracker:  svc.tracker,
					Index:    svc.index,
					Sweeper:  svc.sweeper,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Propline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

type services struct {
	projectID string
	engine    engine.Engine
	tracker   tracker.Tracker
	index     correlate.Index
	sweeper   sweep.Sweeper
}

func withServices(ctx context.Context, fn func(context.Context, services) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	send := transport.NewLogSender(nil)
	e := engine.New(conn, cfg, send)
	trk := tracker.New(conn, cfg, send)
	idx := correlate.New(e, trk)
	sw := sweep.New(conn, cfg, trk, idx, notifierFromConfig(cfg))
	return fn(ctx, services{projectID: projectID, engine: e, tracker: trk, index: idx, sweeper: sw})
}

func notifierFromConfig(cfg *config.Config) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLogNotifier(nil)}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		headers := map[string]string{}
		if hook.Secret != "" {
			headers["X-Propline-Secret"] = hook.Secret
		}
		sinks = append(sinks, notify.NewWebhookNotifier(hook.URL, headers))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.NewMultiNotifier(sinks...)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withServices(ctx, func(ctx context.Context, svc services) error {
		return fn(ctx, svc.engine)
	})
}

// withEngineNoProject skips project resolution, for commands that create the
// project in the first place.
func withEngineNoProject(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg := config.Default("")
	e := engine.New(conn, cfg, transport.NewLogSender(nil))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
