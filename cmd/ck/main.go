package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"curbkey/internal/app"
	"curbkey/internal/config"
	"curbkey/internal/db"
	"curbkey/internal/engine"
	"curbkey/internal/migrate"
	"curbkey/internal/notify"
	"curbkey/internal/ratelimit"
	"curbkey/internal/repo"
	"curbkey/internal/scheduler"
	"curbkey/internal/server"
	"curbkey/internal/stats"
)

var rootCmd = &cobra.Command{
	Use:   "ck",
	Short: "CurbKey CLI",
	Long: `CurbKey coordinates valet vehicle retrieval between guests and staff.
Core concepts:
- Tickets: the parking stub a guest holds; a claim code links their phone to it.
- Requests: "bring my car" orders that flow SCHEDULED -> REQUESTED -> ASSIGNED ->
  RETRIEVING -> READY -> PICKED_UP -> CLOSED (or CANCELED early).
- Exits: pickup points; stats and the recommender help guests pick the fastest one.
- Ledger: every status change is an append-only event, streamed live to guests.
- Outbox: notifications are queued in the same transaction as the change and
  delivered by a background drain, so none are lost.`,
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
	viper.SetEnvPrefix("CURBKEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(venueCmd())
	rootCmd.AddCommand(exitCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var venueID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default curbkey.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(venueID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&venueID, "venue", "demo-garage", "venue id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show venue and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := app.ResolveVenue(ctx, e.Config, e)
				if err != nil {
					return err
				}
				counts, err := e.Repo.OutboxCounts(ctx)
				if err != nil {
					return err
				}
				version, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"venue_id":       v.ID,
					"venue_name":     v.Name,
					"schema_version": version,
					"outbox":         counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Venue: %s (%s)\n", v.ID, v.Name)
				fmt.Printf("Schema version: %d\n", version)
				fmt.Println("Outbox:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func venueCmd() *cobra.Command {
	v := &cobra.Command{Use: "venue", Short: "Manage venues"}
	v.AddCommand(venueSeedCmd())
	v.AddCommand(venueStatsCmd())
	v.AddCommand(venueRecommendCmd())
	return v
}

func venueSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the configured venue with demo exits and zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := app.SeedVenue(ctx, e.Config, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func venueStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-exit queue and readiness stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				svc := stats.New(e.Repo, e.Config)
				items, err := svc.ExitStats(ctx, e.Config.Venue.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Exit", "Queue", "Mean Ready (s)", "Samples", "Score"})
				for _, st := range items {
					tw.AppendRow(table.Row{st.Code, st.QueueLength, fmt.Sprintf("%.1f", st.MeanReadySec), st.SampleCount, fmt.Sprintf("%.1f", st.Score)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func venueRecommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend the fastest exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				svc := stats.New(e.Repo, e.Config)
				ranked, err := svc.Recommend(ctx, e.Config.Venue.ID)
				if err != nil {
					return err
				}
				if len(ranked) == 0 {
					return fmt.Errorf("no active exits")
				}
				if viper.GetBool("json") {
					return printJSON(ranked[0])
				}
				fmt.Printf("Exit %s (score %.1f, queue %d)\n", ranked[0].Code, ranked[0].Score, ranked[0].QueueLength)
				return nil
			})
		},
	}
	return cmd
}

func exitCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exit", Short: "Manage exits"}
	ex.AddCommand(exitListCmd())
	ex.AddCommand(exitCreateCmd())
	ex.AddCommand(exitSetActiveCmd())
	return ex
}

func exitListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exits, err := e.Repo.ListExits(ctx, e.Config.Venue.ID, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Active"})
				for _, x := range exits {
					tw.AppendRow(table.Row{x.ID, x.Code, x.Name, x.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only active exits")
	return cmd
}

func exitCreateCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.CreateExit(ctx, e.Config.Venue.ID, code, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "exit code (e.g. A)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func exitSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Open or close an exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetExitActive(ctx, args[0], active); err != nil {
					return err
				}
				x, err := e.Repo.GetExit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "active state")
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	t.AddCommand(ticketCreateCmd())
	t.AddCommand(ticketShowCmd())
	t.AddCommand(ticketClaimCmd())
	t.AddCommand(ticketSubscribeCmd())
	return t
}

func ticketCreateCmd() *cobra.Command {
	var opts engine.TicketCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a ticket with a claim code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.VenueID == "" {
					opts.VenueID = e.Config.Venue.ID
				}
				tk, err := e.CreateTicket(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":            tk.ID,
						"claim_code":    tk.ClaimCode,
						"claim_expires": tk.ClaimExpires,
					})
				}
				fmt.Printf("Ticket %s\nClaim code: %s (expires %s)\n", tk.ID, tk.ClaimCode, tk.ClaimExpires)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.VenueID, "venue", "", "venue id")
	cmd.Flags().StringVar(&opts.ZoneID, "zone", "", "parking zone id")
	cmd.Flags().StringVar(&opts.PlateHint, "plate-hint", "", "partial plate for staff lookup")
	cmd.Flags().StringVar(&opts.VehicleDescription, "vehicle", "", "vehicle description shown to staff")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tk, err := e.Repo.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tk)
			})
		},
	}
	return cmd
}

func ticketClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <code>",
		Short: "Resolve a claim code to its ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tk, err := e.ClaimTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tk)
			})
		},
	}
	return cmd
}

func ticketSubscribeCmd() *cobra.Command {
	var channel, target string
	cmd := &cobra.Command{
		Use:   "subscribe <ticket-id>",
		Short: "Subscribe a contact to ticket notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sub, err := e.Subscribe(ctx, args[0], channel, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "STUB", "channel (STUB, EMAIL, SMS, WHATSAPP)")
	cmd.Flags().StringVar(&target, "target", "", "delivery target")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func requestCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "request",
		Short: "Manage retrieval requests",
		Long:  "Requests move a car from the garage to an exit. Guests create, reschedule, and cancel; staff assign and advance.",
	}
	r.AddCommand(requestCreateCmd())
	r.AddCommand(requestListCmd())
	r.AddCommand(requestGetCmd())
	r.AddCommand(requestEventsCmd())
	r.AddCommand(requestRescheduleCmd())
	r.AddCommand(requestCancelCmd())
	r.AddCommand(requestAssignCmd())
	r.AddCommand(requestAdvanceCmd())
	r.AddCommand(requestTipCmd())
	return r
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a retrieval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, idem, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				if idem {
					fmt.Println("replayed existing request (idempotency key match)")
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TicketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&opts.ExitCode, "exit", "", "exit code")
	cmd.Flags().StringVar(&opts.ZoneID, "zone", "", "zone id, uses the zone's default exit")
	cmd.Flags().BoolVar(&opts.Auto, "auto", false, "let the recommendation engine pick the exit")
	cmd.Flags().IntVar(&opts.DelayMinutes, "delay", 0, "minutes from now (0 = immediately)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ticket", "Status", "Assignee", "Created"})
				for _, rq := range items {
					assignee := ""
					if rq.AssignedTo != nil {
						assignee = *rq.AssignedTo
					}
					tw.AppendRow(table.Row{rq.ID, rq.TicketID, rq.Status, assignee, rq.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TicketID, "ticket", "", "ticket filter")
	cmd.Flags().StringVar(&f.ExitID, "exit-id", "", "exit filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	return cmd
}

func requestEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a request's status ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Ledger.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Actor", "Note", "At"})
				for _, ev := range events {
					from := ""
					if ev.FromStatus != nil {
						from = *ev.FromStatus
					}
					tw.AppendRow(table.Row{ev.ID, from, ev.ToStatus, ev.ActorID, ev.Note, ev.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func requestRescheduleCmd() *cobra.Command {
	var delay int
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move a scheduled request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.Reschedule(ctx, args[0], delay, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().IntVar(&delay, "delay", 0, "new delay in minutes from now")
	_ = cmd.MarkFlagRequired("delay")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a request to a valet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if assignee == "" {
				assignee = actor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.Assign(ctx, args[0], assignee, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "valet id (defaults to --actor-id)")
	return cmd
}

func requestAdvanceCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a request (RETRIEVING, READY, PICKED_UP)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.Advance(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestTipCmd() *cobra.Command {
	var amount int
	var currency string
	cmd := &cobra.Command{
		Use:   "tip <id>",
		Short: "Record a tip on a closed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tip, err := e.RecordTip(ctx, args[0], amount, currency)
				if err != nil {
					return err
				}
				return printJSONOrTable(tip)
			})
		},
	}
	cmd.Flags().IntVar(&amount, "amount-cents", 0, "tip amount in cents")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency code")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect and drive the notification outbox"}
	ob.AddCommand(outboxListCmd())
	ob.AddCommand(outboxDrainCmd())
	ob.AddCommand(outboxRetryCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var f repo.OutboxFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOutbox(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Ticket", "Request", "Channel", "State", "Retries", "Body"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.TicketID, it.RequestID, it.Channel, it.State, it.RetryCount, it.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TicketID, "ticket", "", "ticket filter")
	cmd.Flags().StringVar(&f.RequestID, "request", "", "request filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter (PENDING, SENT, FAILED)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func outboxDrainCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending notifications now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sent, failed, err := e.Notify.Drain(ctx, state, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"sent": sent, "failed": failed})
				}
				fmt.Printf("sent %d, failed %d\n", sent, failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "PENDING", "state to drain (PENDING or FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = configured drain limit)")
	return cmd
}

func outboxRetryCmd() *cobra.Command {
	var olderThan, limit int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed notifications under the retry cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Notify.Retry(ctx, olderThan, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"requeued": n})
				}
				fmt.Printf("requeued %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 0, "minimum age in seconds (0 = configured cutoff)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = configured drain limit)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Status ledger"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent status events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Ledger.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass promoting due requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := scheduler.New(e, newLogger())
				promoted, err := s.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"promoted": promoted})
				}
				fmt.Printf("promoted %d\n", promoted)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
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
			svc := notify.NewService(conn, cfg, notify.StubProvider{Log: log}, log)
			e := engine.New(conn, cfg, svc)
			if _, err := app.ResolveVenue(cmd.Context(), cfg, e); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CURBKEY_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("CURBKEY_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			limiter := ratelimit.New(time.Duration(cfg.Claim.RateWindowSeconds)*time.Second, cfg.Claim.RateMaxAttempts)
			handler, err := server.New(server.Config{
				Engine:   e,
				Stats:    stats.New(e.Repo, cfg),
				Limiter:  limiter,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      log,
			})
			if err != nil {
				return err
			}

			sched := scheduler.New(e, log)
			jobs := cron.New()
			if _, err := jobs.AddFunc(fmt.Sprintf("@every %ds", cfg.Scheduler.IntervalSeconds), func() {
				if _, err := sched.Tick(cmd.Context()); err != nil {
					log.Error().Err(err).Msg("scheduler tick failed")
				}
			}); err != nil {
				return err
			}
			if _, err := jobs.AddFunc(fmt.Sprintf("@every %ds", cfg.Outbox.IntervalSeconds), func() {
				if _, _, err := svc.Drain(cmd.Context(), "", 0); err != nil {
					log.Error().Err(err).Msg("outbox drain failed")
				}
				if _, err := svc.Retry(cmd.Context(), 0, 0); err != nil {
					log.Error().Err(err).Msg("outbox retry failed")
				}
			}); err != nil {
				return err
			}
			jobs.Start()
			defer jobs.Stop()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving CurbKey API")
			fmt.Printf("Serving CurbKey API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without a bearer token (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("demo-garage")
	}
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
	log := newLogger()
	svc := notify.NewService(conn, cfg, notify.StubProvider{Log: log}, log)
	return fn(ctx, engine.New(conn, cfg, svc))
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
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
