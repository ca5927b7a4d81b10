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
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"civimend/internal/config"
	"civimend/internal/db"
	"civimend/internal/engine"
	"civimend/internal/migrate"
	"civimend/internal/reconcile"
	"civimend/internal/repo"
	"civimend/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cm",
	Short: "Civimend CLI",
	Long: `Civimend coordinates civic repairs between citizens, workers, and delegates.
- Grievances: citizen-filed repair requests; they flow pending -> classified -> active -> assigned -> in_progress -> completed -> verified.
- Bids: workers offer price and timeline on open grievances; one pending bid per worker per grievance.
- Ballots: delegates vote on competing bids; quorum picks the winner, a lone bid on an urgent grievance skips the vote.
- Assignments: the winning worker's contract; escrow locks on assignment and releases once the citizen or a delegate confirms the work.
- Ledger: every money-touching step is mirrored to an external ledger asynchronously; 'cm ledger' inspects the outbox.`,
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
	viper.SetEnvPrefix("CIVIMEND")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(grievanceCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(ballotCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default civimend.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func grievanceCmd() *cobra.Command {
	g := &cobra.Command{Use: "grievance", Short: "Manage grievances"}
	g.AddCommand(grievanceSubmitCmd())
	g.AddCommand(grievanceListCmd())
	g.AddCommand(grievanceShowCmd())
	g.AddCommand(grievanceUpdateCmd())
	g.AddCommand(grievanceClassifyCmd())
	g.AddCommand(grievanceActivateCmd())
	g.AddCommand(grievanceDeleteCmd())
	return g
}

func grievanceSubmitCmd() *cobra.Command {
	var title, desc, location, category, priority string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "File a grievance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.SubmitGrievance(ctx, engine.GrievanceCreateOptions{
					CitizenID:   viper.GetString("actor-id"),
					Title:       title,
					Description: desc,
					Location:    location,
					Category:    category,
					Priority:    priority,
				})
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short summary")
	cmd.Flags().StringVar(&desc, "description", "", "details")
	cmd.Flags().StringVar(&location, "location", "", "where the problem is")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|urgent")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func grievanceListCmd() *cobra.Command {
	var status, category, priority string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grievances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.ListGrievances(ctx, repo.GrievanceFilters{
					Status: status, Category: category, Priority: priority,
				}, repo.Page{Page: page, Size: size})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "TITLE", "STATUS", "PRIORITY", "BIDS", "CREATED"})
				for _, g := range items {
					t.AppendRow(table.Row{g.ID, g.Title, g.Status, g.Priority, g.BidCount, g.CreatedAt})
				}
				t.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func grievanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.GetGrievance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
}

func grievanceUpdateCmd() *cobra.Command {
	var title, desc, location, category, priority string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a grievance before work begins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.GrievanceUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
				Steward: true,
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("category") {
				opts.Category = &category
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.UpdateGrievance(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short summary")
	cmd.Flags().StringVar(&desc, "description", "", "details")
	cmd.Flags().StringVar(&location, "location", "", "where the problem is")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|urgent")
	return cmd
}

func grievanceClassifyCmd() *cobra.Command {
	var category, priority string
	var tags []string
	cmd := &cobra.Command{
		Use:   "classify <id>",
		Short: "Apply a classification verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.ApplyClassification(ctx, args[0], engine.Classification{
					Category: category, Priority: priority, Tags: tags,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|urgent")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func grievanceActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Open a classified grievance for bidding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				g, err := e.ActivateGrievance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
}

func grievanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pending grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteGrievance(ctx, args[0], viper.GetString("actor-id"), true)
			})
		},
	}
}

func bidCmd() *cobra.Command {
	b := &cobra.Command{Use: "bid", Short: "Manage bids"}
	b.AddCommand(bidSubmitCmd())
	b.AddCommand(bidListCmd())
	b.AddCommand(bidWithdrawCmd())
	return b
}

func bidSubmitCmd() *cobra.Command {
	var grievanceID, amount, proposal string
	var etaHours int
	var skills []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Bid on an open grievance",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount must be a decimal: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.SubmitBid(ctx, engine.BidCreateOptions{
					GrievanceID: grievanceID,
					WorkerID:    viper.GetString("actor-id"),
					Amount:      amt,
					Proposal:    proposal,
					EtaHours:    etaHours,
					Skills:      skills,
				})
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id")
	cmd.Flags().StringVar(&amount, "amount", "", "bid amount")
	cmd.Flags().StringVar(&proposal, "proposal", "", "work proposal")
	cmd.Flags().IntVar(&etaHours, "eta-hours", 0, "estimated hours to complete")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "skills (repeatable)")
	_ = cmd.MarkFlagRequired("grievance")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("eta-hours")
	return cmd
}

func bidListCmd() *cobra.Command {
	var grievanceID string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bids on a grievance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.ListBids(ctx, grievanceID, repo.Page{Page: page, Size: size})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "WORKER", "AMOUNT", "ETA(H)", "STATUS"})
				for _, b := range items {
					t.AppendRow(table.Row{b.ID, b.WorkerID, b.Amount.StringFixed(2), b.EtaHours, b.Status})
				}
				t.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	_ = cmd.MarkFlagRequired("grievance")
	return cmd
}

func bidWithdrawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a pending bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.WithdrawBid(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func ballotCmd() *cobra.Command {
	b := &cobra.Command{Use: "ballot", Short: "Manage worker-selection ballots"}
	b.AddCommand(ballotCreateCmd())
	b.AddCommand(ballotListCmd())
	b.AddCommand(ballotShowCmd())
	b.AddCommand(ballotVoteCmd())
	b.AddCommand(ballotCancelCmd())
	b.AddCommand(ballotExpireCmd())
	return b
}

func ballotCreateCmd() *cobra.Command {
	var grievanceID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a ballot over a grievance's pending bids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CreateBallot(ctx, grievanceID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id")
	_ = cmd.MarkFlagRequired("grievance")
	return cmd
}

func ballotListCmd() *cobra.Command {
	var grievanceID, status string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ballots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.ListBallots(ctx, grievanceID, status, repo.Page{Page: page, Size: size})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "GRIEVANCE", "STATUS", "OPTIONS", "ENDS"})
				for _, b := range items {
					t.AppendRow(table.Row{b.ID, b.GrievanceID, b.Status, len(b.Options), b.EndsAt})
				}
				t.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func ballotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ballot with its live tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.GetBallot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func ballotVoteCmd() *cobra.Command {
	var option int
	cmd := &cobra.Command{
		Use:   "vote <ballot-id>",
		Short: "Cast a delegate vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CastVote(ctx, args[0], viper.GetString("actor-id"), option)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().IntVar(&option, "option", 0, "option index")
	return cmd
}

func ballotCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open ballot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CancelBallot(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func ballotExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Finalize every ballot whose window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.ExpireStaleBallots(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("finalized %d ballot(s)\n", n)
				return nil
			})
		},
	}
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "assignment", Short: "Manage assignments"}
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentShowCmd())
	a.AddCommand(assignmentExecuteCmd())
	a.AddCommand(assignmentStartCmd())
	a.AddCommand(assignmentProgressCmd())
	a.AddCommand(assignmentCompleteCmd())
	a.AddCommand(assignmentConfirmCmd())
	a.AddCommand(assignmentUnassignCmd())
	a.AddCommand(assignmentDisputeCmd())
	a.AddCommand(assignmentResolveCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	var grievanceID, workerID, status string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.ListAssignments(ctx, repo.AssignmentFilters{
					GrievanceID: grievanceID, WorkerID: workerID, Status: status,
				}, repo.Page{Page: page, Size: size})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "GRIEVANCE", "WORKER", "ESCROW", "STATUS", "RELEASED"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.GrievanceID, a.WorkerID, a.Escrow.StringFixed(2), a.Status, a.FundsReleased})
				}
				t.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id filter")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func assignmentExecuteCmd() *cobra.Command {
	var grievanceID, bidID string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a winning bid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.ExecuteWinner(ctx, grievanceID, bidID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&grievanceID, "grievance", "", "grievance id")
	cmd.Flags().StringVar(&bidID, "bid", "", "winning bid id")
	_ = cmd.MarkFlagRequired("grievance")
	_ = cmd.MarkFlagRequired("bid")
	return cmd
}

func assignmentStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start assigned work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.StartAssignment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func assignmentProgressCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report work progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.ProgressAssignment(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "progress note")
	return cmd
}

func assignmentCompleteCmd() *cobra.Command {
	var notes string
	var media []string
	var durationHours int
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit the completion record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.SubmitCompletion(ctx, args[0], viper.GetString("actor-id"), engine.CompletionOptions{
					Notes:         notes,
					MediaRefs:     media,
					DurationHours: durationHours,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().StringSliceVar(&media, "media", nil, "media references (repeatable)")
	cmd.Flags().IntVar(&durationHours, "duration-hours", 0, "actual hours spent")
	return cmd
}

func assignmentConfirmCmd() *cobra.Command {
	var side, feedback string
	var approved bool
	var rating int
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm completed work as citizen or delegate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.ConfirmationOptions{Approved: approved, Feedback: feedback, Rating: rating}
				var err error
				var a any
				switch side {
				case "citizen":
					a, err = e.ConfirmCitizen(ctx, args[0], viper.GetString("actor-id"), opts)
				case "delegate":
					a, err = e.ConfirmDelegate(ctx, args[0], viper.GetString("actor-id"), opts)
				default:
					return fmt.Errorf("--side must be citizen or delegate")
				}
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&side, "side", "", "citizen|delegate")
	cmd.Flags().BoolVar(&approved, "approved", true, "approve the work")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	_ = cmd.MarkFlagRequired("side")
	return cmd
}

func assignmentUnassignCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Cancel an assignment and reopen bidding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Unassign(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the assignment is cancelled")
	return cmd
}

func assignmentDisputeCmd() *cobra.Command {
	var reason string
	var evidence []string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Raise a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.RaiseDispute(ctx, args[0], viper.GetString("actor-id"), engine.DisputeOptions{
					Reason:       reason,
					EvidenceRefs: evidence,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence references (repeatable)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func assignmentResolveCmd() *cobra.Command {
	var citizenPct, workerPct, poolPct int
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dispute with a compensation split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.ResolveDispute(ctx, args[0], viper.GetString("actor-id"), engine.ResolutionOptions{
					CitizenPct: citizenPct,
					WorkerPct:  workerPct,
					PoolPct:    poolPct,
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().IntVar(&citizenPct, "citizen-pct", 0, "citizen share")
	cmd.Flags().IntVar(&workerPct, "worker-pct", 0, "worker share")
	cmd.Flags().IntVar(&poolPct, "pool-pct", 0, "community pool share")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage the worker registry"}
	var name string
	var reputation int
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.UpsertWorker(ctx, args[0], name, reputation, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().IntVar(&reputation, "reputation", 50, "reputation 0-100")
	w.AddCommand(add)
	w.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.Repo.ListWorkers(ctx, repo.Page{Size: 100})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "NAME", "REPUTATION", "JOBS"})
				for _, it := range items {
					t.AppendRow(table.Row{it.ID, it.Name, it.Reputation, it.JobsCompleted})
				}
				t.Render()
				return nil
			})
		},
	})
	return w
}

func delegateCmd() *cobra.Command {
	d := &cobra.Command{Use: "delegate", Short: "Manage the delegate registry"}
	var name, weight string
	var inactive bool
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a delegate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wt, err := decimal.NewFromString(weight)
			if err != nil {
				return fmt.Errorf("--weight must be a decimal: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.UpsertDelegate(ctx, args[0], name, wt, !inactive, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&weight, "weight", "1", "voting weight")
	add.Flags().BoolVar(&inactive, "inactive", false, "register as inactive")
	d.AddCommand(add)
	d.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List delegates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.Repo.ListDelegates(ctx, repo.Page{Size: 100})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "NAME", "WEIGHT", "ACTIVE"})
				for _, it := range items {
					t.AppendRow(table.Row{it.ID, it.Name, it.Weight.String(), it.Active})
				}
				t.Render()
				return nil
			})
		},
	})
	return d
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Inspect the ledger intent outbox"}
	l.AddCommand(ledgerIntentsCmd())
	l.AddCommand(ledgerShowCmd())
	l.AddCommand(ledgerRetryCmd())
	l.AddCommand(ledgerFlushCmd())
	return l
}

func ledgerIntentsCmd() *cobra.Command {
	var status string
	var page, size int
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "List ledger intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, total, err := e.ListIntents(ctx, status, repo.Page{Page: page, Size: size})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "OPERATION", "ENTITY", "STATUS", "ATTEMPTS", "TX_REF", "SIM"})
				for _, in := range items {
					t.AppendRow(table.Row{in.ID, in.Operation, in.EntityID, in.Status, in.Attempts, in.TxRef, in.Simulated})
				}
				t.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|processing|completed|failed")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func ledgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ledger intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				in, err := e.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func ledgerRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed intent and dispatch it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, e *engine.Engine, d *reconcile.Dispatcher) error {
				if err := d.Repo.RequeueIntent(ctx, args[0]); err != nil {
					return err
				}
				if err := d.Flush(ctx); err != nil {
					return err
				}
				in, err := e.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func ledgerFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Dispatch every pending intent once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, e *engine.Engine, d *reconcile.Dispatcher) error {
				return d.Flush(ctx)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name, key string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CreateAPIKey(ctx, actorID, name, key)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&key, "key", "", "the secret key value")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var evtType, entityKind, grievanceID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, grievanceID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&grievanceID, "grievance", "", "grievance id")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reapMinutes int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server with the reconciliation dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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
			e := engine.New(conn, cfg)
			d := reconcile.New(conn, cfg, nil)
			e.Queue = d

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CIVIMEND_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CIVIMEND_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Retrier: d, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return d.Run(ctx)
			})
			g.Go(func() error {
				ticker := time.NewTicker(time.Duration(reapMinutes) * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						if _, err := e.ExpireStaleBallots(ctx); err != nil {
							fmt.Fprintln(os.Stderr, "ballot reaper:", err)
						}
					}
				}
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Civimend API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().IntVar(&reapMinutes, "reap-interval", 5, "ballot expiry pass interval in minutes")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	return fn(ctx, engine.New(conn, cfg))
}

func withDispatcher(ctx context.Context, fn func(context.Context, *engine.Engine, *reconcile.Dispatcher) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	e := engine.New(conn, cfg)
	d := reconcile.New(conn, cfg, nil)
	e.Queue = d
	return fn(ctx, e, d)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}
