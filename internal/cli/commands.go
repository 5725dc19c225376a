package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/quota"
)

func parseUserID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func newShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's quota row (created with tier 0 if missing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return o.withLedger(cmd.Context(), func(l *quota.Ledger) error {
				rec, err := l.Snapshot(cmd.Context(), uid)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "user:     %d\n", rec.UserID)
				fmt.Fprintf(out, "tier:     %d\n", rec.Tier)
				fmt.Fprintf(out, "daily:    %d/%d\n", rec.DailyUsed, rec.DailyLimit)
				fmt.Fprintf(out, "monthly:  %d/%d\n", rec.MonthlyUsed, rec.MonthlyLimit)
				fmt.Fprintf(out, "day:      %s\n", rec.LastResetDate)
				return nil
			})
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger-wide usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withLedger(cmd.Context(), func(l *quota.Ledger) error {
				st, err := l.Stats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "users:        %d\n", st.TotalUsers)
				fmt.Fprintf(out, "members:      %d\n", st.MemberUsers)
				fmt.Fprintf(out, "active today: %d\n", st.ActiveToday)
				fmt.Fprintf(out, "used today:   %d\n", st.UsedToday)
				fmt.Fprintf(out, "used month:   %d\n", st.UsedMonth)
				return nil
			})
		},
	}
}

func newResetCmd(o *options, period string) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset-" + period + " [user-id]",
		Short: "Zero the " + period + " counter of one user, or of everyone with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a user id or --all")
			}
			return o.withLedger(cmd.Context(), func(l *quota.Ledger) error {
				ctx := cmd.Context()
				if all {
					var n int64
					var err error
					if period == "daily" {
						n, err = l.ResetAllDaily(ctx)
					} else {
						n, err = l.ResetAllMonthly(ctx)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s counters of %d users\n", period, n)
					return nil
				}

				uid, err := parseUserID(args[0])
				if err != nil {
					return err
				}
				var found bool
				if period == "daily" {
					found, err = l.ResetDaily(ctx, uid)
				} else {
					found, err = l.ResetMonthly(ctx, uid)
				}
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("user %d has no quota row", uid)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s counter of user %d\n", period, uid)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every user")
	return cmd
}

func newSetTierCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set-tier <tier> <user-id>...",
		Short: "Move users onto a quota tier",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid tier %q", args[0])
			}
			ids := make([]uint64, 0, len(args)-1)
			for _, a := range args[1:] {
				id, err := parseUserID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return o.withLedger(cmd.Context(), func(l *quota.Ledger) error {
				n, err := l.SetLimitsBulk(cmd.Context(), ids, tier)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "moved %d users to tier %d\n", n, tier)
				return nil
			})
		},
	}
}
