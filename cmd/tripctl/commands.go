package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/matheus3301/tripsafe/internal/control"
	"github.com/matheus3301/tripsafe/internal/model"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and active trip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), st, func(w io.Writer) {
					fmt.Fprintf(w, "Profile:   %s\n", st.Profile)
					fmt.Fprintf(w, "State:     %s\n", st.State)
					fmt.Fprintf(w, "Pending:   %d\n", st.PendingCount)
					fmt.Fprintf(w, "Failed:    %d\n", st.FailedCount)
					fmt.Fprintf(w, "Last sync: %s\n", formatTime(st.LastDrainAt))
					if st.DeviceToken != "" {
						fmt.Fprintf(w, "Device:    registered\n")
					}
					if st.ActiveTrip != nil {
						fmt.Fprintln(w)
						printTrip(w, st.ActiveTrip)
					}
				})
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				r, err := c.SyncNow(ctx)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), r, func(w io.Writer) {
					fmt.Fprintf(w, "Sent %d of %d queued changes", r.Synced, r.Attempted)
					if r.Failed > 0 {
						fmt.Fprintf(w, ", %d rejected", r.Failed)
					}
					if r.Deferred > 0 {
						fmt.Fprintf(w, ", %d still waiting (%s)", r.Deferred, r.Stopped)
					}
					fmt.Fprintln(w, ".")
				})
			})
		},
	}
}

func newTripsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trips",
		Short: "List trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				trips, err := c.Trips(ctx)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), trips, func(w io.Writer) {
					if len(trips) == 0 {
						fmt.Fprintln(w, "No trips.")
					}
					for i := range trips {
						printTrip(w, &trips[i])
					}
				})
			})
		},
	}
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List changes waiting to be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				pending, err := c.Pending(ctx)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), pending, func(w io.Writer) {
					if len(pending) == 0 {
						fmt.Fprintln(w, "Nothing queued.")
					}
					for _, p := range pending {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Type, tripLabel(p.TripID), formatTime(&p.CreatedAt))
					}
				})
			})
		},
	}
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List changes the server rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				failed, err := c.Failed(ctx)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), failed, func(w io.Writer) {
					if len(failed) == 0 {
						fmt.Fprintln(w, "No failed changes.")
					}
					for _, f := range failed {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.ID, f.Type, tripLabel(f.TripID), f.Error)
					}
				})
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Dismiss every failed change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				if err := c.ClearFailed(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared.")
				return nil
			})
		},
	})
	return cmd
}

func newCheckInCommand(opts *rootOptions) *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "checkin <trip-id>",
		Short: "Check in on a trip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			var loc *model.Coordinate
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				loc = &model.Coordinate{Lat: lat, Lng: lng}
			}
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				r, err := c.CheckIn(ctx, id, loc)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), r, func(w io.Writer) { printTripReply(w, r) })
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude of the check-in")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude of the check-in")
	return cmd
}

func newExtendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <trip-id> <minutes>",
		Short: "Push a trip's ETA forward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("invalid minutes %q", args[1])
			}
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				r, err := c.Extend(ctx, id, minutes)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), r, func(w io.Writer) { printTripReply(w, r) })
			})
		},
	}
}

func newCompleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <trip-id>",
		Short: "Mark a trip as finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTripID(args[0])
			if err != nil {
				return err
			}
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				r, err := c.Complete(ctx, id)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), r, func(w io.Writer) { printTripReply(w, r) })
			})
		},
	}
}

func newDeviceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage push notifications for this device",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register <push-token>",
		Short: "Register a push token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				r, err := c.RegisterDevice(ctx, args[0])
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), r, func(w io.Writer) {
					if r.Registered {
						fmt.Fprintln(w, "Device registered.")
					} else {
						fmt.Fprintln(w, "Registration is retrying in the background.")
					}
				})
			})
		},
	})
	return cmd
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var access, refresh string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Hand a credential pair to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				st, err := c.SignIn(ctx, access, refresh)
				if err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), st, func(w io.Writer) {
					fmt.Fprintf(w, "Signed in to profile %s (%s).\n", st.Profile, st.State)
				})
			})
		},
	}
	cmd.Flags().StringVar(&access, "access-token", "", "access token issued by the service")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token issued by the service")
	_ = cmd.MarkFlagRequired("access-token")
	_ = cmd.MarkFlagRequired("refresh-token")
	return cmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out, discarding cached trips and unsent changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(ctx context.Context, c *control.Client) error {
				if err := c.SignOut(ctx); err != nil {
					return err
				}
				return output(opts, cmd.OutOrStdout(), map[string]bool{"signed_out": true}, func(w io.Writer) {
					fmt.Fprintln(w, "Signed out.")
				})
			})
		},
	}
}

func tripLabel(id *int64) string {
	if id == nil {
		return "-"
	}
	return "trip " + strconv.FormatInt(*id, 10)
}
