package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/tripsafe/internal/config"
	"github.com/matheus3301/tripsafe/internal/control"
	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/profile"
)

var validFormats = []string{"text", "json"}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Profile string
	Format  string
	Timeout time.Duration
	Socket  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tripctl",
		Short:         "Control the tripsafe daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, err := config.LoadOrDefault(profile.ConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			name, err := profile.Resolve(opts.Profile, cfg.DefaultProfile)
			if err != nil {
				return err
			}
			opts.Profile = name
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Socket, "socket", "", "daemon socket (overrides the profile socket)")

	cmd.AddCommand(
		newStatusCommand(opts),
		newSyncCommand(opts),
		newTripsCommand(opts),
		newPendingCommand(opts),
		newFailedCommand(opts),
		newCheckInCommand(opts),
		newExtendCommand(opts),
		newCompleteCommand(opts),
		newDeviceCommand(opts),
		newLoginCommand(opts),
		newLogoutCommand(opts),
	)
	return cmd
}

// withClient dials the daemon and runs fn with a bounded context.
func withClient(opts *rootOptions, fn func(ctx context.Context, c *control.Client) error) error {
	socket := opts.Socket
	if socket == "" {
		socket = profile.SocketPath(opts.Profile)
	}
	c, err := control.Dial(socket)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", opts.Profile, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	return fn(ctx, c)
}

// output writes v as JSON, or calls text for the text format.
func output(opts *rootOptions, w io.Writer, v any, text func(w io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func parseTripID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid trip id %q", arg)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func printTrip(w io.Writer, t *model.Trip) {
	if t == nil {
		fmt.Fprintln(w, "No trip.")
		return
	}
	fmt.Fprintf(w, "#%d %s (%s)\n", t.ID, t.Title, t.Status)
	fmt.Fprintf(w, "  Activity: %s\n", t.Activity.Name)
	fmt.Fprintf(w, "  ETA:      %s\n", formatTime(&t.ETA))
	if t.LastCheckinAt != nil {
		fmt.Fprintf(w, "  Checked in: %s\n", formatTime(t.LastCheckinAt))
	}
}

func printTripReply(w io.Writer, r *control.TripReply) {
	printTrip(w, r.Trip)
	if r.Queued {
		fmt.Fprintln(w, "Saved offline; it will be sent when the connection returns.")
	}
}
