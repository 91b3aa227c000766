package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/deliveryopt/internal/config"
	"github.com/italolelis/deliveryopt/pkg/do"
	"github.com/italolelis/deliveryopt/pkg/do/rpc"
	"github.com/spf13/cobra"
)

type setting struct {
	p        do.Property
	v        do.PropertyValue
	optional bool
}

type cli struct {
	agentURL string
	token    string
	timeout  time.Duration
}

func (c *cli) client() *rpc.Client {
	return rpc.New(c.agentURL, rpc.WithToken(c.token))
}

// callCtx bounds a single request to the agent.
func (c *cli) callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func newRootCmd(cfg *config.ClientConfig) *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "doctl",
		Short:        "Control downloads on a delivery optimization agent",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&c.agentURL, "agent", cfg.AgentURL, "agent base URL (DO_AGENT_URL)")
	root.PersistentFlags().StringVar(&c.token, "token", cfg.APIToken, "bearer token for the agent API (DO_API_TOKEN)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", cfg.Timeout, "timeout of a single agent request")

	root.AddCommand(
		c.createCmd(),
		c.setCmd(),
		c.getCmd(),
		c.actionCmd("start", "Start or resume a download", (*rpc.Client).Start),
		c.actionCmd("resume", "Resume a paused download", (*rpc.Client).Start),
		c.actionCmd("pause", "Pause a transferring download", (*rpc.Client).Pause),
		c.actionCmd("finalize", "Release a transferred download and keep its file", (*rpc.Client).Finalize),
		c.actionCmd("abort", "Cancel a download and delete its partial file", (*rpc.Client).Abort),
		c.statusCmd(),
		c.listCmd(),
		c.waitCmd(),
		c.downloadCmd(),
	)

	return root
}

func (c *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <uri> <local-path>",
		Short: "Create a download and print its id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			id, err := c.client().Create(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}
}

func (c *cli) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <property> <value>",
		Short: "Set a download property, e.g. set <id> caller_name nightly",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := do.ParseProperty(args[1])
			if err != nil {
				return err
			}

			v, err := parseValue(p, args[2])
			if err != nil {
				return err
			}

			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			return c.client().SetProperty(ctx, args[0], p, v)
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id> <property>",
		Short: "Print a download property",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := do.ParseProperty(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			v, err := c.client().GetProperty(ctx, args[0], p)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))

			return nil
		},
	}
}

func (c *cli) actionCmd(name, short string, fn func(*rpc.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			return fn(c.client(), ctx, args[0])
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the status of a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			s, err := c.client().Status(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatStatus(s))

			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the agent's download journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.callCtx(cmd)
			defer cancel()

			records, err := c.client().List(ctx)
			if err != nil {
				return err
			}

			writeRecords(cmd.OutOrStdout(), records, time.Now())

			return nil
		},
	}
}

func (c *cli) waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <id>",
		Short: "Follow a download until it is transferred or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := c.client().Subscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var last do.Status

			for s := range updates {
				last = s
				fmt.Fprintln(cmd.OutOrStdout(), formatStatus(s))

				if s.IsTerminal() {
					break
				}
			}

			if last.IsError() {
				return do.NewError("wait", last.ErrorCode(), nil)
			}

			return cmd.Context().Err()
		},
	}
}

func (c *cli) downloadCmd() *cobra.Command {
	var (
		callerName string
		foreground bool
		integrity  string
		timeout    uint32
	)

	cmd := &cobra.Command{
		Use:   "download <uri> <local-path>",
		Short: "Download a file and wait for it, pausing on interrupt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			d, err := do.NewDownload(ctx, c.client(), args[0], args[1])
			if err != nil {
				return err
			}
			defer d.Close()

			// Optional properties are skipped on agents that predate them.
			props := []setting{
				{do.PropCallerName, do.StringValue(callerName), false},
				{do.PropUseForegroundPriority, do.BoolValue(foreground), false},
				{do.PropNoProgressTimeoutSeconds, do.UintValue(timeout), true},
			}

			if integrity != "" {
				props = append(props, setting{do.PropIntegrityCheckInfo, do.StringValue(integrity), true})
			}

			for _, prop := range props {
				err := d.SetProperty(ctx, prop.p, prop.v)
				if prop.optional && do.IsUnknownProperty(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "agent does not support %s, skipping\n", prop.p)

					continue
				}

				if err != nil {
					return err
				}
			}

			err = d.SetProperty(ctx, do.PropCallbackInterface, do.CallbackValue(func(_ *do.Download, s do.Status) {
				fmt.Fprintln(out, formatStatus(s))
			}))
			if err != nil {
				return err
			}

			fmt.Fprintln(out, d.ID())

			if err := d.StartAndWaitUntilCompletion(ctx); err != nil {
				if errors.Is(err, do.ErrAborted) && ctx.Err() != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "interrupted, download %s paused\n", d.ID())
				}

				return err
			}

			return d.Finalize(context.WithoutCancel(ctx))
		},
	}

	cmd.Flags().StringVar(&callerName, "caller", "doctl", "caller name reported to the agent")
	cmd.Flags().BoolVar(&foreground, "foreground", true, "use foreground priority")
	cmd.Flags().StringVar(&integrity, "integrity", "", `integrity info JSON, e.g. {"Version":1,"HashAlgorithm":"SHA256","ContentDigest":"..."}`)
	cmd.Flags().Uint32Var(&timeout, "no-progress-timeout", 0, "seconds without progress before failing, 0 for the agent default")

	return cmd
}

// parseValue reads raw as the kind p accepts.
func parseValue(p do.Property, raw string) (do.PropertyValue, error) {
	switch p.Kind() {
	case do.KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return do.PropertyValue{}, do.NewError("parse_value", do.ErrInvalidArg, err)
		}

		return do.BoolValue(b), nil
	case do.KindUint:
		u, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return do.PropertyValue{}, do.NewError("parse_value", do.ErrInvalidArg, err)
		}

		return do.UintValue(uint32(u)), nil
	case do.KindString:
		return do.StringValue(raw), nil
	default:
		return do.PropertyValue{}, do.Errorf("parse_value", do.ErrInvalidArg, "property %s cannot be set from the command line", p)
	}
}

func formatValue(v do.PropertyValue) string {
	switch v.Kind() {
	case do.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case do.KindUint:
		u, _ := v.AsUint()
		return strconv.FormatUint(uint64(u), 10)
	case do.KindString:
		s, _ := v.AsString()
		return s
	default:
		return v.GoString()
	}
}

func formatStatus(s do.Status) string {
	progress := humanize.Bytes(s.BytesTransferred())
	if s.BytesTotal() > 0 {
		progress = fmt.Sprintf("%s / %s (%.0f%%)", progress, humanize.Bytes(s.BytesTotal()),
			float64(s.BytesTransferred())*100/float64(s.BytesTotal()))
	}

	line := fmt.Sprintf("%-12s %s", s.State(), progress)
	if s.ErrorCode() != do.OK {
		line += "  error: " + s.ErrorCode().Error()
	}

	return line
}

func writeRecords(w io.Writer, records []rpc.Record, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tUPDATED\tPATH")

	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.State, humanize.Bytes(rec.BytesTotal), humanize.RelTime(rec.UpdatedAt, now, "ago", "from now"), rec.LocalPath)
	}

	tw.Flush()
}
