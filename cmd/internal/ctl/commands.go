package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courier/cmd/security/apikey"
	v1 "courier/shared/contracts/courier/v1"
)

func newSendCommand(g *globalOpts) *cobra.Command {
	var (
		stream  string
		to      []string
		subject string
		sender  string
		client  string
	)
	cmd := &cobra.Command{
		Use:   "send [content]",
		Short: "Send a stream or private message",
		Example: `  courierctl send --stream Verona --subject greetings "hello"
  courierctl send --to othello@example.com,iago@example.com "hi both"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (stream == "") == (len(to) == 0) {
				return errors.New("exactly one of --stream or --to is required")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			req := v1.SendMessageRequest{
				Content: args[0],
				Subject: subject,
				Sender:  sender,
				Client:  client,
			}
			if stream != "" {
				req.Type = v1.MessageTypeStream
				req.To = v1.Recipients{stream}
			} else {
				req.Type = v1.MessageTypePrivate
				req.To = v1.Recipients(to)
			}
			id, err := c.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v1.SendMessageResponse{ID: id})
		},
	}
	f := cmd.Flags()
	f.StringVar(&stream, "stream", "", "Destination stream")
	f.StringSliceVar(&to, "to", nil, "Private message recipients (comma-separated emails)")
	f.StringVar(&subject, "subject", "", "Topic for stream messages")
	f.StringVar(&sender, "sender", "", "Send on behalf of this email (forwarding accounts only)")
	f.StringVar(&client, "client", ClientName, "Sending client name")
	return cmd
}

func newPollCommand(g *globalOpts) *cobra.Command {
	var (
		since     int64
		timeout   time.Duration
		once      bool
		maxEvents int
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Long-poll for events and print them as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			return pollLoop(cmd.Context(), c, since, timeout, func(evs []v1.Event) (bool, error) {
				for _, ev := range evs {
					if err := out.Encode(ev); err != nil {
						return false, err
					}
					seen++
					if maxEvents > 0 && seen >= maxEvents {
						return false, nil
					}
				}
				return !once, nil
			})
		},
	}
	f := cmd.Flags()
	f.Int64Var(&since, "since", 0, "Return events with id greater than this")
	f.DurationVar(&timeout, "timeout", 0, "Server-side wait per poll (0 uses the server default)")
	f.BoolVar(&once, "once", false, "Stop after the first non-empty batch")
	f.IntVar(&maxEvents, "max", 0, "Stop after this many events (0 means no limit)")
	return cmd
}

// pollLoop polls until handle returns false, the context ends or the server fails.
// Timeouts are retried with the same since id.
func pollLoop(ctx context.Context, c *Client, since int64, timeout time.Duration, handle func([]v1.Event) (bool, error)) error {
	for {
		res, err := c.Events(ctx, since, timeout)
		var ae *APIError
		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			return nil
		case errors.As(err, &ae) && ae.Status == http.StatusGone:
			return fmt.Errorf("events after %d were trimmed; re-sync with `courierctl messages`, then `courierctl poll --since %d`: %w", since, ae.LastEventID, err)
		case err != nil:
			return err
		}
		if len(res.Events) == 0 {
			continue
		}
		since = res.LastEventID
		more, err := handle(res.Events)
		if err != nil || !more {
			return err
		}
	}
}

func newMessagesCommand(g *globalOpts) *cobra.Command {
	var (
		narrowFlags []string
		anchor      string
		before      int
		after       int
	)
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Fetch message history around an anchor",
		Example: `  courierctl messages --narrow stream:Verona --narrow search:noon
  courierctl messages --anchor newest --before 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			narrow, err := parseNarrowFlags(narrowFlags)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.Messages(cmd.Context(), HistoryQuery{Narrow: narrow, Anchor: anchor, NumBefore: before, NumAfter: after})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&narrowFlags, "narrow", nil, "Filter as operator:operand (repeatable)")
	f.StringVar(&anchor, "anchor", "newest", "Anchor message id, newest, oldest or first_unread")
	f.IntVar(&before, "before", 50, "Messages before the anchor")
	f.IntVar(&after, "after", 0, "Messages after the anchor")
	return cmd
}

// parseNarrowFlags turns ["stream:Verona", "search:noon"] into [["stream","Verona"],["search","noon"]].
func parseNarrowFlags(flags []string) ([][]string, error) {
	out := make([][]string, 0, len(flags))
	for _, f := range flags {
		op, operand, ok := strings.Cut(f, ":")
		if !ok || strings.TrimSpace(op) == "" {
			return nil, fmt.Errorf("invalid --narrow %q: expected operator:operand", f)
		}
		out = append(out, []string{strings.TrimSpace(op), operand})
	}
	return out, nil
}

func newSubscribeCommand(g *globalOpts, remove bool) *cobra.Command {
	use, short := "subscribe", "Subscribe to streams, creating them if needed"
	if remove {
		use, short = "unsubscribe", "Unsubscribe from streams"
	}
	return &cobra.Command{
		Use:   use + " <stream>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.Subscribe(cmd.Context(), args, remove)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newPointerCommand(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "pointer [message-id]",
		Short: "Show the pointer, or move it forward",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var to int64
			if len(args) == 1 {
				n, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid message id %q", args[0])
				}
				to = n
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			p, err := c.Pointer(cmd.Context(), to)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v1.PointerRequest{Pointer: p})
		},
	}
}

func newGenKeyCommand() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an API key and the digest the server stores for it",
		Long: "Generate an API key. The digest honours COURIER_APIKEY_HMAC_KEY, so run it with the\n" +
			"same environment as the server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := apikey.HasherFromEnv(false, 0)
			if err != nil {
				return err
			}
			key, err := apikey.Generate(size)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"api_key": key,
				"digest":  h.Hash(key),
				"hmac":    h.HMAC(),
			})
		},
	}
	cmd.Flags().IntVar(&size, "bytes", apikey.DefaultKeyBytes, "Random bytes in the key (16-64)")
	return cmd
}
