package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Environment variables read as flag defaults.
const (
	EnvServer = "COURIER_URL"
	EnvEmail  = "COURIER_EMAIL"
	EnvAPIKey = "COURIER_API_KEY" // #nosec G101 -- env var name, not a credential.
)

var errMissingCredentials = errors.New("missing credentials: set --email/--api-key or COURIER_EMAIL/COURIER_API_KEY")

type globalOpts struct {
	server  string
	email   string
	apiKey  string
	timeout time.Duration
}

// NewRoot builds the courierctl command tree.
func NewRoot() *cobra.Command {
	g := &globalOpts{}

	root := &cobra.Command{
		Use:           "courierctl",
		Short:         "Command line client for a courier server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", envOr(EnvServer, "http://127.0.0.1:8080"), "Server base URL")
	pf.StringVar(&g.email, "email", os.Getenv(EnvEmail), "Account email")
	pf.StringVar(&g.apiKey, "api-key", os.Getenv(EnvAPIKey), "Account API key")
	pf.DurationVar(&g.timeout, "http-timeout", 2*time.Minute, "HTTP client timeout")

	root.AddCommand(
		newSendCommand(g),
		newPollCommand(g),
		newMessagesCommand(g),
		newSubscribeCommand(g, false),
		newSubscribeCommand(g, true),
		newPointerCommand(g),
		newGenKeyCommand(),
	)
	return root
}

func (g *globalOpts) client() (*Client, error) {
	if strings.TrimSpace(g.email) == "" || g.apiKey == "" {
		return nil, errMissingCredentials
	}
	return NewClient(g.server, g.email, g.apiKey, g.timeout), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
