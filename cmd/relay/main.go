// Command relay is the relay CLI client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/relay/client"
)

const defaultServer = "http://localhost:9090"

type globals struct {
	server      string
	token       string
	sessionFile string
	json        bool
}

var g globals

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Talk to a relay server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if g.token == "" {
			g.token = os.Getenv("RELAY_TOKEN")
		}
		if g.token == "" {
			g.token = readToken()
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.server, "server", "s", envOr("RELAY_SERVER", defaultServer), "relay server URL")
	pf.StringVar(&g.token, "token", "", "bearer token (or $RELAY_TOKEN, or the saved login)")
	pf.StringVar(&g.sessionFile, "session-file", client.DefaultMemoryPath(), "where the active session is remembered")
	pf.BoolVar(&g.json, "json", false, "output JSON")

	rootCmd.AddCommand(
		versionCmd(),
		statusCmd(),
		loginCmd(),
		agentsCmd(),
		sessionsCmd(),
		stateCmd(),
		chatCmd(),
		watchCmd(),
		cancelCmd(),
		updateCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newAPI() *client.API {
	return client.NewAPI(g.server, g.token)
}

func sessionMemory() client.SessionMemory {
	return client.FileMemory{Path: g.sessionFile}
}

// tokenPath keeps the saved login next to the session file.
func tokenPath() string {
	return filepath.Join(filepath.Dir(g.sessionFile), "token")
}

func readToken() string {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, yellow("warning:"), "read saved token:", err)
		}
		return ""
	}
	return strings.TrimSpace(string(b))
}

func saveToken(token string) error {
	p := tokenPath()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(token+"\n"), 0o600)
}
