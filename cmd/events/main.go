package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventhub/internal/client"
	"github.com/alfredjeanlab/eventhub/internal/ui"
)

var (
	serverAddr string
	httpURL    string
	transport  string
	natsURL    string
	token      string
	jsonOutput bool
	actor      string

	eventClient client.EventClient
)

func defaultActor() string {
	if s := os.Getenv("HUB_ACTOR"); s != "" {
		return s
	}
	out, err := exec.Command("git", "config", "user.name").Output()
	if err == nil {
		name := strings.TrimSpace(string(out))
		if name != "" {
			return name
		}
	}
	return ""
}

func defaultHTTPURL() string {
	if s := os.Getenv("HUB_HTTP_URL"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultServer() string {
	if s := os.Getenv("HUB_SERVER"); s != "" {
		return s
	}
	if u := activeRemoteGRPC(); u != "" {
		return u
	}
	return "localhost:9090"
}

func defaultNATSURL() string {
	if s := os.Getenv("HUB_NATS_URL"); s != "" {
		return s
	}
	if u := activeRemoteNATSURL(); u != "" {
		return u
	}
	return "nats://localhost:4222"
}

func defaultToken() string {
	if s := os.Getenv("HUB_AUTH_TOKEN"); s != "" {
		return s
	}
	return activeRemoteToken()
}

// noClient skips client construction for commands that do not talk to a hub.
func noClient(*cobra.Command, []string) error { return nil }

var rootCmd = &cobra.Command{
	Use:           "events <command>",
	Short:         "Publish, query and follow events on an event hub",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Setup()
		c, err := newClient()
		if err != nil {
			return err
		}
		eventClient = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eventClient != nil {
			eventClient.Close()
		}
	},
}

func newClient() (client.EventClient, error) {
	switch transport {
	case "http":
		return client.NewHTTPClient(httpURL, token), nil
	case "grpc":
		c, err := client.NewGRPCClient(serverAddr, token)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (must be http or grpc)", transport)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "gRPC server address")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "http", "transport protocol (http or grpc)")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", defaultNATSURL(), "NATS URL for follow")
	rootCmd.PersistentFlags().StringVar(&token, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded on published events")

	rootCmd.AddGroup(
		&cobra.Group{ID: "events", Title: "Events:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Events
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(traceCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderError("Error:"), err)
		os.Exit(1)
	}
}
