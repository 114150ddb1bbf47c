package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/relay/client"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/update"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI and server versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Describe("relay"))
			st, err := newAPI().Status(cmd.Context())
			if err != nil {
				fmt.Println(gray("server: unreachable"))
				return nil
			}
			fmt.Printf("server %s\n", st.Version)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server load",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newAPI().Status(cmd.Context())
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(st)
			}
			fmt.Printf("status:      %s\n", green(st.Status))
			fmt.Printf("version:     %s\n", st.Version)
			fmt.Printf("uptime:      %s\n", (time.Duration(st.UptimeSeconds * float64(time.Second))).Round(time.Second).String())
			fmt.Printf("running:     %d/%d\n", st.Running, st.MaxConcurrent)
			fmt.Printf("queued:      %d\n", st.Queued)
			fmt.Printf("connections: %d\n", st.Connections)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("RELAY_PASSWORD")
			}
			if password == "" {
				return errors.New("--password or $RELAY_PASSWORD is required")
			}
			token, err := newAPI().Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := saveToken(token); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Println(green("signed in as"), username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents and what they are doing",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := newAPI().Agents(cmd.Context())
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(agents)
			}
			tw := newTable("Name", "Role", "State", "Task", "Message")
			for _, a := range agents {
				name := a.Name
				if a.Default {
					name += gray(" (default)")
				}
				tw.AppendRow([]any{name, label(a.Role), stateColor(a.Status.State), a.Status.CurrentTaskID, a.Status.Message})
			}
			tw.Render()
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List your sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newAPI().Sessions(cmd.Context(), all)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(list)
			}
			active, _ := sessionMemory().Load()
			tw := newTable("", "ID", "Title", "Status", "Updated")
			for _, s := range list {
				mark := ""
				if s.ID == active {
					mark = green("*")
				}
				tw.AppendRow([]any{mark, s.ID, s.Title, label(string(s.Status)), ago(s.UpdatedAt)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived sessions")

	use := &cobra.Command{
		Use:   "use <session-id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newAPI().State(cmd.Context(), args[0]); err != nil {
				return err
			}
			return sessionMemory().Save(args[0])
		},
	}
	archive := &cobra.Command{
		Use:   "archive [session-id]",
		Short: "Archive a session (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args)
			if err != nil {
				return err
			}
			s, err := newAPI().Archive(cmd.Context(), id)
			if err != nil {
				return err
			}
			if active, _ := sessionMemory().Load(); active == s.ID {
				if err := sessionMemory().Save(""); err != nil {
					return err
				}
			}
			fmt.Println(yellow("archived"), s.ID)
			return nil
		},
	}
	cmd.AddCommand(use, archive)
	return cmd
}

// sessionArg returns the explicit session ID or the remembered one.
func sessionArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	id, err := sessionMemory().Load()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("no active session; pass a session ID")
	}
	return id, nil
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [session-id]",
		Short: "Print a session transcript and its running tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args)
			if err != nil {
				return err
			}
			st, err := newAPI().State(cmd.Context(), id)
			if errors.Is(err, client.ErrNotFound) && len(args) == 0 {
				sessionMemory().Save("") //nolint:errcheck
				return fmt.Errorf("session %s no longer exists; forgot it", id)
			}
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(st)
			}
			fmt.Printf("%s %s\n\n", bold(st.Session.Title), gray(st.Session.ID))
			for _, m := range st.Messages {
				printMessage(m)
			}
			if st.RunningTasks.Count > 0 {
				fmt.Println()
				tw := newTable("Task", "Agent", "Status", "Steps", "Query")
				for _, t := range st.RunningTasks.Tasks {
					tw.AppendRow([]any{t.ID, t.AgentName, label(string(t.Status)), t.Steps, t.Query})
				}
				tw.Render()
			}
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPI().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(out)
			}
			fmt.Printf("%s %s\n", label(string(out.Result)), out.TaskID)
			if out.Warning != "" {
				fmt.Println(yellow("warning:"), out.Warning)
			}
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace this binary with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := update.New(version.Version)
			rel, err := u.Check(cmd.Context())
			if err != nil {
				return err
			}
			if rel == nil {
				fmt.Println("already up to date")
				return nil
			}
			if checkOnly {
				fmt.Printf("%s is available\n", green(rel.Version))
				return nil
			}
			if err := u.Apply(cmd.Context(), rel); err != nil {
				return err
			}
			fmt.Println(green("updated to"), rel.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update exists")
	return cmd
}
