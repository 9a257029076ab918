package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"herald/internal/notification"
	"herald/internal/notifier/orchestrator"
)

type notificationView struct {
	Notification  notification.Record    `json:"notification"`
	Orchestration *orchestrator.Progress `json:"orchestration,omitempty"`
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <notification-id>",
		Short: "Show a notification's status, counters and orchestration stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v notificationView
			if err := opts.client().do(cmd.Context(), "GET", "/v1/notifications/"+args[0], nil, &v); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), v, func(w *tabwriter.Writer) {
				r := v.Notification
				fmt.Fprintln(w, "ID\tSTATUS\tTOTAL\tSUCCEEDED\tFAILED\tTHROTTLED\tUNKNOWN\tSTAGE")
				stage := "-"
				if v.Orchestration != nil {
					stage = v.Orchestration.Stage
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.Status, r.TotalRecipientCount, r.Succeeded, r.Failed, r.Throttled, r.Unknown, stage)
			})
		},
	}
}

func createCmd(opts *globalOptions) *cobra.Command {
	var (
		id, title, content, format, contentFile string
		allUsers                                bool
		rosters, groups, teams                  []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft notification",
		Long: `Create a draft notification. Exactly one audience flag is required.

Examples:
  heraldctl create --title "Maintenance" --content "Tonight 22:00 UTC" --all-users
  heraldctl create --content-file notice.md --format markdown --group oncall`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if contentFile != "" {
				b, err := readContent(cmd.InOrStdin(), contentFile)
				if err != nil {
					return err
				}
				content = string(b)
			}
			if strings.TrimSpace(content) == "" {
				return errors.New("content is required (--content or --content-file)")
			}
			aud := notification.Audience{AllUsers: allUsers, RosterIDs: rosters, GroupIDs: groups, TeamIDs: teams}
			if _, err := aud.Kind(); err != nil {
				return err
			}
			var rec notification.Record
			err := opts.client().do(cmd.Context(), "POST", "/v1/notifications", map[string]any{
				"id": id, "title": title, "content": content, "format": format, "audience": aud,
			}, &rec)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rec, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tSTATUS")
				fmt.Fprintf(w, "%s\t%s\n", rec.ID, rec.Status)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "notification id (generated when empty)")
	f.StringVar(&title, "title", "", "title")
	f.StringVar(&content, "content", "", "message body")
	f.StringVar(&contentFile, "content-file", "", "read the body from a file (- for stdin)")
	f.StringVar(&format, "format", "", "text, markdown or html")
	f.BoolVar(&allUsers, "all-users", false, "send to every known user")
	f.StringSliceVar(&rosters, "roster", nil, "team roster ids")
	f.StringSliceVar(&groups, "group", nil, "group ids")
	f.StringSliceVar(&teams, "team", nil, "team ids (posted to the team chat)")
	cmd.MarkFlagsMutuallyExclusive("content", "content-file")
	return cmd
}

func readContent(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// actionCmd posts to /v1/notifications/<id>/<action>.
func actionCmd(opts *globalOptions, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <notification-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := opts.client().do(cmd.Context(), "POST", "/v1/notifications/"+args[0]+"/"+action, nil, &out); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "%s\t%s\n", args[0], action+" accepted")
			})
		},
	}
}

func dispatchCmd(opts *globalOptions) *cobra.Command {
	return actionCmd(opts, "dispatch", "Start delivering a draft notification", "dispatch")
}

func cancelCmd(opts *globalOptions) *cobra.Command {
	return actionCmd(opts, "cancel", "Cancel a notification; recipients not yet sent are skipped", "cancel")
}

func forceCompleteCmd(opts *globalOptions) *cobra.Command {
	return actionCmd(opts, "force-complete", "Finalize a sending notification with its current counters", "force-complete")
}

func importMembersCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-members (group|roster) <id> [member-id...]",
		Short: "Replace the member list of a group or team roster",
		Long: `Replace the member list of a group or team roster. Member ids come from
the arguments or, with --file, one per line.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch args[0] {
			case "group":
				path = "/v1/directory/groups/"
			case "roster":
				path = "/v1/directory/rosters/"
			default:
				return fmt.Errorf("unknown kind %q (want group or roster)", args[0])
			}
			members := append([]string(nil), args[2:]...)
			if file != "" {
				b, err := readContent(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				for _, line := range strings.Split(string(b), "\n") {
					if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
						members = append(members, line)
					}
				}
			}
			if len(members) == 0 {
				return errors.New("no member ids given")
			}
			if err := opts.client().do(cmd.Context(), "PUT", path+args[1], map[string]any{"members": members}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d members into %s %s\n", len(members), args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one member id per line (- for stdin)")
	return cmd
}

// print renders v in the selected format; table output is drawn by table.
func (o *globalOptions) print(w io.Writer, v any, table func(*tabwriter.Writer)) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so keys match the API.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}
