package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// parseActor splits "user:<id>" or "group:<id>".
func parseActor(s string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" || (typ != "user" && typ != "group") {
		return "", "", fmt.Errorf("actor must be user:<id> or group:<id>, got %q", s)
	}
	return typ, id, nil
}

func actorPath(s string) (string, error) {
	typ, id, err := parseActor(s)
	if err != nil {
		return "", err
	}
	return typ + "/" + url.PathEscape(id), nil
}

// payloadFlags reads the payload flags shared by create and update.
func payloadFlags(cmd *cobra.Command, args []string) (map[string]any, error) {
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	notes, _ := cmd.Flags().GetString("notes")
	pw, err := secretArg(password, "Item password: ")
	if err != nil {
		return nil, err
	}
	fields, err := parseFields(args)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"username":      username,
		"password":      pw,
		"notes":         notes,
		"custom_fields": fields,
	}, nil
}

func addPayloadFlags(cmd *cobra.Command) {
	cmd.Flags().String("username", "", "Account name stored with the secret")
	cmd.Flags().String("password", "", "Secret value (prompted when empty)")
	cmd.Flags().String("notes", "", "Free-form notes")
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage stored secrets"}

	createCmd := &cobra.Command{
		Use:   "create <name> [field=value ...]",
		Short: "Create an item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadFlags(cmd, args[1:])
			if err != nil {
				return err
			}
			typ, _ := cmd.Flags().GetString("type")
			node, _ := cmd.Flags().GetString("node")
			history, _ := cmd.Flags().GetBool("history")
			policy, _ := cmd.Flags().GetString("policy")
			body := map[string]any{
				"name":                  args[0],
				"type":                  typ,
				"node_id":               node,
				"payload":               payload,
				"history_enabled":       history,
				"restriction_policy_id": policy,
			}
			if approvers, _ := cmd.Flags().GetInt("approvers"); approvers > 0 {
				blockers, _ := cmd.Flags().GetInt("blockers")
				body["restricted_access"] = map[string]any{
					"enabled":            true,
					"approvers_required": approvers,
					"blockers_required":  blockers,
				}
			}
			if expires, _ := cmd.Flags().GetString("expires"); expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("expires must be RFC 3339: %w", err)
				}
				body["expires_at"] = t
			}
			grants, _ := cmd.Flags().GetStringSlice("grant")
			var gs []map[string]any
			for _, g := range grants {
				who, perm, ok := strings.Cut(g, "=")
				if !ok {
					return fmt.Errorf("grant must be <actor>=<permission>, got %q", g)
				}
				typ, id, err := parseActor(who)
				if err != nil {
					return err
				}
				gs = append(gs, map[string]any{"actor": map[string]any{"type": typ, "id": id}, "permission": perm})
			}
			body["grants"] = gs
			return show(newClient().post("/v1/items", body))
		},
	}
	addPayloadFlags(createCmd)
	createCmd.Flags().String("type", "standard", "Item type: standard or personal")
	createCmd.Flags().String("node", "", "Container to place the item in")
	createCmd.Flags().Bool("history", true, "Keep a history of previous values")
	createCmd.Flags().String("policy", "", "Restriction policy the password must satisfy")
	createCmd.Flags().Int("approvers", 0, "Require this many approvals before access (0 disables)")
	createCmd.Flags().Int("blockers", 0, "Blocks that reject a request (0 disables)")
	createCmd.Flags().String("expires", "", "Expiry time (RFC 3339)")
	createCmd.Flags().StringSlice("grant", nil, "Extra access, e.g. group:<id>=read")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an item and its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/items/"+url.PathEscape(args[0]), nil))
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info <id>",
		Short: "Show an item without decrypting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/items/"+url.PathEscape(args[0])+"/info", nil))
		},
	}

	envCmd := &cobra.Command{
		Use:   "env <id>",
		Short: "Print an item as dotenv lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().text("/v1/items/" + url.PathEscape(args[0]) + "/env")
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <id> [field=value ...]",
		Short: "Replace an item's secret",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadFlags(cmd, args[1:])
			if err != nil {
				return err
			}
			return show(newClient().put("/v1/items/"+url.PathEscape(args[0]), map[string]any{"payload": payload}))
		},
	}
	addPayloadFlags(updateCmd)

	renameCmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().patch("/v1/items/"+url.PathEscape(args[0]), map[string]any{"name": args[1]}))
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return done(newClient().delete("/v1/items/"+url.PathEscape(args[0])), "Success! Deleted "+args[0])
		},
	}

	enable := func(use string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " an item",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := newClient().put("/v1/items/"+url.PathEscape(args[0])+"/enabled", map[string]any{"enabled": on})
				return done(err, "Success! Item "+use+"d")
			},
		}
	}

	accessCmd := &cobra.Command{
		Use:   "access <id>",
		Short: "List who can read or modify an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/items/"+url.PathEscape(args[0])+"/access", nil))
		},
	}

	grantCmd := &cobra.Command{
		Use:   "grant <id> <actor> <none|read|modify>",
		Short: "Set an actor's permission on an item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := actorPath(args[1])
			if err != nil {
				return err
			}
			_, err = newClient().put("/v1/items/"+url.PathEscape(args[0])+"/access/"+ap, map[string]any{"permission": args[2]})
			return done(err, "Success! Access updated")
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id> <actor>",
		Short: "Remove an actor's access to an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := actorPath(args[1])
			if err != nil {
				return err
			}
			return done(newClient().delete("/v1/items/"+url.PathEscape(args[0])+"/access/"+ap), "Success! Access revoked")
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show previous values of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if at, _ := cmd.Flags().GetString("at"); at != "" {
				q.Set("at", at)
			}
			return show(newClient().get("/v1/items/"+url.PathEscape(args[0])+"/history", q))
		},
	}
	historyCmd.Flags().String("at", "", "Show the value current at this RFC 3339 time")

	expiringCmd := &cobra.Command{
		Use:   "expiring",
		Short: "List items nearing expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if within, _ := cmd.Flags().GetString("within"); within != "" {
				q.Set("within", within)
			}
			return show(newClient().get("/v1/items/expiring", q))
		},
	}
	expiringCmd.Flags().String("within", "", "Window such as 72h (server setting when empty)")

	cmd.AddCommand(createCmd, getCmd, infoCmd, envCmd, updateCmd, renameCmd, rmCmd,
		enable("enable", true), enable("disable", false),
		accessCmd, grantCmd, revokeCmd, historyCmd, expiringCmd)
	return cmd
}
