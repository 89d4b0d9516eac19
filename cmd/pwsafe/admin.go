package main

import (
	"encoding/json"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage password restriction policies"}

	writeCmd := &cobra.Command{
		Use:   "write <file>",
		Short: "Create or replace a policy from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				return err
			}
			return show(newClient().post("/v1/policies", body))
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/policies/"+url.PathEscape(args[0]), nil))
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return done(newClient().delete("/v1/policies/"+url.PathEscape(args[0])), "Success! Deleted policy: "+args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/policies", nil))
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Test a password against a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptSecret("Password: ")
			if err != nil {
				return err
			}
			return show(newClient().post("/v1/policies/"+url.PathEscape(args[0])+"/check", map[string]any{"password": pw}))
		},
	}

	cmd.AddCommand(writeCmd, readCmd, deleteCmd, listCmd, checkCmd)
	return cmd
}

// --- users ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts (admins only)"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/users", nil))
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <login>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			source, _ := cmd.Flags().GetString("auth-source")
			password, _ := cmd.Flags().GetString("password")
			pw, err := secretArg(password, "Initial password: ")
			if err != nil {
				return err
			}
			return show(newClient().post("/v1/users", map[string]any{
				"login":       args[0],
				"email":       email,
				"password":    pw,
				"auth_source": source,
			}))
		},
	}
	createCmd.Flags().String("email", "", "Notification address")
	createCmd.Flags().String("auth-source", "", "Authentication source (local when empty)")
	createCmd.Flags().String("password", "", "Initial password (prompted when empty)")

	enable := func(use string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: "Mark an account " + use + "d",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := newClient().put("/v1/users/"+url.PathEscape(args[0])+"/enabled", map[string]any{"enabled": on})
				return done(err, "Success! Account "+use+"d")
			},
		}
	}

	resetCmd := &cobra.Command{
		Use:   "reset-password <id>",
		Short: "Set a new password for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptSecret("New password: ")
			if err != nil {
				return err
			}
			_, err = newClient().post("/v1/users/"+url.PathEscape(args[0])+"/password", map[string]any{"password": pw})
			return done(err, "Success! Password reset")
		},
	}

	cmd.AddCommand(listCmd, createCmd, enable("enable", true), enable("disable", false), resetCmd)
	return cmd
}

// --- groups ---

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage groups"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/groups", nil))
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().post("/v1/groups", map[string]any{"name": args[0]}))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id> <enabled|disabled|deleted>",
		Short: "Change a group's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().put("/v1/groups/"+url.PathEscape(args[0])+"/status", map[string]any{"status": args[1]})
			return done(err, "Success! Group is "+args[1])
		},
	}

	membersCmd := &cobra.Command{
		Use:   "members <id>",
		Short: "List a group's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/groups/"+url.PathEscape(args[0])+"/members", nil))
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <id> <user-id>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().put("/v1/groups/"+url.PathEscape(args[0])+"/members/"+url.PathEscape(args[1]), nil)
			return done(err, "Success! Member added")
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id> <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return done(newClient().delete("/v1/groups/"+url.PathEscape(args[0])+"/members/"+url.PathEscape(args[1])), "Success! Member removed")
		},
	}

	cmd.AddCommand(listCmd, createCmd, statusCmd, membersCmd, addCmd, removeCmd)
	return cmd
}
