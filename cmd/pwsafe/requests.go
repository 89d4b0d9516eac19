package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Restricted access requests"}

	createCmd := &cobra.Command{
		Use:   "create <item-id> <reason>",
		Short: "Ask the item's approvers for access",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ignore, _ := cmd.Flags().GetString("ignore")
			return show(newClient().post("/v1/requests", map[string]any{
				"item_id":        args[0],
				"reason":         args[1],
				"ignore_user_id": ignore,
			}))
		},
	}
	createCmd.Flags().String("ignore", "", "User id to leave out of the approvers")

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List your requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/requests", nil))
		},
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List requests waiting on your vote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/requests/pending", nil))
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/requests/"+url.PathEscape(args[0]), nil))
		},
	}

	vote := func(use, v string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: "Vote to " + v + " a request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return show(newClient().post("/v1/requests/"+url.PathEscape(args[0])+"/vote", map[string]any{"vote": v}))
			},
		}
	}

	readCmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Read the item of an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/requests/"+url.PathEscape(args[0])+"/item", nil))
		},
	}

	cmd.AddCommand(createCmd, lsCmd, pendingCmd, showCmd, vote("approve", "approve"), vote("block", "block"), readCmd)
	return cmd
}
