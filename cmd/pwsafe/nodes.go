package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Browse and organize the container tree"}

	homeCmd := &cobra.Command{
		Use:   "home",
		Short: "Show your personal container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/nodes/home", nil))
		},
	}

	lsCmd := &cobra.Command{
		Use:   "ls [id]",
		Short: "List a container's children (the root by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "root"
			if len(args) > 0 {
				id = args[0]
			}
			return show(newClient().get("/v1/nodes/"+url.PathEscape(id)+"/children", nil))
		},
	}

	mkdirCmd := &cobra.Command{
		Use:   "mkdir <parent-id> <name>",
		Short: "Create a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().post("/v1/nodes", map[string]any{"parent_id": args[0], "name": args[1]}))
		},
	}

	linkCmd := &cobra.Command{
		Use:   "link <parent-id> <item-id> [name]",
		Short: "Place an existing item in another container",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"item_id": args[1]}
			if len(args) == 3 {
				body["name"] = args[2]
			}
			return show(newClient().post("/v1/nodes/"+url.PathEscape(args[0])+"/links", body))
		},
	}

	mvCmd := &cobra.Command{
		Use:   "mv <id> <new-parent-id>",
		Short: "Move a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().patch("/v1/nodes/"+url.PathEscape(args[0]), map[string]any{"parent_id": args[1]}))
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().patch("/v1/nodes/"+url.PathEscape(args[0]), map[string]any{"name": args[1]}))
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a node and everything beneath it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return done(newClient().delete("/v1/nodes/"+url.PathEscape(args[0])), "Success! Deleted "+args[0])
		},
	}

	cmd.AddCommand(homeCmd, lsCmd, mkdirCmd, linkCmd, mvCmd, renameCmd, rmCmd, ruleCmd(), defaultCmd())
	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage container visibility rules"}

	lsCmd := &cobra.Command{
		Use:   "ls <node-id>",
		Short: "List the rules set on a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/nodes/"+url.PathEscape(args[0])+"/rules", nil))
		},
	}

	setRule := func(use string, allow bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <node-id> <actor>",
			Short: "Set an " + use + " rule",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ap, err := actorPath(args[1])
				if err != nil {
					return err
				}
				_, err = newClient().put("/v1/nodes/"+url.PathEscape(args[0])+"/rules/"+ap, map[string]any{"allow": allow})
				return done(err, "Success! Rule set")
			},
		}
	}

	clearCmd := &cobra.Command{
		Use:   "clear <node-id> <actor>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := actorPath(args[1])
			if err != nil {
				return err
			}
			return done(newClient().delete("/v1/nodes/"+url.PathEscape(args[0])+"/rules/"+ap), "Success! Rule removed")
		},
	}

	cmd.AddCommand(lsCmd, setRule("allow", true), setRule("deny", false), clearCmd)
	return cmd
}

func defaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "default", Short: "Manage permission defaults for new items"}

	lsCmd := &cobra.Command{
		Use:   "ls <node-id>",
		Short: "List the defaults in effect for a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/nodes/"+url.PathEscape(args[0])+"/defaults", nil))
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <node-id> <actor> <none|read|modify>",
		Short: "Set a default",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := actorPath(args[1])
			if err != nil {
				return err
			}
			_, err = newClient().put("/v1/nodes/"+url.PathEscape(args[0])+"/defaults/"+ap, map[string]any{"permission": args[2]})
			return done(err, "Success! Default set")
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <node-id> <actor>",
		Short: "Remove a default",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, err := actorPath(args[1])
			if err != nil {
				return err
			}
			return done(newClient().delete("/v1/nodes/"+url.PathEscape(args[0])+"/defaults/"+ap), "Success! Default removed")
		},
	}

	cmd.AddCommand(lsCmd, setCmd, clearCmd)
	return cmd
}
