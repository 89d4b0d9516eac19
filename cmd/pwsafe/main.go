package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "pwsafe",
	Short:         "pwsafe CLI",
	Long:          "A CLI for the pwsafe multi-user password safe.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field, dotted for nested values (use with -format=raw)")

	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(passwordCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(settingCmd())
}

// show prints a successful result or hands the error back to cobra.
func show(result map[string]any, err error) error {
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

// done prints msg once err is nil.
func done(err error, msg string) error {
	if err != nil {
		return err
	}
	printSuccess(msg)
	return nil
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Server operator commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the server and create the master admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			shares, _ := cmd.Flags().GetInt("shares")
			threshold, _ := cmd.Flags().GetInt("threshold")
			login, _ := cmd.Flags().GetString("admin")
			password, _ := cmd.Flags().GetString("admin-password")
			body := map[string]any{
				"secret_shares":    shares,
				"secret_threshold": threshold,
			}
			if login != "" {
				pw, err := secretArg(password, "Admin password: ")
				if err != nil {
					return err
				}
				body["admin_login"] = login
				body["admin_password"] = pw
			}
			return show(newClient().post("/v1/sys/init", body))
		},
	}
	initCmd.Flags().Int("shares", 5, "Number of key shares")
	initCmd.Flags().Int("threshold", 3, "Number of shares required to unseal")
	initCmd.Flags().String("admin", "", "Login of the master admin account")
	initCmd.Flags().String("admin-password", "", "Password of the master admin account (prompted when empty)")

	unsealCmd := &cobra.Command{
		Use:   "unseal [key]",
		Short: "Provide an unseal key share",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")
			if reset {
				return show(newClient().post("/v1/sys/unseal", map[string]any{"reset": true}))
			}
			var key string
			if len(args) > 0 {
				key = args[0]
			} else {
				fmt.Print("Unseal Key (base64): ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				key = strings.TrimSpace(scanner.Text())
			}
			return show(newClient().post("/v1/sys/unseal", map[string]any{"key": key}))
		},
	}
	unsealCmd.Flags().Bool("reset", false, "Discard the shares provided so far")

	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().put("/v1/sys/seal", nil))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the seal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/sys/seal-status", nil))
		},
	}

	cmd.AddCommand(initCmd, unsealCmd, sealCmd, statusCmd)
	return cmd
}

// --- session ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <user>",
		Short: "Log in and store the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			pw, err := secretArg(password, "Password: ")
			if err != nil {
				return err
			}
			result, err := newClient().post("/v1/auth/login", map[string]any{"login": args[0], "password": pw})
			if err != nil {
				return err
			}
			if tok, ok := result["token"].(string); ok {
				cfg.Token = tok
				if err := saveConfig(); err != nil {
					return fmt.Errorf("saving token: %w", err)
				}
				fmt.Fprintln(os.Stderr, "Token saved to config.")
			}
			delete(result, "token")
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("password", "", "Password (prompted when empty)")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account and its groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/auth/self", nil))
		},
	}
}

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "password", Short: "Manage your own credentials"}

	changeCmd := &cobra.Command{
		Use:   "change",
		Short: "Change your password",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldPW, err := promptSecret("Current password: ")
			if err != nil {
				return err
			}
			newPW, err := promptSecret("New password: ")
			if err != nil {
				return err
			}
			_, err = newClient().post("/v1/auth/password", map[string]any{"old_password": oldPW, "new_password": newPW})
			return done(err, "Success! Password changed.")
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Generate a new personal key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptSecret("Password: ")
			if err != nil {
				return err
			}
			result, err := newClient().post("/v1/auth/rotate-key", map[string]any{"password": pw})
			if err != nil {
				return err
			}
			if tok, ok := result["token"].(string); ok {
				cfg.Token = tok
				if err := saveConfig(); err != nil {
					return fmt.Errorf("saving token: %w", err)
				}
			}
			printSuccess("Success! Key rotated; the stored session was renewed.")
			return nil
		},
	}

	cmd.AddCommand(changeCmd, rotateCmd)
	return cmd
}

// --- audit and settings ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, f := range []string{"actor_id", "item_id", "since", "limit", "offset"} {
				if v, _ := cmd.Flags().GetString(strings.ReplaceAll(f, "_", "-")); v != "" {
					q.Set(f, v)
				}
			}
			return show(newClient().get("/v1/sys/audit-log", q))
		},
	}
	cmd.Flags().String("actor-id", "", "Only events by this actor")
	cmd.Flags().String("item-id", "", "Only events about this item")
	cmd.Flags().String("since", "", "Only events after this RFC 3339 time")
	cmd.Flags().String("limit", "", "Maximum number of events")
	cmd.Flags().String("offset", "", "Events to skip")
	return cmd
}

func settingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "setting", Short: "Read and change runtime settings"}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return show(newClient().get("/v1/sys/config/"+url.PathEscape(args[0]), nil))
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().put("/v1/sys/config/"+url.PathEscape(args[0]), map[string]any{"value": args[1]})
			return done(err, "Success! Updated "+args[0])
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}
