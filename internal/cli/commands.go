package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ats-kms/enclave/internal/env"
)

// readPassphrase prompts for a passphrase without echoing it. When
// stdin is not a terminal (tests, pipes) it falls back to reading a
// line in the clear.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		defer fmt.Fprintln(os.Stderr)
		raw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(raw), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return line, nil
}

func credentialsParam(userID, passphrase string) map[string]any {
	return map[string]any{
		"method":     "passphrase",
		"userId":     userID,
		"passphrase": passphrase,
	}
}

var setupCmd = &cobra.Command{
	Use:   "setup <userId>",
	Short: "Enroll a user with a passphrase and mint their first VAPID key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase("passphrase: ")
		if err != nil {
			return err
		}
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		return call(srv, uuid.NewString(), "setupPassphrase", map[string]any{
			"userId":     args[0],
			"passphrase": pass,
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <userId>",
	Short: "Show a user's setup state and enrollments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		if err := call(srv, uuid.NewString(), "isSetup", map[string]any{"userId": args[0]}); err != nil {
			return err
		}
		return call(srv, uuid.NewString(), "getEnrollments", map[string]any{"userId": args[0]})
	},
}

var vapidCmd = &cobra.Command{
	Use:   "vapid <userId>",
	Short: "Show, generate, or regenerate a user's VAPID key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regenerate, _ := cmd.Flags().GetBool("regenerate")
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		if !regenerate {
			return call(srv, uuid.NewString(), "getVAPIDKid", map[string]any{"userId": args[0]})
		}
		pass, err := readPassphrase("passphrase: ")
		if err != nil {
			return err
		}
		return call(srv, uuid.NewString(), "regenerateVAPID", map[string]any{
			"credentials": credentialsParam(args[0], pass),
		})
	},
}

var leaseCmd = &cobra.Command{
	Use:   "lease <userId> <endpointURL> <aud> <eid>",
	Short: "Create a lease authorizing credential-free JWT issuance",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetFloat64("ttl-hours")
		pass, err := readPassphrase("passphrase: ")
		if err != nil {
			return err
		}
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		return call(srv, uuid.NewString(), "createLease", map[string]any{
			"userId":      args[0],
			"subs":        []map[string]string{{"url": args[1], "aud": args[2], "eid": args[3]}},
			"ttlHours":    ttl,
			"credentials": credentialsParam(args[0], pass),
		})
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue <leaseId> <endpointURL> <aud> <eid>",
	Short: "Issue VAPID JWTs under a lease, no credentials required",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		endpoint := map[string]string{"url": args[1], "aud": args[2], "eid": args[3]}
		if count <= 1 {
			return call(srv, uuid.NewString(), "issueVAPIDJWT", map[string]any{
				"leaseId":  args[0],
				"endpoint": endpoint,
			})
		}
		return call(srv, uuid.NewString(), "issueVAPIDJWTs", map[string]any{
			"leaseId":  args[0],
			"endpoint": endpoint,
			"count":    count,
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [verify|log|key]",
	Short: "Inspect and verify the audit chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		switch strings.ToLower(args[0]) {
		case "verify":
			return call(srv, uuid.NewString(), "verifyAuditChain", nil)
		case "log":
			return call(srv, uuid.NewString(), "getAuditLog", map[string]any{})
		case "key":
			return call(srv, uuid.NewString(), "getAuditPublicKey", nil)
		default:
			return fmt.Errorf("unknown audit subcommand %q", args[0])
		}
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all enclave state",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirmed, _ := cmd.Flags().GetBool("yes")
		if !confirmed {
			return fmt.Errorf("reset destroys every key, enrollment, lease, and audit entry; pass --yes to confirm")
		}
		srv, cleanup, err := newServer(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()
		return call(srv, uuid.NewString(), "resetKMS", nil)
	},
}

func init() {
	vapidCmd.Flags().Bool("regenerate", false, "delete all existing VAPID keys and mint a fresh one")
	leaseCmd.Flags().Float64("ttl-hours", env.DefaultLeaseTTL().Hours(), "lease lifetime in hours, at most 24")
	issueCmd.Flags().Int("count", 1, "number of JWTs to issue (1-10)")
	resetCmd.Flags().Bool("yes", false, "confirm destruction of all state")
}
