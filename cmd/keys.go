package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/frontdesk/internal/devserver"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long:  `Commands for managing API keys for the local realtime server.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anon and service_role API keys",
	Long: `Generates both anon and service_role API keys signed with the JWT secret.
The secret comes from FRONTDESK_JWT_SECRET or the config file; with
--prompt it is read from the terminal instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jwtSecret := cfg.Server.JWTSecret

		if prompt, _ := cmd.Flags().GetBool("prompt"); prompt {
			secret, err := readSecret()
			if err != nil {
				return err
			}
			jwtSecret = secret
		} else if jwtSecret == defaultJWTSecret {
			fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set FRONTDESK_JWT_SECRET in production.")
		}

		anonKey, err := devserver.GenerateAPIKey(jwtSecret, devserver.RoleAnon)
		if err != nil {
			return fmt.Errorf("failed to generate anon key: %w", err)
		}

		serviceKey, err := devserver.GenerateAPIKey(jwtSecret, devserver.RoleService)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		fmt.Printf("FRONTDESK_ANON_KEY=%s\n", anonKey)
		fmt.Printf("FRONTDESK_SERVICE_KEY=%s\n", serviceKey)

		return nil
	},
}

// readSecret reads the JWT secret without echo when stdin is a terminal.
func readSecret() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("--prompt requires an interactive terminal")
	}

	fmt.Fprint(os.Stderr, "JWT secret: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	secret := strings.TrimSpace(string(raw))
	if len(secret) < 32 {
		return "", fmt.Errorf("JWT secret must be at least 32 characters")
	}
	return secret, nil
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().Bool("prompt", false, "Read the JWT secret from the terminal")
}
