// issue-token signs identity tokens for hosts and relays, and bearer
// tokens for the admin HTTP API, using the router's JWT secret.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/services"
	"routerd/pkg/config"
	"routerd/pkg/validation"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "issue-token: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var (
		roleName   string
		subject    string
		ttl        time.Duration
		secret     string
		issuer     string
		configPath string
	)

	flags := pflag.NewFlagSet("issue-token", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&roleName, "role", "r", "host", "token role: host, relay or admin")
	flags.StringVar(&subject, "id", "", "host or relay id, or admin user name (required)")
	flags.DurationVar(&ttl, "ttl", 0, "token lifetime; 0 issues a token without expiry")
	flags.StringVar(&secret, "secret", "", "JWT secret (overrides the config file)")
	flags.StringVar(&issuer, "issuer", "", "token issuer (overrides the config file)")
	flags.StringVarP(&configPath, "config", "c", "configs/config.yaml", "router configuration file")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	role, ok := domain.ParseRole(roleName)
	if !ok || role == domain.RoleClient {
		return fmt.Errorf("--role must be host, relay or admin, got %q", roleName)
	}
	if subject == "" {
		return fmt.Errorf("--id is required")
	}
	if err := validateSubject(role, subject); err != nil {
		return fmt.Errorf("--id: %w", err)
	}
	if ttl < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}

	if secret == "" || issuer == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if secret == "" {
			secret = cfg.Auth.JWTSecret
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
	}

	token, err := services.NewTokenService(secret, issuer).IssueToken(role, subject, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func validateSubject(role domain.Role, subject string) error {
	switch role {
	case domain.RoleHost:
		return validation.ValidateHostID(subject)
	case domain.RoleRelay:
		return validation.ValidateRelayID(subject)
	default:
		return validation.ValidateUsername(subject)
	}
}
