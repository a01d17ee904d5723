// ABOUTME: Entry point for the dbtunnel cloud gateway.
// ABOUTME: Serves the tunnel endpoint and manages gateway tokens.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/glasswing-io/dbtunnel/internal/auth"
	"github.com/glasswing-io/dbtunnel/internal/config"
	"github.com/glasswing-io/dbtunnel/internal/gateway"
	"github.com/glasswing-io/dbtunnel/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _ _     _                          _
  __| | |__ | |_ _   _ _ __  _ __   ___| |
 / _' | '_ \| __| | | | '_ \| '_ \ / _ \ |
| (_| | |_) | |_| |_| | | | | | | |  __/ |
 \__,_|_.__/ \__|\__,_|_| |_|_| |_|\___|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: DBTUNNEL_CONFIG env var > XDG_CONFIG_HOME/dbtunnel/gateway.yaml > ~/.config/dbtunnel/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DBTUNNEL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dbtunnel", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dbtunnel-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                               Start the gateway server")
		fmt.Println("  token issue --tenant T --database D Issue a gateway token")
		fmt.Println("  token revoke --token gw_...         Revoke a gateway token")
		fmt.Println("  token list                          List issued tokens")
		fmt.Println("  jwt issue --subject S               Issue a query API bearer token")
		fmt.Println("  health                              Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "jwt":
		err = runJWT(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Tunnel:  %s\n", gateway.WSPath)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	logger.Info("starting dbtunnel-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	return gateway.New(cfg, st, logger).Run(ctx)
}

func runToken(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dbtunnel-gateway token <issue|revoke|list>")
	}

	cfg, err := config.LoadGateway(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	switch args[0] {
	case "issue":
		return runTokenIssue(ctx, st, args[1:])
	case "revoke":
		return runTokenRevoke(ctx, st, args[1:])
	case "list":
		return runTokenList(ctx, st)
	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
}

func runTokenIssue(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant identifier")
	database := fs.String("database", "", "database identifier")
	ttl := fs.Duration("ttl", 0, "token lifetime (0 = no expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *database == "" {
		return fmt.Errorf("--tenant and --database are required")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}

	rec := &store.GatewayToken{
		TenantID:   *tenant,
		DatabaseID: *database,
		TokenHash:  auth.HashToken(token),
	}
	if *ttl > 0 {
		expires := time.Now().Add(*ttl).UTC()
		rec.ExpiresAt = &expires
	}
	if err := st.CreateToken(ctx, rec); err != nil {
		return err
	}
	_ = st.AppendAuditLog(ctx, &store.AuditEntry{
		Action:     store.AuditIssueToken,
		TenantID:   *tenant,
		DatabaseID: *database,
		Detail:     map[string]any{"token_id": rec.ID},
	})

	// The plain token is printed exactly once; only its hash is stored.
	fmt.Printf("Issued token for tenant=%s database=%s\n\n", *tenant, *database)
	color.New(color.Bold).Printf("    %s\n\n", token)
	if rec.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("Store it now; it cannot be recovered.")
	return nil
}

func runTokenRevoke(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("token revoke", flag.ContinueOnError)
	token := fs.String("token", "", "the plain gw_ token to revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	hash := auth.HashToken(*token)
	if err := st.RevokeToken(ctx, hash); err != nil {
		return err
	}
	rec, err := st.GetTokenByHash(ctx, hash)
	if err == nil {
		_ = st.AppendAuditLog(ctx, &store.AuditEntry{
			Action:     store.AuditRevokeToken,
			TenantID:   rec.TenantID,
			DatabaseID: rec.DatabaseID,
			Detail:     map[string]any{"token_id": rec.ID},
		})
	}
	fmt.Println("Token revoked. Any live connection using it will drop at its next reconnect.")
	return nil
}

func runTokenList(ctx context.Context, st store.Store) error {
	tokens, err := st.ListTokens(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Println("No tokens issued.")
		return nil
	}

	for _, t := range tokens {
		status := "active"
		if t.Revoked() {
			status = "revoked"
		} else if t.Expired(time.Now()) {
			status = "expired"
		}
		fmt.Printf("%-36s  %-12s  %-12s  %-8s  issued %s\n",
			t.ID, t.TenantID, t.DatabaseID, status, t.IssuedAt.Format("2006-01-02"))
	}
	return nil
}

// JWT lifetime bounds for the query API.
const (
	defaultJWTTTL = 30 * 24 * time.Hour
	maxJWTTTL     = 365 * 24 * time.Hour
)

func runJWT(args []string) error {
	if len(args) < 1 || args[0] != "issue" {
		return fmt.Errorf("usage: dbtunnel-gateway jwt issue --subject S [--ttl D]")
	}

	fs := flag.NewFlagSet("jwt issue", flag.ContinueOnError)
	subject := fs.String("subject", "", "caller identity for the sub claim")
	ttl := fs.Duration("ttl", defaultJWTTTL, "token lifetime")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}
	if *ttl > maxJWTTTL {
		return fmt.Errorf("--ttl must not exceed %s", maxJWTTTL)
	}

	cfg, err := config.LoadGateway(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	jwt, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Printf("Issued bearer token for %s, valid %s\n\n", *subject, *ttl)
	color.New(color.Bold).Printf("    %s\n", jwt)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.LoadGateway(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
