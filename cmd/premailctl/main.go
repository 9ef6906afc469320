package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/credential"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/dispatcher"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/repository"
)

var rootCmd = &cobra.Command{
	Use:   "premailctl",
	Short: "Operator tool for premail",
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduled-send pass and exit",
	RunE:  runTick,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an API token for a user, or a service token with --service",
	RunE:  runTokenIssue,
}

var authURLCmd = &cobra.Command{
	Use:   "auth-url [state]",
	Short: "Print the Gmail consent URL",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthURL,
}

var (
	tokenUser    string
	tokenScope   string
	tokenTTL     time.Duration
	tokenService bool
)

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "user ID the token acts for")
	tokenIssueCmd.Flags().StringVar(&tokenScope, "scope", "", "optional scope claim")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default from config)")
	tokenIssueCmd.Flags().BoolVar(&tokenService, "service", false, "issue a service token that may act for any user")
	tokenCmd.AddCommand(tokenIssueCmd)

	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(authURLCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	sealer, err := auth.NewSealer(cfg.Security.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token sealer: %w", err)
	}

	emailRepo := repository.NewEmailRepository(db, repository.NewEventRepository(db))
	provider := credential.NewProvider(repository.NewCredentialRepository(db, sealer), cfg.Gmail, log)
	tx := mailer.NewGmailTransmitter(provider, cfg.Gmail.Endpoint, log)

	var opts []dispatcher.Option
	if cfg.Dispatcher.DistributedLock {
		rdb, err := database.NewRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		opts = append(opts, dispatcher.WithLocker(rdb))
	}

	disp := dispatcher.New(emailRepo, tx, cfg.Dispatcher, log, opts...)
	res, err := disp.Tick(cmd.Context())
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}

	return printJSON(res)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	if tokenUser == "" && !tokenService {
		return fmt.Errorf("--user or --service is required")
	}
	if tokenUser != "" && tokenService {
		return fmt.Errorf("--user and --service are mutually exclusive")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	token, err := auth.NewTokenService(cfg.Security.APITokens).Issue(tokenUser, tokenScope, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runAuthURL(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	state := "premailctl"
	if len(args) == 1 {
		state = args[0]
	}

	provider := credential.NewProvider(nil, cfg.Gmail, logger.Nop())
	fmt.Println(provider.AuthCodeURL(state))
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
