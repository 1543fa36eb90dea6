package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/endpoint"
	"github.com/loqalabs/loqa-relay/internal/store"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-relayctl <endpoints|credentials|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "endpoints":
		err = runEndpoints(os.Stdout, os.Args[2:])
	case "credentials":
		err = runCredentials(context.Background(), os.Stdout, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runEndpoints(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("endpoints", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	host := fs.String("host", "", "Hostname used to pick the environment (defaults to endpoints.host)")
	nextGen := fs.Bool("next-gen", false, "Resolve next-generation protocol URLs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	h := *host
	if h == "" {
		h = cfg.Endpoints.Host
	}
	fmt.Fprintf(w, "environment: %s\n", endpoint.Environment(h))
	for i, u := range endpoint.Resolve(cfg.Endpoints, h, *nextGen || cfg.Endpoints.NextGen) {
		fmt.Fprintf(w, "%d. %s\n", i+1, u)
	}
	return nil
}

func runCredentials(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: loqa-relayctl credentials <set|get|delete> -user ID [-token T]")
	}
	fs := flag.NewFlagSet("credentials "+args[0], flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	userID := fs.String("user", "", "User id")
	token := fs.String("token", "", "Session token (set only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Store.RetentionMode == "ephemeral" {
		return errors.New("store is ephemeral; credentials would not persist")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	switch args[0] {
	case "set":
		if *token == "" {
			return errors.New("-token is required")
		}
		if err := s.Save(ctx, store.Credential{UserID: *userID, Token: *token}); err != nil {
			return err
		}
		fmt.Fprintf(w, "stored credentials for %s\n", *userID)
	case "get":
		c, err := s.Select(ctx, *userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.UserID, mask(c.Token), c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	case "delete":
		if err := s.Delete(ctx, *userID); err != nil {
			return err
		}
		fmt.Fprintf(w, "deleted credentials for %s\n", *userID)
	default:
		return fmt.Errorf("unknown credentials command %q", args[0])
	}
	return nil
}

func mask(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
