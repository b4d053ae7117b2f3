// ABOUTME: Entry point for arith-gateway, the authenticated arithmetic MCP server
// ABOUTME: Subcommands serve the gateway, probe its health, verify a token and list tools

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/arith-gateway/internal/config"
	"github.com/2389/arith-gateway/internal/gateway"
	"github.com/2389/arith-gateway/internal/identity"
	"github.com/2389/arith-gateway/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _ _   _                     _
  __ _ _ __(_) |_| |__         __ _  __ _| |_ _____      ____ _ _   _
 / _' | '__| | __| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | |  | | |_| | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|_|  |_|\__|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                              |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: ARITH_CONFIG env var > XDG_CONFIG_HOME/arith/gateway.yaml > ~/.config/arith/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ARITH_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "arith", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: arith-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the gateway server")
	fmt.Println("  health           Check gateway health")
	fmt.Println("  verify [TOKEN]   Verify an ID token (reads stdin when TOKEN is omitted or -)")
	fmt.Println("  tools            List the registered tools")
	fmt.Println("  version          Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "verify":
		err = runVerify(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "tools":
		err = runTools(os.Stdout)
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
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
	gateway.Version = version

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.BaseURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Base URL:  %s\n", cfg.Server.BaseURL)
	}
	if cfg.Identity.JWKSFile != "" {
		green.Print("    ▶ ")
		fmt.Printf("Keys:      ")
		yellow.Printf("%s (static)\n", cfg.Identity.JWKSFile)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.DebugErrors {
		yellow.Println("    ! debug_errors is on: token failure reasons are sent to clients")
	}

	fmt.Println()

	logger.Info("starting arith-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Attrs from WithAttrs carry their group prefix in the key.
type colorHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
	out    io.Writer
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := h.groupPrefix()

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	out := h.out
	if out == nil {
		out = os.Stdout
	}
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	_, err := io.WriteString(out, buf.String())
	return err
}

func (h *colorHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// stdoutMu serializes writes from all handlers derived from the root handler.
var stdoutMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	prefix := h.groupPrefix()
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
		out:    h.out,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
		out:    h.out,
	}
}

// healthURL picks the URL to probe: the advertised base URL when configured, else the listen address.
func healthURL(cfg *config.Config) string {
	if cfg.Server.BaseURL != "" {
		return strings.TrimRight(cfg.Server.BaseURL, "/") + "/health"
	}
	return fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg), nil)
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

// readToken takes the token from args, or from the first line of stdin when absent or "-".
func readToken(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", fmt.Errorf("no token given")
	}
	return token, nil
}

type verifyOutput struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Issuer    string    `json:"iss"`
	Audience  []string  `json:"aud"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

func runVerify(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	token, err := readToken(args, stdin)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier, err := gateway.NewVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	id, err := verifier.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("token rejected (%s): %s", identity.ResultLabel(err), identity.Reason(err))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(verifyOutput{
		Subject:   id.Subject,
		Email:     id.Email,
		Issuer:    id.Issuer,
		Audience:  id.Audience,
		IssuedAt:  id.IssuedAt,
		ExpiresAt: id.ExpiresAt,
	})
}

func runTools(stdout io.Writer) error {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	for _, desc := range tools.Builtin().List() {
		bold.Fprintf(stdout, "%-10s", desc.Name)
		gray.Fprintf(stdout, " %s\n", desc.Description)
	}
	return nil
}
