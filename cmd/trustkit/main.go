package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/oarkflow/trustkit"
	"github.com/oarkflow/trustkit/logger"
	"github.com/oarkflow/trustkit/monitor"
	"github.com/oarkflow/trustkit/sinks"
	"github.com/oarkflow/trustkit/stores"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return errors.New("missing command")
	}
	switch args[0] {
	case "validate":
		return handleValidate(args[1:], out)
	case "stats":
		return handleStats(args[1:], out)
	case "convert":
		return handleConvert(args[1:], out)
	case "init":
		return handleInit(args[1:], out)
	case "check":
		return handleCheck(ctx, args[1:], out)
	case "replay":
		return handleReplay(ctx, args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "trustkit - access control and security monitoring tool")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  trustkit validate <file>                 - Validate configuration")
	fmt.Fprintln(out, "  trustkit stats <file>                    - Show catalog statistics")
	fmt.Fprintln(out, "  trustkit convert <input> <output>        - Convert between YAML and JSON")
	fmt.Fprintln(out, "  trustkit init <output>                   - Write the default catalog and rules")
	fmt.Fprintln(out, "  trustkit check --config f --user u --resource r --action a")
	fmt.Fprintln(out, "                                           - Evaluate one access request")
	fmt.Fprintln(out, "  trustkit replay --config f --events e.jsonl")
	fmt.Fprintln(out, "                                           - Feed JSON events through the monitor")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Supported formats: .yaml, .yml, .json")
}

func loadConfig(path string) (*trustkit.Config, error) {
	cfg, err := trustkit.NewConfigLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

func handleValidate(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: trustkit validate <file>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Version:     %d\n", cfg.Version)
	fmt.Fprintf(out, "  Permissions: %d\n", len(cfg.Permissions))
	fmt.Fprintf(out, "  Roles:       %d\n", len(cfg.Roles))
	fmt.Fprintf(out, "  Resources:   %d\n", len(cfg.Hierarchy))
	fmt.Fprintf(out, "  Assignments: %d\n", len(cfg.Assignments))
	if cfg.Monitor != nil {
		fmt.Fprintf(out, "  Rules:       %d\n", len(cfg.Monitor.Rules))
	}
	return nil
}

func handleStats(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: trustkit stats <file>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	cat := cfg.Catalog()
	s := cat.Stats()

	fmt.Fprintln(out, "Catalog Statistics")
	fmt.Fprintln(out, "==================")
	if stat, err := os.Stat(args[0]); err == nil {
		fmt.Fprintf(out, "File size: %d bytes\n", stat.Size())
	}
	fmt.Fprintf(out, "Permissions:      %d\n", s.Permissions)
	fmt.Fprintf(out, "  MFA protected:  %d\n", s.MFAProtected)
	fmt.Fprintf(out, "  Conditional:    %d\n", s.Conditionally)
	for _, level := range []string{"low", "medium", "high", "critical"} {
		if n := s.ByRiskLevel[level]; n > 0 {
			fmt.Fprintf(out, "  Risk %-9s %d\n", level+":", n)
		}
	}
	fmt.Fprintf(out, "Roles:            %d (%d active)\n", s.Roles, s.ActiveRoles)
	fmt.Fprintf(out, "Resources:        %d\n", s.Resources)

	if len(cfg.Roles) > 0 {
		total := 0
		for _, r := range cfg.Roles {
			total += len(r.Permissions)
		}
		fmt.Fprintf(out, "Avg perms/role:   %.1f\n", float64(total)/float64(len(cfg.Roles)))
	}
	return nil
}

func handleConvert(args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.New("usage: trustkit convert <input> <output>")
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	if err := saveConfig(cfg, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Converted %s -> %s\n", args[0], args[1])
	return nil
}

func handleInit(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: trustkit init <output>")
	}
	cfg := trustkit.ConfigFromCatalog(trustkit.DefaultCatalog())
	mc := monitor.DefaultConfig()
	mc.Rules = monitor.DefaultRules()
	cfg.Monitor = &mc
	if err := saveConfig(cfg, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote default configuration to %s\n", args[0])
	return nil
}

func saveConfig(cfg *trustkit.Config, path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// backends holds the optional persistence selected by --db and --redis.
type backends struct {
	assignments *stores.SQLAssignmentStore
	archive     *stores.SQLEventStore
	enforcer    *stores.RedisEnforcer
	closers     []func() error
}

func openBackends(ctx context.Context, dbPath, redisURL string) (*backends, error) {
	b := &backends{}
	if dbPath != "" {
		db, err := stores.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := stores.Migrate(ctx, db); err != nil {
			b.close()
			return nil, err
		}
		b.assignments = stores.NewSQLAssignmentStore(db)
		b.archive = stores.NewSQLEventStore(db)
	}
	if redisURL != "" {
		client, err := stores.NewRedisClient(ctx, redisURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.enforcer = stores.NewRedisEnforcer(client, "")
	}
	return b, nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func (b *backends) monitorOptions(l logger.Logger) []monitor.Option {
	opts := []monitor.Option{monitor.WithLogger(l), monitor.WithNotifier(sinks.NewLogNotifier(l)), monitor.WithWebhookSender(sinks.NewWebhookSender(sinks.WebhookOptions{}))}
	if b.archive != nil {
		opts = append(opts, monitor.WithArchive(b.archive))
	}
	if b.enforcer != nil {
		opts = append(opts, monitor.WithEnforcer(b.enforcer))
	}
	return opts
}

func (b *backends) engineOptions(l logger.Logger) []trustkit.EngineOption {
	opts := []trustkit.EngineOption{trustkit.WithLogger(l)}
	if b.assignments != nil {
		opts = append(opts, trustkit.WithAssignmentStore(b.assignments))
	}
	if b.enforcer != nil {
		opts = append(opts, trustkit.WithBlocklist(b.enforcer))
	}
	return opts
}

func handleCheck(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath, user, resource, action, ip, dbPath, redisURL string
		risk                                                     int
		mfa, explain, verbose                                    bool
	)
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&configPath, "config", "", "configuration file (default catalog when empty)")
	fs.StringVar(&user, "user", "", "user id")
	fs.StringVar(&resource, "resource", "", "resource name")
	fs.StringVar(&action, "action", "", "action name")
	fs.StringVar(&ip, "ip", "", "request ip address")
	fs.IntVar(&risk, "risk", 0, "request risk score (0-100)")
	fs.BoolVar(&mfa, "mfa", false, "mark the request as MFA verified")
	fs.BoolVar(&explain, "explain", false, "print the evaluation trace")
	fs.StringVar(&dbPath, "db", "", "sqlite database holding role assignments")
	fs.StringVar(&redisURL, "redis", "", "redis url of the block list")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log engine activity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if user == "" || resource == "" || action == "" {
		return errors.New("--user, --resource and --action are required")
	}

	l := cliLogger(verbose)
	b, err := openBackends(ctx, dbPath, redisURL)
	if err != nil {
		return err
	}
	defer b.close()

	var e *trustkit.Engine
	if configPath != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		e, err = trustkit.NewEngineFromConfig(ctx, cfg, b.engineOptions(l)...)
		if err != nil {
			return err
		}
	} else {
		e, err = trustkit.NewEngine(trustkit.DefaultCatalog(), b.engineOptions(l)...)
		if err != nil {
			return err
		}
	}
	defer e.Close()
	if b.assignments != nil {
		if _, err := e.LoadAssignments(ctx); err != nil {
			return err
		}
	}

	req := trustkit.AccessRequest{
		UserID:   user,
		Resource: resource,
		Action:   action,
		Context:  &trustkit.AccessContext{IPAddress: ip, RiskScore: risk, MFAVerified: mfa},
	}
	d := e.Explain(ctx, req)
	if !explain {
		d.Trace = nil
	}
	return writeJSON(out, d)
}

func handleReplay(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath, eventsPath, dbPath, redisURL, report string
		verbose                                          bool
	)
	fs := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&configPath, "config", "", "configuration file with a monitor section (default rules when empty)")
	fs.StringVar(&eventsPath, "events", "", "JSON lines file of events, - for stdin")
	fs.StringVar(&dbPath, "db", "", "sqlite database to archive events and alerts")
	fs.StringVar(&redisURL, "redis", "", "redis url for block actions")
	fs.StringVar(&report, "report", "", "also print a compliance report of this type")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log monitor activity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if eventsPath == "" {
		return errors.New("--events is required")
	}

	mc := monitor.Config{DefaultRules: true}
	if configPath != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Monitor != nil {
			mc = *cfg.Monitor
		}
	}

	l := cliLogger(verbose)
	b, err := openBackends(ctx, dbPath, redisURL)
	if err != nil {
		return err
	}
	defer b.close()

	m, err := monitor.New(append(b.monitorOptions(l), monitor.WithConfig(mc))...)
	if err != nil {
		return err
	}
	defer m.Close()

	var in io.Reader = os.Stdin
	if eventsPath != "-" {
		f, err := os.Open(eventsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	n, first, last, err := replayEvents(ctx, m, in)
	if err != nil {
		return err
	}
	m.Flush(ctx)

	result := map[string]any{
		"events": n,
		"alerts": m.GetSecurityAlerts(""),
		"rules":  m.Rules(),
	}
	if report != "" && n > 0 {
		result["report"] = m.GenerateComplianceReport(report, first, last)
	}
	return writeJSON(out, result)
}

// replayEvents logs each JSON line as an event and returns the count and the
// time span covered.
func replayEvents(ctx context.Context, m *monitor.Engine, in io.Reader) (int, time.Time, time.Time, error) {
	var first, last time.Time
	n := 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev monitor.EventInput
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return n, first, last, fmt.Errorf("line %d: %w", n+1, err)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		ts := ev.Timestamp
		m.LogEvent(ctx, ev)
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
		n++
	}
	return n, first, last, sc.Err()
}

func cliLogger(verbose bool) logger.Logger {
	if verbose {
		return logger.Default()
	}
	return logger.NewNullLogger()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
