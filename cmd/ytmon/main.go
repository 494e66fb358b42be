package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/ytmon/internal/config"
	"github.com/pders01/ytmon/internal/debuglog"
	"github.com/pders01/ytmon/internal/extractor"
	"github.com/pders01/ytmon/internal/nfo"
	"github.com/pders01/ytmon/internal/notify"
	"github.com/pders01/ytmon/internal/poller"
	"github.com/pders01/ytmon/internal/registry"
	"github.com/pders01/ytmon/internal/search"
	"github.com/pders01/ytmon/internal/storage"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	dbPath     string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "ytmon",
	Short:         "YouTube subscription emulator",
	Long:          "ytmon polls channel feeds, downloads new videos through an external extractor, and prunes them again once their keep window expires.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !quiet {
			showBanner()
		}

		env, err := openEnvironment(true)
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.openStore(); err != nil {
			return err
		}

		reverted, err := env.store.NormalizeInFlight()
		if err != nil {
			return err
		}
		if reverted > 0 {
			debuglog.Infof("reset %d interrupted downloads", reverted)
		}

		p, err := buildPoller(env)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		debuglog.Infof("ytmon %s watching %d subscriptions every %s", Version, env.registry.Len(), env.cfg.Scan.Interval)
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		debuglog.Infof("shutting down")
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single polling cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(true)
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.openStore(); err != nil {
			return err
		}

		if _, err := env.store.NormalizeInFlight(); err != nil {
			return err
		}

		p, err := buildPoller(env)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return p.RunCycle(ctx)
	},
}

var (
	downloadDir     string
	downloadProfile string
	downloadTitle   string
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a single video outside any subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(false)
		if err != nil {
			return err
		}
		defer env.close()

		runner, err := extractor.NewRunner(env.cfg)
		if err != nil {
			return err
		}

		mediaURL := args[0]
		title := downloadTitle
		if title == "" {
			title = "download"
		}
		dir := downloadDir
		if dir == "" {
			dir = env.cfg.Output.Directory
		}
		profile := downloadProfile
		if profile == "" {
			profile = env.cfg.Extractor.Profile
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, err := runner.Extract(ctx, extractor.Request{
			MediaURL:  mediaURL,
			Title:     title,
			ItemID:    shortID(mediaURL),
			Published: time.Now(),
			TargetDir: dir,
			Profile:   profile,
			ExtraArgs: env.cfg.Extractor.ExtraArgs,
		})
		if err != nil {
			return err
		}

		if downloadTitle != "" {
			meta := nfo.Metadata{Title: downloadTitle, Published: time.Now()}
			if err := nfo.Write(path, meta); err != nil {
				debuglog.Warnf("writing sidecar: %v", err)
			}
		}

		fmt.Println(path)
		return nil
	},
}

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search downloaded videos by title, channel, or description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(false)
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.openStore(); err != nil {
			return err
		}

		engine, err := search.NewEngine(env.store, env.cfg.Database.SearchIndex)
		if err != nil {
			return err
		}
		defer engine.Close()

		results, err := engine.Search(strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}

		for _, r := range results {
			if r.Channel != "" {
				fmt.Printf("%s  [%s]\n    %s\n", r.Title, r.Channel, r.Path)
			} else {
				fmt.Printf("%s\n    %s\n", r.Title, r.Path)
			}
		}
		return nil
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		configFile := filepath.Join(home, ".config", "ytmon", "config.toml")
		if configPath != "" {
			configFile = configPath
		}

		if err := config.GenerateDefaultConfig(configFile); err != nil {
			return fmt.Errorf("generating config: %w", err)
		}
		fmt.Printf("Generated default configuration at: %s\n", configFile)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ytmon %s\n", Version)
		fmt.Println("YouTube subscription emulator")
		fmt.Println("github.com/pders01/ytmon")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")

	runCmd.Flags().BoolVar(&quiet, "quiet", false, "Skip startup banner")

	downloadCmd.Flags().StringVar(&downloadDir, "dir", "", "Target directory (defaults to output.directory)")
	downloadCmd.Flags().StringVar(&downloadProfile, "profile", "", "Extractor profile")
	downloadCmd.Flags().StringVar(&downloadTitle, "title", "", "Title for the output file and sidecar")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum number of results")

	rootCmd.AddCommand(runCmd, onceCmd, downloadCmd, searchCmd, generateConfigCmd, versionCmd)
}

// environment bundles the pieces every command needs.
type environment struct {
	cfg      *config.Config
	store    *storage.Store
	registry *registry.Registry
}

func (e *environment) close() {
	if e.store != nil {
		e.store.Close()
	}
	debuglog.Close()
}

// openEnvironment loads config and sets up logging. Commands that poll
// need the full validated subscription set; one-shot commands like
// download and search get by without it. The ledger is opened separately
// via openStore because bbolt holds an exclusive file lock and the
// download command must stay runnable while the daemon owns it.
func openEnvironment(needSubscriptions bool) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg}

	if needSubscriptions {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		reg, err := registry.New(cfg, nil)
		if err != nil {
			return nil, err
		}
		env.registry = reg
	}

	return env, nil
}

func (e *environment) openStore() error {
	store, err := storage.NewStore(e.cfg.Database.Path)
	if err != nil {
		return err
	}
	e.store = store
	return nil
}

// buildPoller wires the extractor, optional notifier, and optional
// search index into a poller over the environment's registry.
func buildPoller(env *environment) (*poller.Poller, error) {
	runner, err := extractor.NewRunner(env.cfg)
	if err != nil {
		return nil, err
	}

	p := poller.New(env.cfg, env.store, env.registry, runner)

	if n := notify.NewNotifier(env.cfg); n != nil {
		p.SetNotifier(n)
	}

	if env.cfg.Database.SearchIndex != "" {
		engine, err := search.NewEngine(env.store, env.cfg.Database.SearchIndex)
		if err != nil {
			return nil, err
		}
		p.SetIndexer(engine)
	}

	return p, nil
}

func shortID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%x", sum[:6])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showBanner() {
	colors := []lipgloss.Color{
		lipgloss.Color("#FF6B6B"),
		lipgloss.Color("#FFA86B"),
		lipgloss.Color("#95E1D3"),
		lipgloss.Color("#4ECDC4"),
	}

	lines := []string{
		"       __                         ",
		" __ __/ /_ __ _  ___  ___         ",
		"/ // / __/  ' \\/ _ \\/ _ \\      ",
		"\\_, /\\__/_/_/_/\\___/_//_/      ",
		"/___/                             ",
		"",
		"  subscription emulator",
	}

	var coloredLines []string
	for i, line := range lines {
		if line == "" {
			coloredLines = append(coloredLines, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(colors[i%len(colors)]).
			Bold(i < 5)
		coloredLines = append(coloredLines, style.Render(line))
	}

	banner := lipgloss.JoinVertical(lipgloss.Center, coloredLines...)
	output := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#4ECDC4")).
		Padding(1, 3).
		MarginTop(1).
		Render(banner)

	fmt.Println(lipgloss.NewStyle().
		Width(60).
		Align(lipgloss.Center).
		Render(output))
}
