package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbaille/popdismiss/internal/api"
	"github.com/pbaille/popdismiss/internal/config"
	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/pbaille/popdismiss/internal/extractor"
	"github.com/pbaille/popdismiss/internal/persist"
	"github.com/pbaille/popdismiss/internal/resolver"
	"github.com/pbaille/popdismiss/internal/store"
	"github.com/pbaille/popdismiss/internal/templates"
	"github.com/pbaille/popdismiss/internal/vision"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "popdismiss",
		Short:        "Detect and dismiss popups on Android screenshots",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(elementsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.NewLogger(), nil
}

// pipeline owns every long-lived component of a resolution run
type pipeline struct {
	store    *store.Store
	queue    *persist.Queue
	resolver *resolver.Resolver
}

func newPipeline(cfg config.Config, logger *logrus.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	vc, err := vision.New(cfg.Vision, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	q := persist.New(templates.NewWriter(cfg.TemplateDir), st, logger, cfg.Persist.Workers, cfg.Persist.QueueSize)
	matcher := templates.NewMatcher(cfg.TemplateDir, logger,
		templates.WithThreshold(cfg.MatchThreshold),
		templates.WithFingerprintWidth(cfg.FingerprintW),
	)

	var opts []resolver.Option
	if cfg.ScreenshotDir != "" {
		opts = append(opts, resolver.WithArtifactDir(cfg.ScreenshotDir))
	}
	r := resolver.New(extractor.New(st, cfg.MaxClickable, logger), matcher, vc, st, q, logger, opts...)

	return &pipeline{store: st, queue: q, resolver: r}, nil
}

// Close drains pending template writes before closing the database
func (p *pipeline) Close() {
	p.queue.Close()
	p.store.Close()
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			p, err := newPipeline(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return api.New(p.resolver, p.store, logger, cfg.Addr).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var (
		xmlPath    string
		resolution string
		device     string
		pkg        string
	)

	cmd := &cobra.Command{
		Use:   "analyze <screenshot>",
		Short: "Resolve the popup on one screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			img, err := readImage(args[0])
			if err != nil {
				return err
			}

			var hierarchy []byte
			if xmlPath != "" {
				if hierarchy, err = os.ReadFile(xmlPath); err != nil {
					return fmt.Errorf("read hierarchy: %w", err)
				}
			}

			p, err := newPipeline(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.resolver.Resolve(cmd.Context(), resolver.Request{
				Context:    domain.ScreenshotContext{Device: device, CapturedAt: time.Now(), Package: pkg},
				Image:      img,
				Hierarchy:  hierarchy,
				Resolution: resolution,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Screenshot: %s\n", res.ScreenshotID)
			fmt.Printf("Outcome:    %s\n", res.Outcome)
			if res.Outcome == resolver.OutcomeResolved {
				fmt.Printf("Tap:        %d,%d (%s)\n", res.Point.X, res.Point.Y, res.Source)
				if res.TemplateID != "" {
					fmt.Printf("Template:   %s\n", res.TemplateID)
				}
				fmt.Printf("Script:     %s\n", api.TapScript(device, *res.Point))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&xmlPath, "xml", "", "uiautomator hierarchy dump")
	cmd.Flags().StringVar(&resolution, "resolution", "", "screen resolution (e.g. 1080x2340); asks for coordinates")
	cmd.Flags().StringVar(&device, "device", "local", "device name")
	cmd.Flags().StringVar(&pkg, "package", "", "foreground app package")
	return cmd
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func openStore() (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.DBPath)
}

func templatesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List learned popup templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			tpls, err := s.ListTemplates(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(tpls) == 0 {
				fmt.Println("No templates learned yet")
				return nil
			}

			for _, t := range tpls {
				fmt.Printf("%s  %d,%d  %s\n", t.TemplateID, t.SkipCenter.X, t.SkipCenter.Y, t.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max templates to show")
	return cmd
}

func elementsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "elements <screenshot_id>",
		Short: "Show the clickable elements registered for a screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			els, err := s.ListElements(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(els) == 0 {
				fmt.Println("No elements found")
				return nil
			}

			for _, e := range els {
				fmt.Printf("%2d  %-24s center %d,%d\n", e.Ordinal, e.Bounds, e.Center.X, e.Center.Y)
			}
			return nil
		},
	}
}
