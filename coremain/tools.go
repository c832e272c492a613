package coremain

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/scanx/mlog"
	"github.com/pmkol/scanx/pkg/adaptive"
	"github.com/pmkol/scanx/pkg/prefstore"
	"github.com/pmkol/scanx/pkg/scan"
)

func newToolsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "tools",
		Short: "Offline helpers.",
	}
	var cfgFile string
	c.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file")

	c.AddCommand(&cobra.Command{
		Use:   "validate payload",
		Short: "Analyze a decoded payload.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printYAML(cmd.OutOrStdout(), scan.AnalyzeContent(scan.NormalizePayload(args[0])))
		},
		SilenceUsage: true,
	})

	c.AddCommand(&cobra.Command{
		Use:   "predict payload",
		Short: "Predict whether a payload leads to a successful payment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := toolConfig(cfgFile)
			if err != nil {
				return err
			}
			store, closeStore, err := toolStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			e := adaptive.NewEngine(adaptive.Opts{Store: store, Tunables: cfg.Engine, Logger: mlog.L()})
			return printYAML(cmd.OutOrStdout(), e.PredictScanSuccess(args[0]))
		},
		SilenceUsage: true,
	})

	prefs := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect or reset the learned preferences.",
	}
	prefs.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the stored preferences.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := toolConfig(cfgFile)
			if err != nil {
				return err
			}
			store, closeStore, err := toolStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			p, err := store.Load(cmd.Context())
			if err != nil && !errors.Is(err, prefstore.ErrNotFound) {
				return fmt.Errorf("failed to load preferences, %w", err)
			}
			return printYAML(cmd.OutOrStdout(), p)
		},
		SilenceUsage: true,
	}, &cobra.Command{
		Use:   "reset",
		Short: "Restore default preferences.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := toolConfig(cfgFile)
			if err != nil {
				return err
			}
			store, closeStore, err := toolStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			p := scan.DefaultPreferences()
			if err := store.Save(cmd.Context(), p); err != nil {
				return fmt.Errorf("failed to save preferences, %w", err)
			}
			return printYAML(cmd.OutOrStdout(), p)
		},
		SilenceUsage: true,
	})
	c.AddCommand(prefs)
	return c
}

// toolConfig loads filePath if given, otherwise uses defaults.
func toolConfig(filePath string) (*Config, error) {
	cfg := new(Config)
	if len(filePath) > 0 {
		var err error
		cfg, _, err = loadConfig(filePath)
		if err != nil {
			return nil, err
		}
	}
	cfg.Init()
	return cfg, nil
}

func toolStore(cfg *Config) (prefstore.Store, func(), error) {
	store, err := openPrefStore(&cfg.Preferences)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open preferences store, %w", err)
	}
	closeStore := func() {
		if c, ok := store.(io.Closer); ok {
			c.Close()
		}
	}
	return store, closeStore, nil
}

func printYAML(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
