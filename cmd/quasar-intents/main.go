// Command quasar-intents bridges spoken phrases on Yandex smart speakers to
// Home Assistant events through cloud scenarios.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vthunder/quasar-intents/internal/activity"
	"github.com/vthunder/quasar-intents/internal/app"
	"github.com/vthunder/quasar-intents/internal/config"
	"github.com/vthunder/quasar-intents/internal/effectors"
	"github.com/vthunder/quasar-intents/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	debug      bool
	record     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "quasar-intents",
		Short:   "Turn phrases heard by Yandex speakers into Home Assistant events",
		Version: version,
		Long: `quasar-intents keeps one cloud scenario per configured intent. When a speaker
hears a trigger phrase the scenario makes it say an encoded marker phrase, which is
decoded from the update stream and fired as a yandex_intent event.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logging.SetDebug(true)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&record, "record", false, "Write host events to <state_path>/system/host_output.jsonl instead of sending them to Home Assistant")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(intentsCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// environment is everything a command needs, built from the configuration
type environment struct {
	cfg     *config.Config
	journal *activity.Log
	ha      *effectors.HomeAssistant
	app     *app.App
}

// load reads the configuration and builds the app. The journal is opened only
// when withJournal is set; commands that only look at the cloud skip it.
func load(withJournal bool) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		logging.SetDebug(true)
	}

	env := &environment{cfg: cfg}
	if withJournal {
		env.journal, err = activity.Open(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("open activity journal: %w", err)
		}
	}

	var host app.Host
	if record {
		recorder := effectors.NewRecorder(cfg.StatePath)
		logging.Info("main", "Recording host calls to %s", recorder.Path())
		host = recorder
	} else {
		env.ha = effectors.NewHomeAssistant(effectors.HomeAssistantConfig{
			Host:  cfg.HomeAssistant.Host,
			Token: cfg.HomeAssistant.Token,
		})
		host = env.ha
	}
	env.app, err = app.New(cfg, host, env.journal, app.Options{})
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (e *environment) close() {
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			logging.Warn("main", "Failed to close activity journal: %v", err)
		}
	}
}

// accounts returns the named account, or every account when name is empty
func (e *environment) accounts(name string) ([]*app.Account, error) {
	if name == "" {
		return e.app.Accounts(), nil
	}
	ac, err := e.app.Account(name)
	if err != nil {
		return nil, err
	}
	return []*app.Account{ac}, nil
}
