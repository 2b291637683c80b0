package cmd

import (
	"io"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tracecmd "github.com/kiosk404/tokenlens/internal/tokenlens/cmd/trace"
	"github.com/kiosk404/tokenlens/pkg/logger"
)

// NewDefaultTokenLensCommand creates the `tokenlens` command with default
// streams.
func NewDefaultTokenLensCommand() *cobra.Command {
	return NewTokenLensCommand(os.Stdin, os.Stdout, os.Stderr)
}

// NewTokenLensCommand builds the root command and registers subcommands.
func NewTokenLensCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	var (
		logLevel string
		cfgFile  string
	)

	cmds := &cobra.Command{
		Use:   "tokenlens",
		Short: "tokenlens inspects token-level sampling behavior of a vLLM server",
		Long: heredoc.Doc(`
			tokenlens traces how a vLLM server samples a completion, token by token.

			It requests a completion with per-step log-probabilities, tokenizes the
			prompt as a user turn and the completion as an assistant turn through the
			server's own tokenizer, and cross-checks each sampled token against the
			full-completion tokenization.
		`),
		Run: runHelp,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.SetLevel(logLevel)
		},
	}

	flags := cmds.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	flags.StringVar(&cfgFile, "config", "", "Config file (default: $HOME/.tokenlens.yaml).")

	_ = viper.BindPFlags(flags)
	cobra.OnInitialize(func() {
		loadConfig(cfgFile)
	})

	cmds.SetIn(in)
	cmds.SetOut(out)
	cmds.SetErr(errOut)

	cmds.AddCommand(tracecmd.NewCmdTrace(out, errOut))

	return cmds
}

// loadConfig reads an optional viper config file; a missing default file
// is not an error.
func loadConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".tokenlens")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("TOKENLENS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logger.Debugf("using config file %s", viper.ConfigFileUsed())
	}
}

func runHelp(cmd *cobra.Command, args []string) {
	_ = cmd.Help()
}
