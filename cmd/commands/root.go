package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"

	cfg "worldbft_demo/config"
)

var (
	config  = cfg.DefaultConfig()
	logger  = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	chainID string
)

func init() {
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log_level", "info", "log level")
}

// ParseConfig retrieves the default environment configuration,
// sets up the root directory and loads what viper collected.
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	err := viper.Unmarshal(conf)
	if err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	if err := cfg.EnsureRoot(conf.RootDir); err != nil {
		return nil, err
	}
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for a worldbft node.
var RootCmd = &cobra.Command{
	Use:   "worldbft",
	Short: "PoS/BFT consensus engine for persistent game worlds",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		config, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = tmflags.ParseLogLevel(
			viper.GetString("log_level"), logger, "info")
		if err != nil {
			return err
		}

		logger = logger.With("module", "main")
		return nil
	},
}

// deprecateSnakeCase 兼容旧的snake case命令名
func deprecateSnakeCase(cmd *cobra.Command, args []string) {
	if strings.Contains(cmd.CalledAs(), "_") {
		fmt.Println("deprecated snake_case commands will be replaced by hyphen-case commands in the next major release")
	}
}
