package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deye-bridge",
	Short: "Bridge a Deye Cloud inverter fleet into a home automation platform",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("logging.debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the top level command processor
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger(nil).WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deye-bridge.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	errPanic(viper.GetViper().BindPFlag("logging.debug", rootCmd.PersistentFlags().Lookup("debug")))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".deye-bridge")
	}

	viper.SetEnvPrefix("DEYE_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("using config file %s", viper.ConfigFileUsed())
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) || viper.GetString(f) == "" {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}
