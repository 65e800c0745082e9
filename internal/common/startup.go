package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/replicheck/replicheck/internal/common/checkerrors"
)

// LoadConfig reads the harness configuration into config. An explicit path
// takes precedence; otherwise a file named ".replicheck.yaml" is looked up in
// the working directory and $HOME. Values can be overridden through
// REPLICHECK_-prefixed environment variables, e.g., REPLICHECK_CREDENTIAL_PASSWORD.
// A missing config file is only an error when a path was given explicitly;
// flags and environment variables may fully specify a run.
func LoadConfig(config interface{}, configPath string) error {
	v := viper.New()
	v.SetEnvPrefix("REPLICHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
				Name:    "config",
				Value:   configPath,
				Message: err.Error(),
			})
		}
	} else {
		v.SetConfigName(".replicheck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
					Name:    "config",
					Value:   v.ConfigFileUsed(),
					Message: err.Error(),
				})
			}
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return errors.WithStack(&checkerrors.ErrInvalidConfiguration{
			Name:    "config",
			Value:   v.ConfigFileUsed(),
			Message: err.Error(),
		})
	}
	return nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}
