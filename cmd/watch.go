package cmd

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mpapenbr/runsession/log"
)

// watchConfig applies changes of the config file to a running command.
// Only the log level is reloaded, everything else needs a restart.
func watchConfig(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Debug("config file changed", log.String("file", e.Name))
		applyLogLevel(v)
	})
	v.WatchConfig()
}

func applyLogLevel(v *viper.Viper) {
	value := v.GetString("log-level")
	if value == "" {
		return
	}
	level, err := log.ParseLevel(value)
	if err != nil {
		log.Warn("ignoring invalid log level", log.String("value", value))
		return
	}
	if log.Default().Level() == level {
		return
	}
	log.Default().SetLevel(level)
	log.Info("log level changed", log.String("level", level.String()))
}
