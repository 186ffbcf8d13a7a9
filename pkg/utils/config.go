// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory string
)

// LoadConfiguration merges <configFileName>.{yaml,json,toml,env} from the
// usual agent locations into viper and enables environment overrides
// (AGENT_ID, BACKEND_URL, ...). A name with an extension is read as a path.
func LoadConfiguration(configFileName string, required bool) bool {
	if filepath.Ext(configFileName) != "" {
		viper.SetConfigFile(ResolvePath(configFileName))
	} else {
		viper.SetConfigName(configFileName)
	}
	if ConfigurationFileDirectory != "" {
		viper.AddConfigPath(ResolvePath(ConfigurationFileDirectory))
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.mnm-agent")
	viper.AddConfigPath(`C:\ProgramData\MNMAgent`)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if required {
				log.Fatal().Msgf("Config file not found: %s", configFileName)
			}
			log.Info().Msgf("Config file not found: %s, using environment and flags", configFileName)
			return false
		}

		if required {
			log.Fatal().Err(err).Msgf("Failed to load required config file: %s", configFileName)
		}
		log.Warn().Err(err).Msgf("Failed to load config file: %s", configFileName)
		return false
	}
	log.Info().Msgf("Loaded config file: %s", viper.ConfigFileUsed())

	return true
}
