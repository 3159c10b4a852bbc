package utils

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads a .env file from the given path into the process
// environment and primes viper for env lookups. A missing .env is fine;
// containers usually inject everything through real env vars.
func LoadConfig(path string) {
	if err := godotenv.Load(path + "/.env"); err != nil {
		logrus.Debugf("[CONFIG] No .env file loaded: %v", err)
	}

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		logrus.Debugf("[CONFIG] viper config not read: %v", err)
	}
}

// CreateFolder creates every given directory if it does not exist yet.
func CreateFolder(folders ...string) error {
	for _, folder := range folders {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return err
		}
	}
	return nil
}
