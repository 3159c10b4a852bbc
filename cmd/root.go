package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	globalConfig "github.com/uniboxhq/unibox/config"
	coreDB "github.com/uniboxhq/unibox/core/database"
	"github.com/uniboxhq/unibox/infrastructure/valkey"
	"github.com/uniboxhq/unibox/lifecycle"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/lifecycle/infrastructure"
	"github.com/uniboxhq/unibox/lifecycle/repository"
	"github.com/uniboxhq/unibox/pkg/crypto"
	"github.com/uniboxhq/unibox/pkg/utils"
)

var (
	db       *gorm.DB
	vkClient *valkey.Client

	connRepo *repository.ConnectionGormRepository
	convRepo *repository.ConversationGormRepository

	manager *lifecycle.Manager
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "unibox",
	Short: "Channel connection lifecycle manager for the unified inbox",
	Long: `Keeps provider channel connections alive: proactive token refresh,
adaptive health checks, automatic recovery, messaging window tracking,
and signed webhook ingestion.`,
}

func init() {
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig, initApp)
}

// initEnvConfig loads configuration from environment variables
func initEnvConfig() {
	if envPort := viper.GetString("app_port"); envPort != "" {
		globalConfig.AppPort = envPort
	}
	if envDebug := viper.GetBool("app_debug"); envDebug {
		globalConfig.AppDebug = envDebug
	}
	envBasicAuth := viper.GetString("app_basic_auth")
	if envBasicAuth == "" {
		envBasicAuth = os.Getenv("APP_BASIC_AUTH")
	}
	if envBasicAuth != "" {
		globalConfig.AppBasicAuthCredential = strings.Split(envBasicAuth, ",")
	}
	if envBasePath := viper.GetString("app_base_path"); envBasePath != "" {
		globalConfig.AppBasePath = envBasePath
	}
	if envTrustedProxies := viper.GetString("app_trusted_proxies"); envTrustedProxies != "" {
		globalConfig.AppTrustedProxies = strings.Split(envTrustedProxies, ",")
	}

	if envDBDriver := viper.GetString("db_driver"); envDBDriver != "" {
		globalConfig.DBDriver = envDBDriver
	}
	if envDBURI := viper.GetString("db_uri"); envDBURI != "" {
		globalConfig.DBURI = envDBURI
	}
	if envDBHost := viper.GetString("db_host"); envDBHost != "" {
		globalConfig.DBHost = envDBHost
	}
	if envDBUser := viper.GetString("db_user"); envDBUser != "" {
		globalConfig.DBUser = envDBUser
	}
	if envDBPass := viper.GetString("db_password"); envDBPass != "" {
		globalConfig.DBPass = envDBPass
	}
	if envDBPort := viper.GetInt("db_port"); envDBPort != 0 {
		globalConfig.DBPort = envDBPort
	}

	if envValkey := viper.GetString("valkey_address"); envValkey != "" {
		globalConfig.ValkeyAddress = envValkey
	}
	if envValkeyPass := viper.GetString("valkey_password"); envValkeyPass != "" {
		globalConfig.ValkeyPassword = envValkeyPass
	}
	if viper.IsSet("valkey_db") {
		globalConfig.ValkeyDB = viper.GetInt("valkey_db")
	}
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(
		&globalConfig.AppPort,
		"port", "p",
		globalConfig.AppPort,
		"change port number with --port <number> | example: --port=8080",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&globalConfig.AppDebug,
		"debug", "d",
		globalConfig.AppDebug,
		"hide or displaying log with --debug <true/false> | example: --debug=true",
	)
	rootCmd.PersistentFlags().StringSliceVarP(
		&globalConfig.AppBasicAuthCredential,
		"basic-auth", "b",
		globalConfig.AppBasicAuthCredential,
		"basic auth credential | -b=yourUsername:yourPassword",
	)
	rootCmd.PersistentFlags().StringVarP(
		&globalConfig.AppBasePath,
		"base-path", "",
		globalConfig.AppBasePath,
		`base path for subpath deployment --base-path <string> | example: --base-path="/unibox"`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&globalConfig.DBURI,
		"db-uri", "",
		globalConfig.DBURI,
		`database location, a file path for sqlite or a dbname for postgres --db-uri <string>`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&globalConfig.ValkeyAddress,
		"valkey-address", "",
		globalConfig.ValkeyAddress,
		`valkey address for shared validation cache --valkey-address <host:port>, empty keeps everything in memory`,
	)
	rootCmd.PersistentFlags().StringVarP(
		&globalConfig.WebhookSecret,
		"webhook-secret", "",
		globalConfig.WebhookSecret,
		`shared secret for webhook signature verification --webhook-secret <string>`,
	)
}

func initApp() {
	if globalConfig.AppDebug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := utils.CreateFolder(globalConfig.PathStorages); err != nil {
		logrus.Errorln(err)
	}

	if err := crypto.SetEncryptionKey(globalConfig.AppSecretKey); err != nil {
		logrus.Fatalf("failed to set encryption key: %v", err)
	}

	ctx := context.Background()

	var err error
	db, err = coreDB.NewDatabase()
	if err != nil {
		logrus.Fatalf("failed to open database: %v", err)
	}

	connRepo = repository.NewConnectionGormRepository(db)
	if err := connRepo.Init(ctx); err != nil {
		logrus.Fatalf("failed to init connection repo: %v", err)
	}
	convRepo = repository.NewConversationGormRepository(db)
	if err := convRepo.Init(ctx); err != nil {
		logrus.Fatalf("failed to init conversation repo: %v", err)
	}

	// Validation cache: Valkey when configured, process-local otherwise.
	var cache connection.ValidationCache = repository.NewMemoryValidationCache()
	if globalConfig.ValkeyAddress != "" {
		vkClient, err = valkey.NewClient(valkey.Config{
			Address:   globalConfig.ValkeyAddress,
			Password:  globalConfig.ValkeyPassword,
			DB:        globalConfig.ValkeyDB,
			KeyPrefix: globalConfig.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Warnf("[VALKEY] Unreachable, falling back to in-memory validation cache: %v", err)
		} else {
			cache = repository.NewValkeyValidationCache(vkClient)
		}
	}

	manager = lifecycle.NewManager(lifecycle.Deps{
		ConnRepo:  connRepo,
		ConvRepo:  convRepo,
		MsgRepo:   convRepo,
		Cache:     cache,
		Transport: infrastructure.NewHTTPTransport(),
		Sink:      event.MultiSink{infrastructure.LogSink{}, infrastructure.MonitorSink{}},
	})

	if err := manager.StartBackground(ctx); err != nil {
		logrus.Fatalf("failed to start lifecycle background loops: %v", err)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp performs a clean shutdown of background loops and connections.
func StopApp() {
	logrus.Info("[APP] Stopping application...")

	if manager != nil {
		manager.StopAll()
	}
	if vkClient != nil {
		vkClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logrus.Info("[APP] Application stopped cleanly.")
}
