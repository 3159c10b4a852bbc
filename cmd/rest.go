package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	globalConfig "github.com/uniboxhq/unibox/config"
	"github.com/uniboxhq/unibox/ui/rest"
	"github.com/uniboxhq/unibox/ui/rest/middleware"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the lifecycle API over http",
	Run:   restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func restServer(_ *cobra.Command, _ []string) {
	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		Network:                 "tcp",
		AppName:                 "Unibox Lifecycle Manager",
		ServerHeader:            "Hidden",
	}

	if len(globalConfig.AppTrustedProxies) > 0 {
		fiberConfig.TrustedProxies = globalConfig.AppTrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedHost
	}

	app := fiber.New(fiberConfig)

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	if globalConfig.AppDebug {
		app.Use(logger.New())
	}

	if len(globalConfig.AppBasicAuthCredential) == 0 {
		logrus.Fatalln("APP_BASIC_AUTH is required. Nothing should be public; please set APP_BASIC_AUTH=<user>:<secret>[,<user2>:<secret2>] and restart.")
	}

	account := make(map[string]string)
	for _, basicAuth := range globalConfig.AppBasicAuthCredential {
		ba := strings.Split(basicAuth, ":")
		if len(ba) != 2 {
			logrus.Fatalln("Basic auth is not valid, please this following format <user>:<secret>")
		}
		account[ba[0]] = ba[1]
	}

	apiGroup := app.Group(globalConfig.AppBasePath + "/api")

	// Webhooks authenticate with an HMAC signature, not basic auth; they must
	// stay reachable by the provider.
	rest.InitRestWebhook(apiGroup, manager, connRepo)

	apiGroup.Use(basicauth.New(basicauth.Config{
		Users: account,
		Next: func(c *fiber.Ctx) bool {
			// Allow CORS preflight without credentials.
			return c.Method() == fiber.MethodOptions
		},
	}))

	rest.InitRestConnection(apiGroup, manager, connRepo)
	rest.InitRestMonitoring(apiGroup, manager)

	apiGroup.All("/*", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "API Endpoint not found",
			"path":  c.Path(),
		})
	})

	// Graceful shutdown handler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[REST] Reception of termination signal, shutting down gracefully...")
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("[REST] Error during Fiber shutdown: %v", err)
		}
		StopApp()
	}()

	if err := app.Listen(":" + globalConfig.AppPort); err != nil {
		logrus.Fatalln("Failed to start: ", err.Error())
	}
}
