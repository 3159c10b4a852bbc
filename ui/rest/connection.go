package rest

import (
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/uniboxhq/unibox/lifecycle"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
	"github.com/uniboxhq/unibox/pkg/utils"
)

type Connection struct {
	Manager *lifecycle.Manager
	Repo    connection.Repository
}

func InitRestConnection(app fiber.Router, manager *lifecycle.Manager, repo connection.Repository) Connection {
	rest := Connection{Manager: manager, Repo: repo}
	app.Get("/connections", rest.List)
	app.Post("/connections", rest.Create)
	app.Get("/connections/:id", rest.Get)
	app.Post("/connections/:id/refresh", rest.Refresh)
	app.Post("/connections/:id/recover", rest.Recover)
	app.Post("/connections/:id/reauthorize", rest.Reauthorize)
	app.Delete("/connections/:id", rest.Disconnect)
	app.Get("/conversations/:id/window", rest.Window)
	return rest
}

type createConnectionRequest struct {
	TenantID          string   `json:"tenant_id"`
	Provider          string   `json:"provider"`
	Name              string   `json:"name"`
	BusinessAccountID string   `json:"business_account_id"`
	AltIdentifiers    []string `json:"alt_identifiers"`
	AccessToken       string   `json:"access_token"`
	RefreshToken      string   `json:"refresh_token"`
	TokenExpiresAt    string   `json:"token_expires_at"`
}

func (r createConnectionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.Provider, validation.Required, validation.In("meta", "instagram", "whatsapp_cloud")),
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.BusinessAccountID, validation.Required),
		validation.Field(&r.AccessToken, validation.Required),
		validation.Field(&r.RefreshToken, validation.Required),
		validation.Field(&r.TokenExpiresAt, validation.Required, validation.Date(time.RFC3339)),
	)
}

type connectionView struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Provider          string            `json:"provider"`
	Name              string            `json:"name"`
	Status            connection.Status `json:"status"`
	StatusReason      string            `json:"status_reason,omitempty"`
	RequiresReauth    bool              `json:"requires_reauth"`
	TokenExpiresAt    time.Time         `json:"token_expires_at"`
	TokenExpiresHuman string            `json:"token_expires_human"`
	State             connection.State  `json:"state"`
}

func (handler *Connection) view(conn *connection.Connection) connectionView {
	return connectionView{
		ID:                conn.ID,
		TenantID:          conn.TenantID,
		Provider:          conn.Provider,
		Name:              conn.Name,
		Status:            conn.Status,
		StatusReason:      conn.StatusReason,
		RequiresReauth:    conn.RequiresReauth,
		TokenExpiresAt:    conn.Token.TokenExpiresAt,
		TokenExpiresHuman: humanize.Time(conn.Token.TokenExpiresAt),
		State:             handler.Manager.ConnectionState(conn.ID),
	}
}

func (handler *Connection) List(c *fiber.Ctx) error {
	conns, err := handler.Repo.ListConnections(c.UserContext())
	utils.PanicIfNeeded(err)

	// ?requires_reauth=true narrows to connections waiting on a human.
	onlyReauth := c.QueryBool("requires_reauth")

	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		if onlyReauth && !conn.RequiresReauth {
			continue
		}
		views = append(views, handler.view(conn))
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Connections listed",
		Results: views,
	})
}

func (handler *Connection) Create(c *fiber.Ctx) error {
	var req createConnectionRequest
	if err := c.BodyParser(&req); err != nil {
		panic(pkgError.ValidationError("invalid request body"))
	}
	utils.PanicIfNeeded(req.Validate())

	expiresAt, _ := time.Parse(time.RFC3339, req.TokenExpiresAt)
	conn := &connection.Connection{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		Provider:          req.Provider,
		Name:              req.Name,
		BusinessAccountID: req.BusinessAccountID,
		AltIdentifiers:    req.AltIdentifiers,
		Status:            connection.StatusActive,
		Token: connection.TokenMaterial{
			AccessToken:    req.AccessToken,
			RefreshToken:   req.RefreshToken,
			TokenExpiresAt: expiresAt,
		},
	}
	utils.PanicIfNeeded(handler.Manager.Connect(c.UserContext(), conn))

	return c.Status(fiber.StatusCreated).JSON(utils.ResponseData{
		Status:  201,
		Code:    "SUCCESS",
		Message: "Connection registered",
		Results: handler.view(conn),
	})
}

func (handler *Connection) Get(c *fiber.Ctx) error {
	conn, err := handler.Repo.GetConnection(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Connection found",
		Results: handler.view(conn),
	})
}

func (handler *Connection) Refresh(c *fiber.Ctx) error {
	utils.PanicIfNeeded(handler.Manager.RefreshToken(c.UserContext(), c.Params("id")))

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Token refreshed",
	})
}

func (handler *Connection) Recover(c *fiber.Ctx) error {
	handler.Manager.TriggerRecovery(c.Params("id"), "manual recovery request")

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Recovery started",
	})
}

type reauthorizeRequest struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	TokenExpiresAt string `json:"token_expires_at"`
}

func (r reauthorizeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AccessToken, validation.Required),
		validation.Field(&r.RefreshToken, validation.Required),
		validation.Field(&r.TokenExpiresAt, validation.Required, validation.Date(time.RFC3339)),
	)
}

func (handler *Connection) Reauthorize(c *fiber.Ctx) error {
	var req reauthorizeRequest
	if err := c.BodyParser(&req); err != nil {
		panic(pkgError.ValidationError("invalid request body"))
	}
	utils.PanicIfNeeded(req.Validate())

	expiresAt, _ := time.Parse(time.RFC3339, req.TokenExpiresAt)
	utils.PanicIfNeeded(handler.Manager.Reauthorize(c.UserContext(), c.Params("id"), connection.TokenMaterial{
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		TokenExpiresAt: expiresAt,
	}))

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Connection reauthorized",
	})
}

func (handler *Connection) Disconnect(c *fiber.Ctx) error {
	utils.PanicIfNeeded(handler.Manager.Disconnect(c.UserContext(), c.Params("id")))

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Connection disconnected",
	})
}

func (handler *Connection) Window(c *fiber.Ctx) error {
	check, err := handler.Manager.CheckMessagingWindow(c.UserContext(), c.Params("id"))
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Messaging window evaluated",
		Results: check,
	})
}
