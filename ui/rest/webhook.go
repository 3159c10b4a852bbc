package rest

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/config"
	"github.com/uniboxhq/unibox/lifecycle"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	"github.com/uniboxhq/unibox/pkg/crypto"
	"github.com/uniboxhq/unibox/pkg/utils"
)

type Webhook struct {
	Manager *lifecycle.Manager
	Repo    connection.Repository
}

func InitRestWebhook(app fiber.Router, manager *lifecycle.Manager, repo connection.Repository) Webhook {
	rest := Webhook{Manager: manager, Repo: repo}
	app.Post("/webhooks/:provider", rest.Receive)
	return rest
}

// webhookBatch accepts either a single event object or an envelope with an
// "events" array, which is how Meta delivers bundled change notifications.
type webhookBatch struct {
	Events []provider.WebhookEvent `json:"events"`
}

// Receive verifies the signature against the raw body and acknowledges fast.
// Providers retry on non-2xx, so per-event processing failures are logged and
// swallowed; only an invalid signature is rejected.
func (handler *Webhook) Receive(c *fiber.Ctx) error {
	body := c.Body()
	events := parseWebhookBody(body)

	if !crypto.VerifySignature(body, c.Get("X-Hub-Signature-256"), handler.signingSecret(c.UserContext(), events)) {
		logrus.Warnf("[WEBHOOK] Rejected unsigned or tampered payload for provider %s", c.Params("provider"))
		return c.Status(fiber.StatusUnauthorized).JSON(utils.ResponseData{
			Status:  401,
			Code:    "INVALID_SIGNATURE",
			Message: "Webhook signature verification failed",
		})
	}

	processed := 0
	for _, ev := range events {
		if err := handler.Manager.IngestWebhook(c.UserContext(), ev); err != nil {
			logrus.Warnf("[WEBHOOK] Dropped event %s: %v", ev.EventID, err)
			continue
		}
		processed++
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Webhook accepted",
		Results: map[string]int{
			"received":  len(events),
			"processed": processed,
		},
	})
}

// signingSecret prefers the secret configured on the connection the payload is
// addressed to, falling back to the app-wide secret for connections that never
// set one. All events in a Meta batch share a recipient, so the first event
// decides.
func (handler *Webhook) signingSecret(ctx context.Context, events []provider.WebhookEvent) string {
	if len(events) == 0 {
		return config.WebhookSecret
	}

	ev := events[0]
	for _, recipient := range append([]string{ev.RecipientID}, ev.AltRecipientIDs...) {
		if recipient == "" {
			continue
		}
		conn, err := handler.Repo.FindByRecipient(ctx, recipient)
		if err != nil || conn == nil {
			continue
		}
		if conn.WebhookSecret != "" {
			return conn.WebhookSecret
		}
		break
	}
	return config.WebhookSecret
}

func parseWebhookBody(body []byte) []provider.WebhookEvent {
	var batch webhookBatch
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Events) > 0 {
		return batch.Events
	}

	var single provider.WebhookEvent
	if err := json.Unmarshal(body, &single); err == nil && single.EventID != "" {
		return []provider.WebhookEvent{single}
	}

	logrus.Debug("[WEBHOOK] Payload matched neither batch nor single event shape")
	return nil
}
