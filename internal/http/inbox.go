package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/service/inbox"
	"github.com/labstack/echo/v4"
)

type inboxEvent struct {
	EventID      string          `json:"eventId"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
	AttemptCount int             `json:"attemptCount"`
}

type pagination struct {
	Limit   int     `json:"limit"`
	Cursor  *string `json:"cursor"`
	HasMore bool    `json:"hasMore"`
}

type inboxResp struct {
	Events     []inboxEvent `json:"events"`
	Pagination pagination   `json:"pagination"`
}

func toInboxEvent(ev model.Event) inboxEvent {
	return inboxEvent{
		EventID:      ev.ID,
		Type:         ev.Type,
		Status:       ev.Status.String(),
		Payload:      json.RawMessage(ev.Payload),
		CreatedAt:    ev.CreatedAt,
		AttemptCount: ev.AttemptCount,
	}
}

func inboxHandler(svc *inbox.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}
		limit, err := svc.ParseLimit(c.QueryParam("limit"))
		if err != nil {
			return err
		}

		page, err := svc.List(c.Request().Context(), owner, inbox.Filter{
			Type:   c.QueryParam("type"),
			Status: c.QueryParam("status"),
		}, c.QueryParam("cursor"), limit)
		if err != nil {
			return err
		}

		resp := inboxResp{
			Events:     make([]inboxEvent, 0, len(page.Events)),
			Pagination: pagination{Limit: page.Limit, HasMore: page.HasMore},
		}
		for _, ev := range page.Events {
			resp.Events = append(resp.Events, toInboxEvent(ev))
		}
		if page.NextCursor != "" {
			cur := page.NextCursor
			resp.Pagination.Cursor = &cur
		}
		return c.JSON(http.StatusOK, resp)
	}
}
