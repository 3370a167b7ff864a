package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jmehdipour/event-gateway/internal/http/middleware"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/service/events"
	"github.com/jmehdipour/event-gateway/internal/service/ingest"
	"github.com/labstack/echo/v4"
)

const HeaderAlreadyGone = "X-Already-Gone"

type createEventReq struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type createEventResp struct {
	EventID   string `json:"eventId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type eventStatusResp struct {
	EventID       string     `json:"eventId"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attemptCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt"`
	DeliveredAt   *time.Time `json:"deliveredAt"`
	FailedAt      *time.Time `json:"failedAt"`
	LastError     *string    `json:"lastError"`
}

type ackResp struct {
	EventID     string     `json:"eventId"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt"`
}

func ownerOf(c echo.Context) (string, error) {
	owner, ok := middleware.OwnerIDFromCtx(c)
	if !ok {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return owner, nil
}

// checkPayload accepts a non-empty JSON object and nothing else.
func checkPayload(raw json.RawMessage) *model.ValidationError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model.Invalid("payload", "payload is required")
	}
	if raw[0] != '{' {
		return model.Invalid("payload", "payload must be a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Invalid("payload", "payload must be a JSON object")
	}
	if len(obj) == 0 {
		return model.Invalid("payload", "payload must not be empty")
	}
	return nil
}

func createEventHandler(svc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}

		var req createEventReq
		if err := c.Bind(&req); err != nil {
			if he, ok := err.(*echo.HTTPError); ok && he.Code == http.StatusUnsupportedMediaType {
				return he
			}
			return &model.ValidationError{Message: "request body must be valid JSON"}
		}
		if verr := checkPayload(req.Payload); verr != nil {
			return verr
		}

		res, err := svc.Ingest(c.Request().Context(), owner, req.Type, bytes.TrimSpace(req.Payload))
		if err != nil {
			return err
		}

		return c.JSON(http.StatusCreated, createEventResp{
			EventID:   res.EventID,
			Status:    res.Status.String(),
			Timestamp: res.Timestamp.Format(time.RFC3339Nano),
		})
	}
}

func deleteEventHandler(svc *events.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}
		gone, err := svc.Delete(c.Request().Context(), owner, c.Param("id"))
		if err != nil {
			return err
		}
		if gone {
			c.Response().Header().Set(HeaderAlreadyGone, "true")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func eventStatusHandler(svc *events.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}
		ev, err := svc.Status(c.Request().Context(), owner, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, eventStatusResp{
			EventID:       ev.ID,
			Status:        ev.Status.String(),
			AttemptCount:  ev.AttemptCount,
			LastAttemptAt: ev.LastAttemptAt,
			DeliveredAt:   ev.DeliveredAt,
			FailedAt:      ev.FailedAt,
			LastError:     ev.LastError,
		})
	}
}

func ackEventHandler(svc *events.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}
		ev, err := svc.Acknowledge(c.Request().Context(), owner, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ackResp{
			EventID:     ev.ID,
			Status:      ev.Status.String(),
			DeliveredAt: ev.DeliveredAt,
		})
	}
}
