package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

type deliveryRow struct {
	EventID   string    `json:"eventId"`
	Type      string    `json:"type"`
	Attempt   int       `json:"attempt"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	At        time.Time `json:"at"`
}

func listDeliveriesHandler(chRepo repository.CHOutcomesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerOf(c)
		if err != nil {
			return err
		}

		q := repository.OutcomeQuery{
			EventID: strings.TrimSpace(c.QueryParam("event_id")),
			Limit:   50,
		}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				q.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.Offset = n
			}
		}
		if raw := strings.TrimSpace(c.QueryParam("result")); raw != "" {
			r := model.OutcomeResult(raw)
			if !r.Valid() {
				return model.Invalid("result", "unknown delivery result")
			}
			q.Result = r
		}

		rows, err := chRepo.ListByOwner(c.Request().Context(), owner, q)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return err
		}

		results := make([]deliveryRow, 0, len(rows))
		for _, o := range rows {
			results = append(results, deliveryRow{
				EventID:   o.EventID,
				Type:      o.Type,
				Attempt:   o.Attempt,
				Result:    o.Result.String(),
				Error:     o.Error,
				LatencyMs: o.LatencyMs,
				At:        o.At,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   q.Limit,
			"offset":  q.Offset,
			"count":   len(results),
			"results": results,
		})
	}
}
