package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Nop{}}.Record(context.Background(), model.Outcome{EventID: "e1", Result: model.OutcomeDelivered})

	assert.Equal(t, []model.OutcomeResult{model.OutcomeDelivered}, a.Results("e1"))
	assert.Len(t, b.All(), 1)
}

func TestLogSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := LogSink{Log: zap.New(core)}

	s.Record(context.Background(), model.Outcome{EventID: "e1", Result: model.OutcomeDelivered})
	s.Record(context.Background(), model.Outcome{EventID: "e2", Result: model.OutcomeExhausted, Error: "boom"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestClickHouseSinkFlushesOnSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO evgw.delivery_outcomes")
	prep.ExpectExec().WithArgs("e1", "u1", "t", uint32(1), "delivered", "", uint32(12), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("e2", "u1", "t", uint32(3), "exhausted", "timeout", uint32(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewClickHouseSink(sqlx.NewDb(db, "clickhouse"), 2, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Record(ctx, model.Outcome{EventID: "e1", OwnerID: "u1", Type: "t", Attempt: 1, Result: model.OutcomeDelivered, LatencyMs: 12, At: at})
	s.Record(ctx, model.Outcome{EventID: "e2", OwnerID: "u1", Type: "t", Attempt: 3, Result: model.OutcomeExhausted, Error: "timeout", At: at})

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
