package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func marketRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "question", "slug", "category", "end_date", "image_url",
		"volume", "volume_24h", "liquidity", "question_id", "activity_score",
		"created_at", "updated_at",
	})
}

func TestInitSchemaSwallowsAlreadyExists(t *testing.T) {
	s, mock := newMockStore(t)

	for i := range schemaStatements {
		if i == 3 {
			mock.ExpectExec(".*").WillReturnError(&pq.Error{Code: "42P07", Message: "relation exists"})
			continue
		}
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	assert.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchemaPropagatesRealErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(".*").WillReturnError(&pq.Error{Code: "42601", Message: "syntax error"})

	err := s.InitSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema statement 1")
}

func TestGetMarketAbsentIsNil(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM markets WHERE id").
		WithArgs("m-missing").
		WillReturnError(sql.ErrNoRows)

	m, err := s.GetMarket(context.Background(), "m-missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestGetMarketFound(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	qid := "q1"
	mock.ExpectQuery("SELECT .* FROM markets WHERE id").
		WithArgs("m1").
		WillReturnRows(marketRows().AddRow(
			"m1", "Will it rain?", "will-it-rain", "Weather", nil, nil,
			1000.0, 250.0, 50.0, qid, 0.42, now, now,
		))

	m, err := s.GetMarket(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Will it rain?", m.Question)
	require.NotNil(t, m.QuestionID)
	assert.Equal(t, "q1", *m.QuestionID)
	assert.Nil(t, m.EndDate)
}

func TestUpsertMarket(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO markets").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertMarket(context.Background(), &Market{
		ID:       "m1",
		Question: "Will it rain?",
		Slug:     "will-it-rain",
		Category: "Weather",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOutcomeRewritesOnNameConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO outcomes").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "outcomes_market_id_outcome_key"})
	mock.ExpectExec("UPDATE outcomes SET id").
		WithArgs("o-new", "tok-new", 10.0, 2.0, "m1", "Yes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertOutcome(context.Background(), &Outcome{
		ID: "o-new", MarketID: "m1", Name: "Yes", TokenID: "tok-new",
		Volume: 10, Volume24h: 2,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOutcomePropagatesOtherErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO outcomes").
		WillReturnError(&pq.Error{Code: "23503", Message: "fk violation"})

	err := s.UpsertOutcome(context.Background(), &Outcome{ID: "o1", MarketID: "ghost", Name: "Yes"})
	assert.Error(t, err)
}

func TestGetOutcomeByToken(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM outcomes WHERE token_id").
		WithArgs("tok1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "market_id", "outcome", "token_id", "volume", "volume_24h", "created_at",
		}).AddRow("o1", "m1", "Yes", "tok1", 10.0, 1.0, now))

	o, err := s.GetOutcomeByToken(context.Background(), "tok1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "m1", o.MarketID)

	mock.ExpectQuery("SELECT .* FROM outcomes WHERE token_id").
		WithArgs("tok-unknown").
		WillReturnError(sql.ErrNoRows)

	o, err = s.GetOutcomeByToken(context.Background(), "tok-unknown")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestInsertPricePoint(t *testing.T) {
	s, mock := newMockStore(t)

	ts := time.Now()
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs("m1", "o1", ts, 0.40, 0.42, 0.41, 41.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertPricePoint(context.Background(), &PricePoint{
		MarketID: "m1", OutcomeID: "o1", Timestamp: ts,
		Bid: 0.40, Ask: 0.42, Mid: 0.41, ImpliedProbability: 41.0,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrunePriceHistory(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM price_history").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1234))

	n, err := s.PrunePriceHistory(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)
}

func TestListPriceHistoryOutcomeFilter(t *testing.T) {
	s, mock := newMockStore(t)

	since := time.Now().Add(-time.Hour)
	cols := []string{"id", "market_id", "outcome_id", "timestamp", "bid_price", "ask_price", "mid_price", "implied_probability"}

	mock.ExpectQuery("SELECT .* FROM price_history").
		WithArgs("m1", "o1", since, 1000).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "m1", "o1", since.Add(time.Minute), 0.4, 0.42, 0.41, 41.0))

	points, err := s.ListPriceHistory(context.Background(), "m1", "o1", since, 1000)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 0.41, points[0].Mid)
}

func TestMarketSame(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	img := "https://img"
	a := &Market{Question: "Q", Slug: "q", Category: "Politics", EndDate: &end, ImageURL: &img}

	b := *a
	assert.True(t, a.Same(&b))

	c := *a
	c.Category = "Crypto"
	assert.False(t, a.Same(&c))

	d := *a
	d.EndDate = nil
	assert.False(t, a.Same(&d))

	// Volume churn alone must not read as change.
	e := *a
	e.Volume24h = 999999
	assert.True(t, a.Same(&e))

	assert.False(t, a.Same(nil))
}
