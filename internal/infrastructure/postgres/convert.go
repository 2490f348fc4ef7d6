package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var satsPerBTC = decimal.NewFromInt(100_000_000)

func toSats(d decimal.Decimal) int64 {
	return d.Mul(satsPerBTC).IntPart()
}

func fromSats(sats int64) decimal.Decimal {
	return decimal.NewFromInt(sats).Div(satsPerBTC)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
