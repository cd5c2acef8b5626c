package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/exchange-core/internal/entity"
)

type BalanceChangeRepository struct {
	db *sqlx.DB
}

func NewBalanceChangeRepository(db *sqlx.DB) *BalanceChangeRepository {
	return &BalanceChangeRepository{db: db}
}

func (r *BalanceChangeRepository) Create(ctx context.Context, change *entity.BalanceChangeArchive) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(change.TableName()).
		Columns(
			"exchange",
			"currency",
			"available",
			"reserved",
			"version",
			"event_at",
			"created_at",
		).
		Values(
			change.Exchange,
			change.Currency,
			change.Available,
			change.Reserved,
			change.Version,
			change.EventAt,
			change.CreatedAt,
		).
		Suffix("RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		return err
	}

	change.ID = id

	return err
}

func (r *BalanceChangeRepository) GetLatest(ctx context.Context, exchange, currency string, limit uint64) ([]entity.BalanceChangeArchive, error) {
	if limit == 0 {
		limit = 100
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("balance_changes").
		Where(sq.Eq{"exchange": exchange, "currency": currency}).
		OrderBy("event_at desc").
		Limit(limit)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var changes []entity.BalanceChangeArchive
	err = r.db.SelectContext(ctx, &changes, query, args...)
	if err != nil {
		return nil, err
	}

	return changes, nil
}
