package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/exchange-core/internal/entity"
)

type OrderEventRepository struct {
	db *sqlx.DB
}

func NewOrderEventRepository(db *sqlx.DB) *OrderEventRepository {
	return &OrderEventRepository{db: db}
}

func (r *OrderEventRepository) Create(ctx context.Context, event *entity.OrderEventArchive) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(event.TableName()).
		Columns(
			"event_type",
			"exchange",
			"symbol",
			"client_order_id",
			"exchange_order_id",
			"side",
			"type",
			"price",
			"quantity",
			"filled_quantity",
			"avg_fill_price",
			"state",
			"reason",
			"event_at",
			"created_at",
		).
		Values(
			event.EventType,
			event.Exchange,
			event.Symbol,
			event.ClientOrderID,
			event.ExchangeOrderID,
			event.Side,
			event.Type,
			event.Price,
			event.Quantity,
			event.FilledQuantity,
			event.AvgFillPrice,
			event.State,
			event.Reason,
			event.EventAt,
			event.CreatedAt,
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

	event.ID = id

	return err
}

func (r *OrderEventRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) ([]entity.OrderEventArchive, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("order_events").
		Where(sq.Eq{"client_order_id": clientOrderID}).
		OrderBy("event_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var events []entity.OrderEventArchive
	err = r.db.SelectContext(ctx, &events, query, args...)
	if err != nil {
		return nil, err
	}

	return events, nil
}

func (r *OrderEventRepository) GetLatestByExchange(ctx context.Context, exchange string, limit uint64) ([]entity.OrderEventArchive, error) {
	if limit == 0 {
		limit = 100
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("order_events").
		Where(sq.Eq{"exchange": exchange}).
		OrderBy("event_at desc").
		Limit(limit)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var events []entity.OrderEventArchive
	err = r.db.SelectContext(ctx, &events, query, args...)
	if err != nil {
		return nil, err
	}

	return events, nil
}
