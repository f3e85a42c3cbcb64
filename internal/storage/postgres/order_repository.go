package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const selectOrder = `
	SELECT id, number, customer_id, status, payment_status, currency,
	       subtotal_minor, tax_minor, shipping_minor, total_minor,
	       transaction_id, paid_at, version, created_at, updated_at
	FROM orders`

const itemColumns = 9

// orderConstraintErrors сопоставляет нарушенные уникальные ограничения доменным ошибкам.
var orderConstraintErrors = map[string]error{
	"orders_pkey":       domain.ErrOrderAlreadyExists,
	"orders_number_key": domain.ErrOrderNumberTaken,
}

type orderRepository struct {
	q queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Create сохраняет заказ и все его позиции атомарно.
func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return withTx(ctx, r.q, func(q queryer) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO orders (
				id, number, customer_id, status, payment_status, currency,
				subtotal_minor, tax_minor, shipping_minor, total_minor,
				transaction_id, paid_at, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			order.ID, order.Number, order.CustomerID, string(order.Status), string(order.PaymentStatus), order.Currency,
			order.SubtotalMinor, order.TaxMinor, order.ShippingMinor, order.TotalMinor,
			nullString(order.TransactionID), nullTime(order.PaidAt), order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if isUniqueViolation(err) {
			if mapped, ok := orderConstraintErrors[constraintName(err)]; ok {
				return mapped
			}
			return domain.ErrOrderAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return insertItems(ctx, q, order)
	})
}

// insertItems пишет позиции одним многострочным INSERT.
func insertItems(ctx context.Context, q queryer, order domain.Order) error {
	if len(order.Items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO order_items (
		id, order_id, product_id, name, sku, price_minor, qty, subtotal_minor, created_at
	) VALUES `)
	args := make([]any, 0, len(order.Items)*itemColumns)
	for i, item := range order.Items {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for col := range itemColumns {
			if col > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*itemColumns+col+1)
		}
		sb.WriteByte(')')
		args = append(args, item.ID, order.ID, item.ProductID, item.Name, item.SKU,
			item.PriceMinor, item.Qty, item.SubtotalMinor, item.CreatedAt)
	}

	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.one(ctx, selectOrder+` WHERE id = $1`, id)
}

// GetForUpdate держит блокировку строки заказа до конца транзакции.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.one(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id)
}

func (r *orderRepository) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.one(ctx, selectOrder+` WHERE number = $1`, number)
}

func (r *orderRepository) one(ctx context.Context, query, arg string) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	order, err := scanOrder(r.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	orders := []domain.Order{order}
	if err := r.attachItems(ctx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

// ListByCustomer возвращает заказы покупателя от новых к старым; limit <= 0 снимает ограничение.
func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := selectOrder + ` WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{customerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	orders, err := r.scanOrders(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// scanOrders читает и закрывает курсор целиком: в транзакции у соединения
// может быть только один открытый результат.
func (r *orderRepository) scanOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

// attachItems подгружает позиции всех заказов одним запросом.
func (r *orderRepository) attachItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
		orders[i].Items = make([]domain.OrderItem, 0)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT order_id, id, product_id, name, sku, price_minor, qty, subtotal_minor, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.Name, &item.SKU,
			&item.PriceMinor, &item.Qty, &item.SubtotalMinor, &item.CreatedAt); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate order items: %w", err)
	}
	return nil
}

// Save обновляет изменяемые поля при совпадении версии и возвращает новую версию.
// Отсутствующий заказ и устаревшая версия различаются в том же запросе.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) (int64, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var saved, existing sql.NullInt64
	err := r.q.QueryRowContext(ctx, `
		WITH existing AS (
			SELECT version FROM orders WHERE id = $1
		), saved AS (
			UPDATE orders
			SET status = $3, payment_status = $4,
			    subtotal_minor = $5, tax_minor = $6, shipping_minor = $7, total_minor = $8,
			    transaction_id = $9, paid_at = $10, updated_at = $11,
			    version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING version
		)
		SELECT (SELECT version FROM saved), (SELECT version FROM existing)`,
		order.ID, order.Version,
		string(order.Status), string(order.PaymentStatus),
		order.SubtotalMinor, order.TaxMinor, order.ShippingMinor, order.TotalMinor,
		nullString(order.TransactionID), nullTime(order.PaidAt), order.UpdatedAt,
	).Scan(&saved, &existing)
	switch {
	case err != nil:
		return 0, fmt.Errorf("update order: %w", err)
	case saved.Valid:
		return saved.Int64, nil
	case !existing.Valid:
		return 0, domain.ErrOrderNotFound
	default:
		return 0, domain.ErrOrderVersionConflict
	}
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                 domain.Order
		status, paymentStatus string
		transactionID         sql.NullString
		paidAt                sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.Number, &order.CustomerID, &status, &paymentStatus, &order.Currency,
		&order.SubtotalMinor, &order.TaxMinor, &order.ShippingMinor, &order.TotalMinor,
		&transactionID, &paidAt, &order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.TransactionID = transactionID.String
	order.PaidAt = timePtr(paidAt)
	order.CreatedAt, order.UpdatedAt = order.CreatedAt.UTC(), order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
