package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

// ErrOptimisticLock is returned when a versioned update matched no row.
var ErrOptimisticLock = fmt.Errorf("optimistic lock conflict: %w", domain.ErrConcurrencyConflict)

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		sku        VARCHAR(64) PRIMARY KEY,
		stock      INT NOT NULL,
		version    INT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_reservations (
		token      VARCHAR(128) PRIMARY KEY,
		sku        VARCHAR(64) NOT NULL,
		quantity   INT NOT NULL,
		released   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id            VARCHAR(36) PRIMARY KEY,
		customer_name VARCHAR(255) NOT NULL,
		address_line1 VARCHAR(255) NOT NULL,
		postcode      VARCHAR(16) NOT NULL,
		total         DECIMAL(12,2) NOT NULL,
		status        VARCHAR(16) NOT NULL,
		created_at    DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		order_id   VARCHAR(36) NOT NULL,
		line_no    INT NOT NULL,
		sku        VARCHAR(64) NOT NULL,
		name       VARCHAR(255) NOT NULL,
		quantity   INT NOT NULL,
		unit_price DECIMAL(12,2) NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLAdapter is an inventory oracle using a version column for optimistic
// locking, and an order ledger.
type MySQLAdapter struct {
	db        *sql.DB
	seedStock int
}

func NewMySQLAdapter(db *sql.DB, seedStock int) *MySQLAdapter {
	return &MySQLAdapter{db: db, seedStock: seedStock}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, sku string) (*domain.InventoryRecord, error) {
	return getInventory(ctx, m.db, sku)
}

func getInventory(ctx context.Context, q queryer, sku string) (*domain.InventoryRecord, error) {
	var inv domain.InventoryRecord
	err := q.QueryRowContext(ctx, `
		SELECT sku, stock, version, updated_at
		FROM inventory WHERE sku = ?`, sku,
	).Scan(&inv.SKU, &inv.Stock, &inv.Version, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}

	return &inv, nil
}

func (m *MySQLAdapter) UpdateInventory(ctx context.Context, inv domain.InventoryRecord) error {
	return updateInventory(ctx, m.db, inv)
}

func updateInventory(ctx context.Context, q queryer, inv domain.InventoryRecord) error {
	result, err := q.ExecContext(ctx, `
		UPDATE inventory
		SET stock = ?, version = version + 1, updated_at = NOW()
		WHERE sku = ? AND version = ?`,
		inv.Stock, inv.SKU, inv.Version,
	)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}

	return nil
}

func (m *MySQLAdapter) GetStock(ctx context.Context, sku string) (int, error) {
	inv, err := m.GetInventory(ctx, sku)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return m.seedStock, nil
	}
	return inv.Stock, nil
}

type mysqlReservation struct {
	quantity int
	released bool
}

// lockReservation reads the reservation row for token under a row lock, or
// returns nil when there is none.
func lockReservation(ctx context.Context, tx *sql.Tx, token string) (*mysqlReservation, error) {
	var r mysqlReservation
	err := tx.QueryRowContext(ctx, `
		SELECT quantity, released FROM inventory_reservations
		WHERE token = ? FOR UPDATE`, token,
	).Scan(&r.quantity, &r.released)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &r, nil
}

// Reserve reads the row and writes it back guarded by its version, recording
// token in the same transaction. A row changed in between fails with
// ErrOptimisticLock.
func (m *MySQLAdapter) Reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	if err := validateReservation(sku, qty, token); err != nil {
		return 0, err
	}
	stock, err := m.reserve(ctx, sku, qty, token)
	return stock, lockConflict(err)
}

func (m *MySQLAdapter) reserve(ctx context.Context, sku string, qty int, token string) (int, error) {
	if err := m.provision(ctx, sku); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	inv, err := getInventory(ctx, tx, sku)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, fmt.Errorf("inventory %s vanished after provisioning", sku)
	}
	if res != nil {
		if res.released {
			return 0, domain.ErrReservationReleased
		}
		return inv.Stock, nil
	}
	if inv.Stock < qty {
		return 0, &domain.InsufficientStockError{SKU: sku, Wanted: qty, Available: inv.Stock}
	}

	inv.Stock -= qty
	if err := updateInventory(ctx, tx, *inv); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (token, sku, quantity) VALUES (?, ?, ?)`,
		token, sku, qty,
	); err != nil {
		if isDuplicateEntry(err) {
			return 0, fmt.Errorf("reservation %s written concurrently: %w", token, domain.ErrConcurrencyConflict)
		}
		return 0, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reservation: %w", err)
	}
	return inv.Stock, nil
}

// Release returns the reserved quantity and marks the reservation released in
// one transaction. An unknown token gets a released row and no stock change.
func (m *MySQLAdapter) Release(ctx context.Context, sku string, token string) (int, error) {
	if err := validateReservation(sku, 1, token); err != nil {
		return 0, err
	}
	stock, err := m.release(ctx, sku, token)
	return stock, lockConflict(err)
}

func (m *MySQLAdapter) release(ctx context.Context, sku string, token string) (int, error) {
	if err := m.provision(ctx, sku); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := lockReservation(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	switch {
	case res == nil:
		result, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO inventory_reservations (token, sku, quantity, released)
			VALUES (?, ?, 0, TRUE)`,
			token, sku,
		)
		if err != nil {
			return 0, fmt.Errorf("insert reservation: %w", err)
		}
		// a Reserve for the same token committed in between
		if rows, _ := result.RowsAffected(); rows == 0 {
			return 0, fmt.Errorf("reservation %s written concurrently: %w", token, domain.ErrConcurrencyConflict)
		}
	case !res.released:
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET stock = stock + ?, version = version + 1, updated_at = NOW()
			WHERE sku = ?`,
			res.quantity, sku,
		); err != nil {
			return 0, fmt.Errorf("release inventory: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory_reservations SET released = TRUE, updated_at = NOW()
			WHERE token = ?`, token,
		); err != nil {
			return 0, fmt.Errorf("mark reservation released: %w", err)
		}
	}

	var stock int
	if err := tx.QueryRowContext(ctx, `SELECT stock FROM inventory WHERE sku = ?`, sku).Scan(&stock); err != nil {
		return 0, fmt.Errorf("query inventory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit release: %w", err)
	}
	return stock, nil
}

func (m *MySQLAdapter) Seed(ctx context.Context, sku string, stock int) error {
	if stock < 0 {
		return &domain.ValidationError{Field: "stock", Reason: "must not be negative"}
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (sku, stock, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE stock = VALUES(stock), version = version + 1, updated_at = NOW()`,
		sku, stock,
	)
	if err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) provision(ctx context.Context, sku string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT IGNORE INTO inventory (sku, stock, version) VALUES (?, ?, 0)`,
		sku, m.seedStock,
	)
	if err != nil {
		return fmt.Errorf("provision inventory: %w", err)
	}
	return nil
}

// Append inserts the order and its line items in one transaction.
func (m *MySQLAdapter) Append(ctx context.Context, order domain.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_name, address_line1, postcode, total, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Customer.Name, order.Customer.AddressLine1, order.Customer.Postcode,
		order.Total, order.Status, order.CreatedAt,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return "", domain.ErrOrderExists
		}
		return "", fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.LineItems {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, line_no, sku, name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?)`,
			order.ID, i, item.SKU, item.Name, item.Quantity, item.UnitPrice,
		)
		if err != nil {
			return "", fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit order: %w", err)
	}
	return order.ID, nil
}

func (m *MySQLAdapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, customer_name, address_line1, postcode, total, status, created_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&order.ID, &order.Customer.Name, &order.Customer.AddressLine1, &order.Customer.Postcode,
		&order.Total, &order.Status, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT sku, name, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.SKU, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return domain.Order{}, fmt.Errorf("scan order item: %w", err)
		}
		order.LineItems = append(order.LineItems, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, fmt.Errorf("iterate order items: %w", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// lockConflict reports InnoDB deadlocks and lock wait timeouts as retryable
// conflicts. Both roll the transaction back.
func lockConflict(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && (mysqlErr.Number == mysqlDeadlock || mysqlErr.Number == mysqlLockWaitTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
	}
	return err
}
