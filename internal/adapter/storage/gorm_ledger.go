package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/basket-checkout/internal/core/domain"
)

type OrderRecord struct {
	ID           string            `gorm:"primaryKey;type:varchar(36)"`
	CustomerName string            `gorm:"type:varchar(255);not null"`
	AddressLine1 string            `gorm:"type:varchar(255);not null"`
	Postcode     string            `gorm:"type:varchar(16);not null"`
	Total        decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	Status       string            `gorm:"type:varchar(16);not null;index"`
	CreatedAt    time.Time         `gorm:"not null;index"`
	Items        []OrderItemRecord `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

func (OrderRecord) TableName() string {
	return "orders"
}

type OrderItemRecord struct {
	ID        uint            `gorm:"primaryKey"`
	OrderID   string          `gorm:"type:varchar(36);not null;uniqueIndex:idx_order_line"`
	LineNo    int             `gorm:"not null;uniqueIndex:idx_order_line"`
	SKU       string          `gorm:"type:varchar(64);not null"`
	Name      string          `gorm:"type:varchar(255);not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
}

func (OrderItemRecord) TableName() string {
	return "order_items"
}

// OpenGorm opens the ledger database for driver sqlite or postgres.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

// GormLedger is an OrderLedger on any gorm dialect.
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Migrate() error {
	return l.db.AutoMigrate(&OrderRecord{}, &OrderItemRecord{})
}

func (l *GormLedger) Append(ctx context.Context, order domain.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	record := toOrderRecord(order)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&OrderRecord{}).Where("id = ?", record.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrOrderExists
		}
		return tx.Create(&record).Error
	})
	if errors.Is(err, domain.ErrOrderExists) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("append order %s: %w", order.ID, err)
	}
	return order.ID, nil
}

func (l *GormLedger) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var record OrderRecord
	err := l.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("line_no ASC") }).
		First(&record, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return record.toDomain(), nil
}

func toOrderRecord(order domain.Order) OrderRecord {
	record := OrderRecord{
		ID:           order.ID,
		CustomerName: order.Customer.Name,
		AddressLine1: order.Customer.AddressLine1,
		Postcode:     order.Customer.Postcode,
		Total:        order.Total,
		Status:       string(order.Status),
		CreatedAt:    order.CreatedAt,
		Items:        make([]OrderItemRecord, 0, len(order.LineItems)),
	}
	for i, item := range order.LineItems {
		record.Items = append(record.Items, OrderItemRecord{
			OrderID:   order.ID,
			LineNo:    i,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return record
}

func (r OrderRecord) toDomain() domain.Order {
	order := domain.Order{
		ID: r.ID,
		Customer: domain.Customer{
			Name:         r.CustomerName,
			AddressLine1: r.AddressLine1,
			Postcode:     r.Postcode,
		},
		LineItems: make([]domain.LineItem, 0, len(r.Items)),
		Total:     r.Total,
		Status:    domain.OrderStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
	for _, item := range r.Items {
		order.LineItems = append(order.LineItems, domain.LineItem{
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return order
}
