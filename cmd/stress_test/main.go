package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/basket-checkout/internal/adapter/storage"
	"github.com/rl1809/basket-checkout/internal/core/domain"
	"github.com/rl1809/basket-checkout/internal/core/service"
	"github.com/rl1809/basket-checkout/internal/logger"
)

const keyPrefix = "stress"

type product struct {
	name  string
	price string
	stock int
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	sconeStock := flag.Int("scones", 20, "initial scone stock")
	jamStock := flag.Int("jam", 15, "initial jam stock")
	shoppers := flag.Int("shoppers", 50, "concurrent shoppers")
	flag.Parse()

	products := []product{
		{name: "Stress Test Scone", price: "2.50", stock: *sconeStock},
		{name: "Strawberry Jam", price: "3.75", stock: *jamStock},
	}

	logger.Init("release", logger.Options{Filename: "stress.log"})
	defer logger.Sync()

	if err := run(*redisAddr, products, *shoppers); err != nil {
		fmt.Println("FAIL:", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(addr string, products []product, shoppers int) error {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: shoppers})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	adapter := storage.NewRedisAdapter(rdb, storage.WithKeyPrefix(keyPrefix))
	for _, p := range products {
		if err := adapter.Seed(ctx, domain.KeyFromName(p.name), p.stock); err != nil {
			return fmt.Errorf("seed %s: %w", p.name, err)
		}
	}

	ledger := storage.NewMemoryLedger()
	compensator := service.NewCompensator(adapter, shoppers*len(products), 5, 50*time.Millisecond, nil)
	compensator.Start(4)

	opts := service.DefaultCheckoutOptions()
	opts.ReserveAttempts = 10
	sessions := service.NewSessionManager(storage.NewMemoryKV(), adapter, ledger, nil,
		service.WithOptions(opts), service.WithCompensator(compensator))

	// every shopper fills a multi-line cart while stock is still available
	for i := 0; i < shoppers; i++ {
		s, err := sessions.Get(ctx, fmt.Sprintf("shopper-%d", i))
		if err != nil {
			return err
		}
		for _, p := range products {
			if _, err := s.Cart.AddItem(ctx, p.name, decimal.RequireFromString(p.price), 1); err != nil {
				return fmt.Errorf("add %s for %s: %w", p.name, s.ID, err)
			}
		}
	}

	var succeeded, soldOut atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < shoppers; i++ {
		id := fmt.Sprintf("shopper-%d", i)
		g.Go(func() error {
			s, err := sessions.Get(gctx, id)
			if err != nil {
				return err
			}
			_, err = s.Checkout.Submit(gctx, domain.DeliveryDetails{
				Name:         id,
				AddressLine1: "1 Load Lane",
				Postcode:     "EC1A 1BB",
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				return fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	compensator.Close()

	orders := ledger.List()
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Shoppers:         %d\n", shoppers)
	fmt.Printf("Checked out:      %d\n", succeeded.Load())
	fmt.Printf("Sold out:         %d\n", soldOut.Load())
	fmt.Printf("Orders recorded:  %d\n", len(orders))
	fmt.Printf("Duration:         %v\n", elapsed)

	var failures []string
	if len(orders) != int(succeeded.Load()) {
		failures = append(failures, fmt.Sprintf("%d checkouts but %d orders", succeeded.Load(), len(orders)))
	}
	for _, p := range products {
		sku := domain.KeyFromName(p.name)
		final, err := adapter.GetStock(ctx, sku)
		if err != nil {
			return fmt.Errorf("read final stock for %s: %w", sku, err)
		}
		sold := 0
		for _, o := range orders {
			for _, line := range o.LineItems {
				if line.SKU == sku {
					sold += line.Quantity
				}
			}
		}
		fmt.Printf("%-18s seed %d, sold %d, final %d\n", sku+":", p.stock, sold, final)
		if sold > p.stock {
			failures = append(failures, fmt.Sprintf("%s oversold: %d > %d", sku, sold, p.stock))
		}
		if final+sold != p.stock {
			failures = append(failures, fmt.Sprintf("%s: final %d + sold %d != seed %d", sku, final, sold, p.stock))
		}
	}
	fmt.Println("==========================================")

	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	fmt.Println("PASS: no oversell, stock and ledger agree")
	return nil
}
