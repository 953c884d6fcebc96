//go:build integration

package test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joao-fontenele/checkout-engine/internal/catalog"
	"github.com/joao-fontenele/checkout-engine/internal/checkout"
	"github.com/joao-fontenele/checkout-engine/internal/clock"
	"github.com/joao-fontenele/checkout-engine/internal/domain"
	"github.com/joao-fontenele/checkout-engine/internal/finalize"
	"github.com/joao-fontenele/checkout-engine/internal/messaging"
	"github.com/joao-fontenele/checkout-engine/internal/payload"
	"github.com/joao-fontenele/checkout-engine/internal/storage/postgres"
	"github.com/joao-fontenele/checkout-engine/internal/sweeper"
)

func seedCatalog(t *testing.T, db *sql.DB, class, id, name string, price int64, quantity int) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO catalog_items (item_class, item_id, name, price, currency, quantity) VALUES ($1, $2, $3, $4, 'CLP', $5)`,
		class, id, name, price, quantity,
	)
	if err != nil {
		t.Fatalf("failed to seed catalog item: %v", err)
	}
}

func seedAccount(t *testing.T, db *sql.DB, id, email, name string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO accounts (id, email, name) VALUES ($1, $2, $3)`, id, email, name); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func testCodecKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func submitOrder(t *testing.T, handler *checkout.Handler, body string) (*domain.BuyOrder, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.HandleSubmit(rec, req)

	if rec.Code != http.StatusCreated {
		return nil, rec
	}
	var order domain.BuyOrder
	if err := json.NewDecoder(rec.Body).Decode(&order); err != nil {
		t.Fatalf("failed to decode order: %v", err)
	}
	return &order, rec
}

func TestCheckoutSubmission(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	seedCatalog(t, db, "ticket", "ga", "General Admission", 15000, 10)
	seedCatalog(t, db, "ticket", "vip", "VIP", 45000, 2)
	seedAccount(t, db, "acct-1", "buyer@example.com", "Buyer")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	clk := clock.NewSystem()
	service := checkout.NewService(repo, catalogRepo, clk, logger)
	handler := checkout.NewHandler(service, repo, nil, clk, logger, false)

	order, rec := submitOrder(t, handler, `{"owner_id":"acct-1","gateway":"webpay","lines":[{"item_class":"ticket","item_id":"ga","quantity":2},{"item_class":"ticket","item_id":"vip","quantity":1}]}`)
	if order == nil {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if order.State != domain.StatePending {
		t.Fatalf("expected pending, got %s", order.State)
	}
	if order.Amount != 2*15000+45000 {
		t.Fatalf("unexpected amount: %d", order.Amount)
	}
	if len(order.Code) != checkout.DefaultCodeLength {
		t.Fatalf("unexpected code: %s", order.Code)
	}

	stored, err := repo.GetBuyOrder(ctx, order.Code)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if stored == nil || stored.State != domain.StatePending {
		t.Fatalf("order not persisted as pending: %+v", stored)
	}

	items, err := repo.ListLineItems(ctx, order.Code)
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(items))
	}

	reserved, err := repo.PendingReservedQuantity(ctx, "ticket", "ga")
	if err != nil {
		t.Fatalf("failed to count reservations: %v", err)
	}
	if reserved != 2 {
		t.Fatalf("expected 2 reserved, got %d", reserved)
	}
}

func TestCheckoutRejectsOverReservation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	seedCatalog(t, db, "ticket", "vip", "VIP", 45000, 2)
	seedAccount(t, db, "acct-1", "buyer@example.com", "Buyer")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	clk := clock.NewSystem()
	service := checkout.NewService(repo, catalogRepo, clk, logger)
	handler := checkout.NewHandler(service, repo, nil, clk, logger, false)

	first, rec := submitOrder(t, handler, `{"owner_id":"acct-1","lines":[{"item_class":"ticket","item_id":"vip","quantity":2}]}`)
	if first == nil {
		t.Fatalf("expected the first checkout accepted, got %d: %s", rec.Code, rec.Body.String())
	}

	second, rec := submitOrder(t, handler, `{"owner_id":"acct-1","lines":[{"item_class":"ticket","item_id":"vip","quantity":1}]}`)
	if second != nil {
		t.Fatalf("expected the second checkout rejected, got order %s", second.Code)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "VIP") {
		t.Fatalf("expected the item name in the rejection, got: %s", rec.Body.String())
	}
}

func TestConfirmAndFinalizeFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	seedCatalog(t, db, "ticket", "ga", "General Admission", 15000, 10)
	seedAccount(t, db, "acct-1", "buyer@example.com", "Buyer")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	accounts := postgres.NewAccountRepository(db)
	clk := clock.NewSystem()

	codec, err := payload.NewCodec(testCodecKey())
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	var sealed []byte
	dispatcher := dispatchFunc(func(ctx context.Context, code string) error {
		var err error
		sealed, err = codec.Seal(payload.Finalization{BuyOrder: code})
		return err
	})

	service := checkout.NewService(repo, catalogRepo, clk, logger)
	handler := checkout.NewHandler(service, repo, dispatcher, clk, logger, false)

	order, rec := submitOrder(t, handler, `{"owner_id":"acct-1","gateway":"webpay","lines":[{"item_class":"ticket","item_id":"ga","quantity":3}]}`)
	if order == nil {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	confirmBody := `{"trx_id":"wp-777","type":"VD","card_last_digits":"4321","amount":45000,"currency":"CLP"}`
	confirmReq := httptest.NewRequest(http.MethodPost, "/checkout/"+order.Code+"/confirm", strings.NewReader(confirmBody))
	confirmReq.SetPathValue("code", order.Code)
	confirmRec := httptest.NewRecorder()
	handler.HandleConfirm(confirmRec, confirmReq)

	if confirmRec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", confirmRec.Code, confirmRec.Body.String())
	}
	if sealed == nil {
		t.Fatal("expected a finalization payload dispatched")
	}

	var listened *domain.OrderSnapshot
	listener := func(ctx context.Context, ownerID string, snapshot *domain.OrderSnapshot) error {
		listened = snapshot
		return nil
	}

	hooks := domain.HookRegistry{"ticket": catalog.NewStockConsumer("ticket", catalogRepo, logger)}
	alerter := finalize.NewLogAlerter(logger)
	pipeline := finalize.NewPipeline(repo, accounts, hooks, listener, codec, alerter, logger)

	if err := pipeline.Handle(ctx, sealed); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	final, err := repo.GetBuyOrder(ctx, order.Code)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if final.State != domain.StateSuccess {
		t.Fatalf("expected success, got %s", final.State)
	}

	items, err := repo.ListLineItems(ctx, order.Code)
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	for _, item := range items {
		if !item.Consumed {
			t.Fatalf("expected consumed items, got %+v", item)
		}
	}

	item, err := catalogRepo.Resolve(ctx, "ticket", "ga")
	if err != nil {
		t.Fatalf("failed to resolve catalog item: %v", err)
	}
	if item.Quantity != 7 {
		t.Fatalf("expected stock 7 after consumption, got %d", item.Quantity)
	}

	if listened == nil {
		t.Fatal("expected the completion listener to run")
	}
	if listened.Transaction == nil || listened.Transaction.ExternalID != "wp-777" {
		t.Fatalf("expected the transaction attached, got %+v", listened.Transaction)
	}

	// A replayed payload must not finalize twice.
	if err := pipeline.Handle(ctx, sealed); err != nil {
		t.Fatalf("pipeline replay errored: %v", err)
	}
	replayed, err := repo.GetBuyOrder(ctx, order.Code)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if replayed.State != domain.StateSuccess {
		t.Fatalf("expected success after replay, got %s", replayed.State)
	}
	item, err = catalogRepo.Resolve(ctx, "ticket", "ga")
	if err != nil {
		t.Fatalf("failed to resolve catalog item: %v", err)
	}
	if item.Quantity != 7 {
		t.Fatalf("expected stock unchanged after replay, got %d", item.Quantity)
	}
}

type dispatchFunc func(ctx context.Context, code string) error

func (f dispatchFunc) Dispatch(ctx context.Context, code string) error { return f(ctx, code) }

func TestConcurrentSubmissionsLeaveNoPartialRows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	seedCatalog(t, db, "ticket", "ga", "General Admission", 15000, 100)
	seedCatalog(t, db, "ticket", "vip", "VIP", 45000, 100)
	seedAccount(t, db, "acct-1", "buyer@example.com", "Buyer")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := postgres.NewBuyOrderRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)
	service := checkout.NewService(repo, catalogRepo, clock.NewSystem(), logger)

	const workers = 8
	var wg sync.WaitGroup
	accepted := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := service.Submit(ctx, checkout.SubmitInput{
				OwnerID: "acct-1",
				Lines: []checkout.CartLine{
					{ItemClass: "ticket", ItemID: "ga", Quantity: 2},
					{ItemClass: "ticket", ItemID: "vip", Quantity: 1},
				},
			})
			if err == nil {
				accepted <- order.Code
			}
		}()
	}
	wg.Wait()
	close(accepted)

	// Every accepted submission must have its complete ledger: the
	// header plus both line rows, never a fragment of either.
	acceptedCount := 0
	for code := range accepted {
		acceptedCount++
		order, err := repo.GetBuyOrder(ctx, code)
		if err != nil || order == nil {
			t.Fatalf("accepted order %s missing its header (err %v)", code, err)
		}
		items, err := repo.ListLineItems(ctx, code)
		if err != nil {
			t.Fatalf("failed to list items for %s: %v", code, err)
		}
		if len(items) != 2 {
			t.Fatalf("order %s has %d line rows, want 2", code, len(items))
		}
	}
	if acceptedCount == 0 {
		t.Fatal("expected at least one submission accepted")
	}

	var headers, lines int
	if err := db.QueryRow(`SELECT COUNT(*) FROM buy_orders`).Scan(&headers); err != nil {
		t.Fatalf("failed to count headers: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM buy_order_items`).Scan(&lines); err != nil {
		t.Fatalf("failed to count line rows: %v", err)
	}
	if headers != acceptedCount {
		t.Fatalf("expected %d headers, got %d", acceptedCount, headers)
	}
	if lines != 2*acceptedCount {
		t.Fatalf("expected %d line rows, got %d", 2*acceptedCount, lines)
	}
}

func TestStateGuard(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := postgres.NewBuyOrderRepository(db)

	order := domain.BuyOrder{
		Code:      "GUARD0TEST000001",
		OwnerID:   "acct-1",
		Currency:  "CLP",
		State:     domain.StatePending,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateBuyOrder(ctx, order); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	if err := repo.UpdateState(ctx, order.Code, domain.StateSuccess); err != nil {
		t.Fatalf("pending -> success should pass: %v", err)
	}
	if err := repo.UpdateState(ctx, order.Code, domain.StateFailed); err == nil {
		t.Fatal("success -> failed should be rejected")
	}
	if err := repo.UpdateState(ctx, order.Code, domain.StateOverturn); err != nil {
		t.Fatalf("success -> overturn should pass: %v", err)
	}
	if err := repo.UpdateState(ctx, order.Code, domain.StateSuccess); err == nil {
		t.Fatal("overturn is terminal")
	}
}

func TestSweeperReleasesReservations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := postgres.NewBuyOrderRepository(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stale := domain.BuyOrder{
		Code:      "STALE0ORDER00001",
		OwnerID:   "acct-1",
		Currency:  "CLP",
		State:     domain.StatePending,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	fresh := domain.BuyOrder{
		Code:      "FRESH0ORDER00001",
		OwnerID:   "acct-1",
		Currency:  "CLP",
		State:     domain.StatePending,
		CreatedAt: time.Now(),
	}
	finished := domain.BuyOrder{
		Code:      "D0NE00ORDER00001",
		OwnerID:   "acct-1",
		Currency:  "CLP",
		State:     domain.StateSuccess,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	for _, order := range []domain.BuyOrder{stale, fresh, finished} {
		if err := repo.CreateBuyOrder(ctx, order); err != nil {
			t.Fatalf("failed to create order: %v", err)
		}
		if err := repo.CreateLineItem(ctx, domain.LineItem{
			BuyOrderCode: order.Code,
			ItemClass:    "ticket",
			ItemID:       "ga",
			Quantity:     2,
		}); err != nil {
			t.Fatalf("failed to create line item: %v", err)
		}
	}

	reserved, err := repo.PendingReservedQuantity(ctx, "ticket", "ga")
	if err != nil {
		t.Fatalf("failed to count reservations: %v", err)
	}
	if reserved != 4 {
		t.Fatalf("expected 4 reserved before the sweep, got %d", reserved)
	}

	sw := sweeper.NewSweeper(repo, clock.NewSystem(), logger)
	deleted := sw.Sweep(ctx, time.Hour)
	if deleted != 1 {
		t.Fatalf("expected 1 order swept, got %d", deleted)
	}

	if gone, err := repo.GetBuyOrder(ctx, stale.Code); err != nil || gone != nil {
		t.Fatalf("expected the stale order deleted, got %+v (err %v)", gone, err)
	}
	if kept, err := repo.GetBuyOrder(ctx, fresh.Code); err != nil || kept == nil {
		t.Fatalf("expected the fresh order kept (err %v)", err)
	}
	// Age never deletes a finished order, only pending ones expire.
	if kept, err := repo.GetBuyOrder(ctx, finished.Code); err != nil || kept == nil {
		t.Fatalf("expected the successful order kept (err %v)", err)
	}

	// Cascade removed the stale line items, which releases the hold.
	reserved, err = repo.PendingReservedQuantity(ctx, "ticket", "ga")
	if err != nil {
		t.Fatalf("failed to count reservations: %v", err)
	}
	if reserved != 2 {
		t.Fatalf("expected 2 reserved after the sweep, got %d", reserved)
	}
}

func TestFinalizePayloadOverKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	codec, err := payload.NewCodec(testCodecKey())
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	producer := messaging.NewProducer(brokers, messaging.TopicFinalize)
	defer func() { _ = producer.Close() }()

	dispatcher := checkout.NewKafkaDispatcher(codec, producer)
	if err := dispatcher.Dispatch(ctx, "KAFKA0ORDER00001"); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, messaging.TopicFinalize, "integration-test", messaging.WithStartOffset(-2))
	defer func() { _ = consumer.Close() }()

	received := make(chan payload.Finalization, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()

	go func() {
		_ = consumer.Consume(consumeCtx, func(ctx context.Context, sealed []byte) error {
			msg, err := codec.Open(sealed)
			if err != nil {
				t.Errorf("failed to open payload: %v", err)
				return err
			}
			received <- msg
			return nil
		})
	}()

	select {
	case msg := <-received:
		if msg.BuyOrder != "KAFKA0ORDER00001" {
			t.Fatalf("unexpected buy order: %s", msg.BuyOrder)
		}
	case <-time.After(90 * time.Second):
		t.Fatal("timed out waiting for the finalization payload")
	}
}
