package bot

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/repository"
	"signalbot/internal/service"
)

type closureFixture struct {
	repo    *mockPositionRepo
	users   *mockUserRepo
	client  *mockClient
	factory *mockFactory
	notes   *mockNotifications
	hub     *mockHub
	alerts  *mockAlerts
	orch    *PositionClosureOrchestrator
}

func newClosureFixture(positions ...*models.Position) *closureFixture {
	f := &closureFixture{
		repo:   newMockPositionRepo(positions...),
		users:  newMockUserRepo(testUser(1), testUser(2)),
		client: newMockClient(),
		notes:  &mockNotifications{},
		hub:    &mockHub{},
		alerts: &mockAlerts{},
	}
	f.factory = &mockFactory{client: f.client}
	f.orch = NewPositionClosureOrchestrator(ClosureDeps{
		Positions:     f.repo,
		Users:         f.users,
		Credentials:   service.NewCredentialManager(mockVault{}, zap.NewNop()),
		Factory:       f.factory,
		Notifications: f.notes,
		Hub:           f.hub,
		Alerts:        f.alerts,
		Batch:         testBatchConfig(),
		Logger:        zap.NewNop(),
	})
	return f
}

func TestClose_TakeProfit(t *testing.T) {
	pos := openPosition(1, 1, models.SideBuy, 50000, 0.01, time.Now().Add(-time.Hour))
	f := newClosureFixture(pos)

	orders := &PositionOrders{
		Position: pos,
		Entry:    snap("entry-1", models.OrderStatusFilled, 50000, 0.01, 0),
		TP:       snap("tp-1", models.OrderStatusFilled, 55000, 0.01, 0),
		SL:       snap("sl-1", models.OrderStatusPending, 45000, 0, 0.01),
	}
	req := ClosureRequest{Reason: models.CloseReasonTakeProfit, ClosePrice: 55000, CloseSize: 0.01, Orders: orders}

	res, err := f.orch.Close(context.Background(), f.client, pos, req)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if res.RealizedPNL != 50 {
		t.Errorf("RealizedPNL = %v, want 50", res.RealizedPNL)
	}
	if res.Status != models.PositionStatusClosed {
		t.Errorf("Status = %s", res.Status)
	}
	if len(f.client.market) != 0 {
		t.Errorf("take profit must not flatten, got market orders %v", f.client.market)
	}
	if got := f.client.cancelledIDs(); !reflect.DeepEqual(got, []string{"sl-1"}) {
		t.Errorf("cancelled = %v, want [sl-1]", got)
	}

	want := []CancelOutcome{
		{OrderID: "entry-1", Role: "entry", Skipped: true},
		{OrderID: "sl-1", Role: "stop_loss", Cancelled: true},
	}
	if !reflect.DeepEqual(res.Cancellations, want) {
		t.Errorf("cancellations = %+v", res.Cancellations)
	}

	rec, ok := f.repo.record(1)
	if !ok {
		t.Fatal("closure not persisted")
	}
	if rec.Reason != models.CloseReasonTakeProfit || rec.ClosePrice != 55000 || rec.RealizedPNL != 50 {
		t.Errorf("record = %+v", rec)
	}
	if !reflect.DeepEqual(rec.CancelledOrders, []string{"sl-1"}) {
		t.Errorf("record cancelled orders = %v", rec.CancelledOrders)
	}

	if pos.Status != models.PositionStatusClosed || pos.RealizedPNL == nil || *pos.RealizedPNL != 50 {
		t.Errorf("position not updated: %+v", pos)
	}
	if types := f.notes.types(); !reflect.DeepEqual(types, []string{models.NotificationTypeTP}) {
		t.Errorf("notifications = %v", types)
	}
	if len(f.hub.positions) != 1 {
		t.Errorf("expected one position broadcast, got %d", len(f.hub.positions))
	}
}

func TestClose_EntryFailed(t *testing.T) {
	pos := openPosition(2, 1, models.SideBuy, 50000, 0.01, time.Now())
	f := newClosureFixture(pos)

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{Reason: models.CloseReasonEntryFailed})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.Status != models.PositionStatusCancelled || res.RealizedPNL != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := f.client.cancelledIDs(); !reflect.DeepEqual(got, []string{"tp-2", "sl-2"}) {
		t.Errorf("cancelled = %v, entry order must not be cancelled", got)
	}
	if rec, _ := f.repo.record(2); rec.Status != models.PositionStatusCancelled {
		t.Errorf("record status = %s", rec.Status)
	}
	if types := f.notes.types(); !reflect.DeepEqual(types, []string{models.NotificationTypeEntryFailed}) {
		t.Errorf("notifications = %v", types)
	}
}

func TestClose_TimeLimitFlattens(t *testing.T) {
	pos := openPosition(3, 1, models.SideBuy, 50000, 0.01, time.Now().Add(-25*time.Hour))
	f := newClosureFixture(pos)
	f.client.fillPrice = 49000
	f.client.setOrder("entry-3", models.OrderStatusFilled, 50000, 0.01, 0)

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonTimeLimit, ClosePrice: 49500, CloseSize: 0.01,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reflect.DeepEqual(f.client.market, []string{"SELL:0.01"}) {
		t.Errorf("flatten orders = %v", f.client.market)
	}
	if res.FlattenOrderID == "" {
		t.Error("flatten order id missing")
	}
	if res.ClosePrice != 49000 {
		t.Errorf("close price should come from the fill, got %v", res.ClosePrice)
	}
	if res.RealizedPNL != -10 {
		t.Errorf("RealizedPNL = %v, want -10", res.RealizedPNL)
	}
	if got := f.client.cancelledIDs(); !reflect.DeepEqual(got, []string{"tp-3", "sl-3"}) {
		t.Errorf("cancelled = %v, filled entry must be skipped", got)
	}
}

func TestClose_TimeLimitWithoutMarkPrice(t *testing.T) {
	pos := openPosition(30, 1, models.SideBuy, 50000, 0.01, time.Now().Add(-25*time.Hour))
	f := newClosureFixture(pos)
	f.client.fillPrice = 49500

	d := NewPositionStateManager(DefaultPolicy()).Evaluate(pos,
		snap("entry-30", models.OrderStatusFilled, 50000, 0.01, 0), nil, nil, 0, time.Now())
	if d.Reason != models.CloseReasonTimeLimit || d.ClosePrice != 0 {
		t.Fatalf("decision = %+v", d)
	}

	orders := &PositionOrders{Position: pos, Entry: snap("entry-30", models.OrderStatusFilled, 50000, 0.01, 0)}
	res, err := f.orch.Close(context.Background(), f.client, pos, RequestFromDecision(d, orders, nil))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.ClosePrice != 49500 || res.RealizedPNL != -5 {
		t.Errorf("price and PNL must come from the fill: %+v", res)
	}
	if rec, ok := f.repo.record(30); !ok || rec.Status != models.PositionStatusClosed {
		t.Errorf("record = %+v, persisted %v", rec, ok)
	}
}

func TestClose_FlattenFillPriceUnknown(t *testing.T) {
	pos := openPosition(31, 1, models.SideSell, 200, 1, time.Now().Add(-25*time.Hour))
	f := newClosureFixture(pos)
	f.client.setOrder("entry-31", models.OrderStatusFilled, 200, 1, 0)

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonTimeLimit, CloseSize: 1,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.ClosePrice != 200 || res.RealizedPNL != 0 {
		t.Errorf("unknown fill price must fall back to entry: %+v", res)
	}
	if !reflect.DeepEqual(f.client.market, []string{"BUY:1"}) {
		t.Errorf("flatten orders = %v", f.client.market)
	}
}

func TestClose_UnfilledEntryIsCancelledNotFlattened(t *testing.T) {
	pos := openPosition(32, 1, models.SideBuy, 100, 0.01, time.Now())
	pos.OrderType = models.OrderTypeLimit
	f := newClosureFixture(pos)
	f.client.setOrder("entry-32", models.OrderStatusOpen, 100, 0, 0.01)

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonManual, ClosePrice: 101, CloseSize: 0.01,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(f.client.market) != 0 {
		t.Fatalf("unfilled entry must not be flattened, got %v", f.client.market)
	}
	if got := f.client.cancelledIDs(); !reflect.DeepEqual(got, []string{"entry-32", "tp-32", "sl-32"}) {
		t.Errorf("cancelled = %v", got)
	}
	if res.Status != models.PositionStatusCancelled || res.RealizedPNL != 0 || res.FlattenOrderID != "" {
		t.Errorf("result = %+v", res)
	}
	rec, ok := f.repo.record(32)
	if !ok || rec.Status != models.PositionStatusCancelled || rec.CloseSize != 0 || rec.RealizedPNL != 0 {
		t.Errorf("record = %+v, persisted %v", rec, ok)
	}
	if pos.Status != models.PositionStatusCancelled {
		t.Errorf("position status = %s", pos.Status)
	}
}

func TestClose_PartiallyFilledEntryFlattensFilledSize(t *testing.T) {
	pos := openPosition(33, 1, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(pos)
	f.client.fillPrice = 110
	f.client.setOrder("entry-33", models.OrderStatusPartiallyFilled, 100, 0.4, 0.6)

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonManual, CloseSize: 1,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reflect.DeepEqual(f.client.market, []string{"SELL:0.4"}) {
		t.Errorf("flatten orders = %v, want only the filled part", f.client.market)
	}
	if res.CloseSize != 0.4 || res.RealizedPNL != 4 {
		t.Errorf("result = %+v", res)
	}
	if got := f.client.cancelledIDs(); len(got) == 0 || got[0] != "entry-33" {
		t.Errorf("remaining entry must be cancelled, got %v", got)
	}
}

func TestClose_EntryStateUnknownKeepsPositionOpen(t *testing.T) {
	pos := openPosition(34, 1, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(pos)
	f.client.statusErr["entry-34"] = errors.New("exchange timeout")

	_, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonEmergency, ClosePrice: 70, CloseSize: 1,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.client.market)+len(f.client.cancelledIDs()) != 0 {
		t.Error("exchange must not be touched when the entry state is unknown")
	}
	if _, ok := f.repo.record(34); ok || !pos.IsOpen() {
		t.Error("position must stay open")
	}
}

func TestClose_FlattenFailureKeepsPositionOpen(t *testing.T) {
	pos := openPosition(4, 1, models.SideSell, 50000, 0.01, time.Now())
	f := newClosureFixture(pos)
	f.client.setOrder("entry-4", models.OrderStatusFilled, 50000, 0.01, 0)
	f.client.marketErr = errors.New("exchange unavailable")

	_, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonEmergency, ClosePrice: 62000, CloseSize: 0.01,
	})
	if err == nil {
		t.Fatal("expected flatten error")
	}
	if _, ok := f.repo.record(4); ok {
		t.Error("position must not be persisted after failed flatten")
	}
	if len(f.client.cancelledIDs()) != 0 {
		t.Error("orders must not be cancelled after failed flatten")
	}
	if !pos.IsOpen() {
		t.Error("position should stay open")
	}
}

func TestClose_PersistFailureRaisesReconciliation(t *testing.T) {
	pos := openPosition(5, 1, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(pos)
	f.repo.closeErr = errors.New("database is down")

	_, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonStopLoss, ClosePrice: 90, CloseSize: 1,
	})
	if !errors.Is(err, ErrClosurePersistFailed) {
		t.Fatalf("expected ErrClosurePersistFailed, got %v", err)
	}
	if types := f.notes.types(); !reflect.DeepEqual(types, []string{models.NotificationTypeReconciliation}) {
		t.Errorf("notifications = %v", types)
	}
	if !reflect.DeepEqual(f.alerts.names, []string{"reconciliation"}) {
		t.Errorf("alerts = %v", f.alerts.names)
	}
	if !pos.IsOpen() {
		t.Error("position must not be marked closed in memory")
	}
}

func TestClose_CancelFailureDoesNotBlock(t *testing.T) {
	pos := openPosition(6, 1, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(pos)
	f.client.cancelErr["sl-6"] = errors.New("exchange timeout")
	f.client.cancelErr["entry-6"] = exchange.ErrOrderNotFound

	res, err := f.orch.Close(context.Background(), f.client, pos, ClosureRequest{
		Reason: models.CloseReasonTakeProfit, ClosePrice: 110, CloseSize: 1,
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	byID := map[string]CancelOutcome{}
	for _, c := range res.Cancellations {
		byID[c.OrderID] = c
	}
	if !byID["entry-6"].Skipped {
		t.Errorf("not-found order should be skipped: %+v", byID["entry-6"])
	}
	if byID["sl-6"].Error == "" || byID["sl-6"].Cancelled {
		t.Errorf("failed cancel should carry error: %+v", byID["sl-6"])
	}
	if rec, _ := f.repo.record(6); len(rec.CancelledOrders) != 0 {
		t.Errorf("no order was cancelled, got %v", rec.CancelledOrders)
	}
}

func TestClose_Validation(t *testing.T) {
	closed := openPosition(7, 1, models.SideBuy, 100, 1, time.Now())
	closed.Status = models.PositionStatusClosed

	tests := []struct {
		name    string
		pos     *models.Position
		req     ClosureRequest
		wantErr error
	}{
		{"not open", closed, ClosureRequest{Reason: models.CloseReasonTakeProfit, ClosePrice: 1, CloseSize: 1}, repository.ErrPositionNotOpen},
		{"zero price", openPosition(8, 1, models.SideBuy, 100, 1, time.Now()), ClosureRequest{Reason: models.CloseReasonStopLoss, CloseSize: 1}, ErrInvalidClosure},
		{"zero size", openPosition(9, 1, models.SideBuy, 100, 1, time.Now()), ClosureRequest{Reason: models.CloseReasonStopLoss, ClosePrice: 90}, ErrInvalidClosure},
		{"unknown reason", openPosition(10, 1, models.SideBuy, 100, 1, time.Now()), ClosureRequest{Reason: "bored", ClosePrice: 90, CloseSize: 1}, ErrInvalidClosure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newClosureFixture(tt.pos)
			_, err := f.orch.Close(context.Background(), f.client, tt.pos, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if len(f.client.market)+len(f.client.cancelledIDs()) != 0 {
				t.Error("exchange touched before validation passed")
			}
		})
	}
}

func TestPreview_PNL(t *testing.T) {
	f := newClosureFixture()

	tests := []struct {
		name   string
		side   string
		entry  float64
		close  float64
		size   float64
		reason string
		want   float64
	}{
		{"long profit", models.SideBuy, 100, 110, 2, models.CloseReasonTakeProfit, 20},
		{"long loss", models.SideBuy, 100, 95, 2, models.CloseReasonStopLoss, -10},
		{"short profit", models.SideSell, 100, 90, 2, models.CloseReasonTakeProfit, 20},
		{"short loss", models.SideSell, 100, 130, 0.5, models.CloseReasonEmergency, -15},
		{"decimal precision", models.SideBuy, 0.1, 0.3, 3, models.CloseReasonManual, 0.6},
		{"entry failed is zero", models.SideBuy, 100, 0, 0, models.CloseReasonEntryFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := openPosition(1, 1, tt.side, tt.entry, tt.size, time.Now())
			res, err := f.orch.Preview(pos, ClosureRequest{Reason: tt.reason, ClosePrice: tt.close, CloseSize: tt.size})
			if err != nil {
				t.Fatalf("Preview: %v", err)
			}
			if res.RealizedPNL != tt.want {
				t.Errorf("PNL = %v, want %v", res.RealizedPNL, tt.want)
			}
			if !res.Preview {
				t.Error("preview flag not set")
			}
		})
	}

	if len(f.client.market)+len(f.client.cancelledIDs()) != 0 {
		t.Error("preview must not touch the exchange")
	}
}

func TestCloseMany_OrderAndPartialFailure(t *testing.T) {
	p1 := openPosition(11, 1, models.SideBuy, 100, 1, time.Now())
	p2 := openPosition(12, 1, models.SideBuy, 100, 1, time.Now())
	p3 := openPosition(13, 1, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(p1, p2, p3)

	jobs := []ClosureJob{
		{Position: p1, Request: ClosureRequest{Reason: models.CloseReasonTakeProfit, ClosePrice: 110, CloseSize: 1}},
		{Position: p2, Request: ClosureRequest{Reason: models.CloseReasonStopLoss}},
		{Position: p3, Request: ClosureRequest{Reason: models.CloseReasonStopLoss, ClosePrice: 90, CloseSize: 1}},
	}

	results := f.orch.CloseMany(context.Background(), f.client, jobs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	wantIDs := []string{"11", "12", "13"}
	wantOK := []bool{true, false, true}
	for i, r := range results {
		if r.ItemID != wantIDs[i] || r.Success != wantOK[i] {
			t.Errorf("result %d = {%s %v}, want {%s %v}", i, r.ItemID, r.Success, wantIDs[i], wantOK[i])
		}
	}
	if !errors.Is(results[1].Err, ErrInvalidClosure) || results[1].Attempts != 1 {
		t.Errorf("invalid job: err=%v attempts=%d", results[1].Err, results[1].Attempts)
	}
}

func TestCloseByID_Manual(t *testing.T) {
	pos := openPosition(20, 2, models.SideBuy, 100, 1, time.Now())
	f := newClosureFixture(pos)
	f.client.fillPrice = 105
	f.client.setOrder("entry-20", models.OrderStatusFilled, 100, 1, 0)

	res, err := f.orch.CloseByID(context.Background(), 20, ClosureRequest{ClosePrice: 104})
	if err != nil {
		t.Fatalf("CloseByID: %v", err)
	}
	if res.Reason != models.CloseReasonManual || res.CloseSize != 1 {
		t.Errorf("defaults not applied: %+v", res)
	}
	if res.RealizedPNL != 5 {
		t.Errorf("PNL = %v, want 5 from the flatten fill", res.RealizedPNL)
	}
	if !reflect.DeepEqual(f.factory.keys, []string{"key2:secret"}) {
		t.Errorf("client created with keys %v", f.factory.keys)
	}
	if len(f.notes.creds) != 1 || f.notes.creds[0] == nil {
		t.Fatal("manual close notification must carry user credentials")
	}
	if f.notes.creds[0].ExchangeKey != nil {
		t.Error("credentials must be wiped after CloseByID")
	}
	if !f.client.closed {
		t.Error("exchange client not closed")
	}
}

func TestCloseByID_UnfilledLimitEntry(t *testing.T) {
	pos := openPosition(22, 1, models.SideBuy, 100, 0.01, time.Now())
	pos.OrderType = models.OrderTypeLimit
	f := newClosureFixture(pos)
	f.client.setOrder("entry-22", models.OrderStatusOpen, 100, 0, 0.01)

	res, err := f.orch.CloseByID(context.Background(), 22, ClosureRequest{ClosePrice: 101})
	if err != nil {
		t.Fatalf("CloseByID: %v", err)
	}
	if len(f.client.market) != 0 {
		t.Errorf("no market order may be sent for an unfilled entry, got %v", f.client.market)
	}
	if res.Status != models.PositionStatusCancelled || res.RealizedPNL != 0 {
		t.Errorf("result = %+v", res)
	}
	if f.client.statusCalls["entry-22"] != 1 {
		t.Errorf("entry state fetched %d times", f.client.statusCalls["entry-22"])
	}
}

func TestCloseByID_NotFound(t *testing.T) {
	f := newClosureFixture()
	if _, err := f.orch.CloseByID(context.Background(), 99, ClosureRequest{ClosePrice: 1}); !errors.Is(err, repository.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	if len(f.factory.keys) != 0 {
		t.Error("client created for missing position")
	}
}

func TestPreviewByID_Defaults(t *testing.T) {
	pos := openPosition(21, 1, models.SideSell, 200, 0.5, time.Now())
	f := newClosureFixture(pos)

	res, err := f.orch.PreviewByID(context.Background(), 21, ClosureRequest{ClosePrice: 180})
	if err != nil {
		t.Fatalf("PreviewByID: %v", err)
	}
	if res.Reason != models.CloseReasonManual || res.CloseSize != 0.5 || res.RealizedPNL != 10 {
		t.Errorf("preview = %+v", res)
	}
}
