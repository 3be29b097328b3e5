package service

import (
	"context"
	"errors"
	"testing"

	"signalbot/internal/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   models.Signal
		want models.Signal
	}{
		{
			name: "market by default",
			in:   models.Signal{Symbol: " btc-usd", Side: "buy", Size: 1},
			want: models.Signal{Symbol: "BTC-USD", Side: "BUY", Size: 1, OrderType: "market", TimeInForce: "GTT"},
		},
		{
			name: "limit when price present",
			in:   models.Signal{Symbol: "BTC-USD", Side: "SELL", Size: 1, Price: 100},
			want: models.Signal{Symbol: "BTC-USD", Side: "SELL", Size: 1, Price: 100, OrderType: "limit", TimeInForce: "GTT"},
		},
		{
			name: "explicit values kept",
			in:   models.Signal{Symbol: "BTC-USD", Side: "BUY", Size: 1, Price: 100, OrderType: "market", TimeInForce: "IOC"},
			want: models.Signal{Symbol: "BTC-USD", Side: "BUY", Size: 1, Price: 100, OrderType: "market", TimeInForce: "IOC"},
		},
	}
	for _, tt := range tests {
		in := tt.in
		got := Normalize(&in)
		if *got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.name, *got, tt.want)
		}
		if in != tt.in {
			t.Errorf("%s: input was mutated", tt.name)
		}
	}
}

func TestRiskManager_Evaluate(t *testing.T) {
	limits := RiskLimits{MaxOpenPositions: 2, MaxNotional: 1000}

	tests := []struct {
		name      string
		signal    models.Signal
		user      models.User
		openCount int
		mark      float64
		wantCheck string
	}{
		{"ok market", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 0.01}, models.User{ID: 1}, 0, 50000, ""},
		{"bad symbol", models.Signal{Symbol: "BTCUSD", Side: "buy", Size: 0.01}, models.User{ID: 1}, 0, 50000, "symbol"},
		{"bad side", models.Signal{Symbol: "BTC-USD", Side: "hold", Size: 0.01}, models.User{ID: 1}, 0, 50000, "side"},
		{"zero size", models.Signal{Symbol: "BTC-USD", Side: "buy"}, models.User{ID: 1}, 0, 50000, "size"},
		{"limit without price", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 1, OrderType: "limit"}, models.User{ID: 1}, 0, 50000, "price"},
		{"too many open", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 0.01}, models.User{ID: 1}, 2, 50000, "max_open_positions"},
		{"user limit overrides default", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 0.01}, models.User{ID: 1, MaxOpenPositions: 5}, 2, 50000, ""},
		{"notional by mark", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 1}, models.User{ID: 1}, 0, 50000, "max_notional"},
		{"notional by limit price", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 1, Price: 999}, models.User{ID: 1}, 0, 50000, ""},
		{"user notional", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 1}, models.User{ID: 1, MaxNotional: 60000}, 0, 50000, ""},
		{"inverted tp/sl buy", models.Signal{Symbol: "BTC-USD", Side: "buy", Size: 0.01, TakeProfit: 40000, StopLoss: 45000}, models.User{ID: 1}, 0, 50000, "protective_levels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockPositionRepository()
			for i := 0; i < tt.openCount; i++ {
				repo.Create(context.Background(), &models.Position{UserID: tt.user.ID, Status: models.PositionStatusOpen})
			}
			rm := NewRiskManager(repo, limits)
			client := &MockExchangeClient{markPrice: tt.mark}

			user := tt.user
			sig := tt.signal
			got, err := rm.Evaluate(context.Background(), &user, &sig, client)

			if tt.wantCheck == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.Side != "BUY" {
					t.Errorf("side not normalized: %s", got.Side)
				}
				return
			}

			var rej *RiskRejection
			if !errors.As(err, &rej) {
				t.Fatalf("expected *RiskRejection, got %v", err)
			}
			if rej.Check != tt.wantCheck {
				t.Errorf("Check = %q, want %q", rej.Check, tt.wantCheck)
			}
		})
	}
}

func TestRiskManager_CountErrorIsNotRejection(t *testing.T) {
	repo := NewMockPositionRepository()
	repo.countErr = errors.New("database is down")
	rm := NewRiskManager(repo, RiskLimits{MaxOpenPositions: 1})

	_, err := rm.Evaluate(context.Background(), &models.User{ID: 1}, &models.Signal{Symbol: "BTC-USD", Side: "BUY", Size: 1}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rej *RiskRejection
	if errors.As(err, &rej) {
		t.Error("repository failure should not be reported as a risk rejection")
	}
}
