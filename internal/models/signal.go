package models

// Signal - нормализованная торговая команда из webhook'а
type Signal struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // BUY, SELL
	Size        float64 `json:"size"`
	Price       float64 `json:"price,omitempty"` // 0 - рыночный ордер
	OrderType   string  `json:"order_type"`
	TimeInForce string  `json:"time_in_force,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
}

// IsLimit - сигнал требует лимитного ордера
func (s *Signal) IsLimit() bool {
	return s.OrderType == OrderTypeLimit
}
