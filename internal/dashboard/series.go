// Package dashboard turns an order sequence into chart-ready series and
// summary figures, and provides the formatting helpers shared by the CLI and
// the terminal console.
package dashboard

import (
	"math"
	"time"

	"stocksim/internal/domain"
)

// MaxPoints bounds the number of buckets in a Series. Wider ranges get a
// proportionally larger bucket.
const MaxPoints = 5000

// Series is a price/volume time series bucketed at a fixed width. Buy and
// Sell hold the last buy/sell price seen so far (nil before the first one).
type Series struct {
	Bucket   time.Duration `json:"bucket"`
	XAxis    []string      `json:"xAxis"`
	Price    []float64     `json:"price"`
	Buy      []*float64    `json:"buy"`
	Sell     []*float64    `json:"sell"`
	Quantity []float64     `json:"quantity"`
}

// BuildSeries buckets events by creation time. Price is the last price in
// each bucket, carried forward through empty buckets; Quantity is the summed
// volume.
func BuildSeries(events []domain.OrderEvent, bucket time.Duration) Series {
	if bucket <= 0 {
		bucket = time.Second
	}
	if len(events) == 0 {
		return Series{Bucket: bucket, XAxis: []string{}, Price: []float64{}, Buy: []*float64{}, Sell: []*float64{}, Quantity: []float64{}}
	}

	first, last := events[0].CreatedTime, events[0].CreatedTime
	for _, ev := range events[1:] {
		if ev.CreatedTime.Before(first) {
			first = ev.CreatedTime
		}
		if ev.CreatedTime.After(last) {
			last = ev.CreatedTime
		}
	}
	origin := first.Truncate(bucket)
	n := int(last.Sub(origin)/bucket) + 1
	if n > MaxPoints {
		scale := (n + MaxPoints - 1) / MaxPoints
		bucket *= time.Duration(scale)
		origin = first.Truncate(bucket)
		n = int(last.Sub(origin)/bucket) + 1
	}

	type cell struct {
		price, buy, sell float64
		hasPrice         bool
		hasBuy, hasSell  bool
		qty              float64
	}
	cells := make([]cell, n)
	for _, ev := range events {
		i := int(ev.CreatedTime.Sub(origin) / bucket)
		c := &cells[i]
		c.price, c.hasPrice = ev.Price, true
		c.qty += ev.Volume
		switch ev.Side {
		case domain.OrderSideBuy:
			c.buy, c.hasBuy = ev.Price, true
		case domain.OrderSideSell:
			c.sell, c.hasSell = ev.Price, true
		}
	}

	layout := "15:04:05"
	if bucket < time.Second {
		layout = "15:04:05.000"
	} else if bucket >= 24*time.Hour {
		layout = "2006-01-02"
	}

	s := Series{
		Bucket:   bucket,
		XAxis:    make([]string, n),
		Price:    make([]float64, n),
		Buy:      make([]*float64, n),
		Sell:     make([]*float64, n),
		Quantity: make([]float64, n),
	}
	var price float64
	var buy, sell *float64
	for i, c := range cells {
		s.XAxis[i] = origin.Add(time.Duration(i) * bucket).Format(layout)
		if c.hasPrice {
			price = c.price
		}
		if c.hasBuy {
			v := c.buy
			buy = &v
		}
		if c.hasSell {
			v := c.sell
			sell = &v
		}
		s.Price[i] = price
		s.Buy[i] = buy
		s.Sell[i] = sell
		s.Quantity[i] = c.qty
	}
	return s
}

// Summary holds aggregate figures for an order sequence.
type Summary struct {
	Orders     int       `json:"orders"`
	Buys       int       `json:"buys"`
	Sells      int       `json:"sells"`
	Volume     float64   `json:"volume"`
	BuyVolume  float64   `json:"buyVolume"`
	SellVolume float64   `json:"sellVolume"`
	Notional   float64   `json:"notional"`
	VWAP       float64   `json:"vwap"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	First      time.Time `json:"first"`
	Last       time.Time `json:"last"`
}

// Summarize aggregates events. High/Low and VWAP are zero for an empty
// sequence.
func Summarize(events []domain.OrderEvent) Summary {
	s := Summary{Orders: len(events)}
	if len(events) == 0 {
		return s
	}
	s.High = -math.MaxFloat64
	s.Low = math.MaxFloat64
	s.First = events[0].CreatedTime
	s.Last = events[0].CreatedTime
	for _, ev := range events {
		switch ev.Side {
		case domain.OrderSideBuy:
			s.Buys++
			s.BuyVolume += ev.Volume
		case domain.OrderSideSell:
			s.Sells++
			s.SellVolume += ev.Volume
		}
		s.Volume += ev.Volume
		s.Notional += ev.Notional()
		s.High = math.Max(s.High, ev.Price)
		s.Low = math.Min(s.Low, ev.Price)
		if ev.CreatedTime.Before(s.First) {
			s.First = ev.CreatedTime
		}
		if ev.CreatedTime.After(s.Last) {
			s.Last = ev.CreatedTime
		}
	}
	if s.Volume > 0 {
		s.VWAP = s.Notional / s.Volume
	}
	return s
}
