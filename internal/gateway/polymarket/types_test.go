package polymarket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantegy/exitd/internal/domain"
)

func TestAPIOrderToResult_StatusMapping(t *testing.T) {
	cases := []struct {
		apiStatus string
		matched   string
		original  string
		want      domain.OrderStatus
	}{
		{"matched", "100", "100", domain.OrderStatusFilled},
		{"filled", "100", "100", domain.OrderStatusFilled},
		{"live", "0", "100", domain.OrderStatusOpen},
		{"live", "40", "100", domain.OrderStatusPartialFilled},
		{"open", "0", "100", domain.OrderStatusOpen},
		{"cancelled", "40", "100", domain.OrderStatusCancelled},
		{"rejected", "0", "100", domain.OrderStatusRejected},
		{"delayed", "0", "100", domain.OrderStatusPending},
	}

	for _, tc := range cases {
		o := apiOrder{
			ID:           "ord-1",
			Status:       tc.apiStatus,
			SizeMatched:  tc.matched,
			OriginalSize: tc.original,
			Price:        "0.64",
		}
		res := o.toResult()
		assert.Equal(t, tc.want, res.Status, "status %s matched %s", tc.apiStatus, tc.matched)
		assert.Equal(t, "ord-1", res.OrderID)
	}
}

func TestAPIOrderToResult_FillFields(t *testing.T) {
	o := apiOrder{ID: "ord-2", Status: "live", SizeMatched: "37.5", OriginalSize: "100", Price: "0.615"}
	res := o.toResult()
	assert.InDelta(t, 37.5, res.FilledQty, 1e-9)
	assert.InDelta(t, 0.615, res.AvgFillPrice, 1e-9)
}

func TestBookToSnapshot_BestPricesAndSpread(t *testing.T) {
	book := bookResponse{
		AssetID: "tok-1",
		Bids: []bookLevel{
			{Price: "0.60", Size: "200"},
			{Price: "0.64", Size: "100"},
			{Price: "0.62", Size: "150"},
		},
		Asks: []bookLevel{
			{Price: "0.70", Size: "300"},
			{Price: "0.66", Size: "120"},
			{Price: "0.68", Size: "180"},
		},
		Timestamp: "1756166400000",
	}

	snap := book.toSnapshot()
	assert.Equal(t, "tok-1", snap.TokenID)
	assert.InDelta(t, 0.64, snap.BestBid, 1e-9)
	assert.InDelta(t, 0.66, snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.02, snap.Spread, 1e-9)
	assert.Equal(t, time.UnixMilli(1756166400000), snap.ObservedAt)
}

func TestBookToSnapshot_DepthWithinWindow(t *testing.T) {
	book := bookResponse{
		AssetID: "tok-1",
		Bids: []bookLevel{
			{Price: "0.64", Size: "100"},
			{Price: "0.60", Size: "150"}, // within 0.05 of best
			{Price: "0.50", Size: "999"}, // outside the window
		},
		Asks: []bookLevel{
			{Price: "0.66", Size: "120"},
			{Price: "0.70", Size: "180"}, // within
			{Price: "0.90", Size: "999"}, // outside
		},
	}

	snap := book.toSnapshot()
	assert.InDelta(t, 250, snap.BidDepth, 1e-9)
	assert.InDelta(t, 300, snap.AskDepth, 1e-9)
}

func TestBookToSnapshot_OneSidedBook(t *testing.T) {
	book := bookResponse{
		AssetID: "tok-1",
		Bids:    []bookLevel{{Price: "0.64", Size: "100"}},
	}

	snap := book.toSnapshot()
	assert.InDelta(t, 0.64, snap.BestBid, 1e-9)
	assert.Equal(t, 0.0, snap.BestAsk)
	assert.Equal(t, 0.0, snap.Spread)
	assert.InDelta(t, 0.64, snap.Mid(), 1e-9)
}

func TestBookToSnapshot_UnparseableTimestampFallsBackToNow(t *testing.T) {
	book := bookResponse{AssetID: "tok-1", Timestamp: "not-a-time"}
	before := time.Now()
	snap := book.toSnapshot()
	assert.False(t, snap.ObservedAt.Before(before))
}
