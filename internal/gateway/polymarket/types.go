package polymarket

import (
	"strconv"
	"time"

	"github.com/quantegy/exitd/internal/domain"
)

// depthWindow bounds how far from the best price a resting level still counts
// toward the snapshot's depth aggregate.
const depthWindow = 0.05

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// apiOrderResult is the response from placing an order via the CLOB API.
type apiOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// apiOrder represents an order as returned by the CLOB API.
type apiOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	MarketID     string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"` // "BUY" or "SELL"
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Owner        string `json:"owner"`
	CreatedAt    string `json:"created_at"`
}

// toResult converts an apiOrder into the domain view of the order. The CLOB
// reports price as the limit price; for marketable orders the fills land at
// or better, so this is a conservative average.
func (a *apiOrder) toResult() domain.OrderResult {
	res := domain.OrderResult{OrderID: a.ID}

	matched, _ := strconv.ParseFloat(a.SizeMatched, 64)
	original, _ := strconv.ParseFloat(a.OriginalSize, 64)
	res.FilledQty = matched
	res.AvgFillPrice, _ = strconv.ParseFloat(a.Price, 64)

	switch a.Status {
	case "matched", "filled":
		res.Status = domain.OrderStatusFilled
	case "live", "open":
		if matched > 0 && matched < original {
			res.Status = domain.OrderStatusPartialFilled
		} else {
			res.Status = domain.OrderStatusOpen
		}
	case "cancelled":
		res.Status = domain.OrderStatusCancelled
	case "rejected":
		res.Status = domain.OrderStatusRejected
	default:
		res.Status = domain.OrderStatusPending
	}
	return res
}

// bookLevel is a single price level in a CLOB book response or WebSocket
// book message.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookResponse is the GET /book payload and, identically shaped, the body of
// a WebSocket "book" event.
type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// toSnapshot flattens a book into the snapshot the monitor consumes: best
// prices plus depth aggregated within depthWindow of each best.
func (b *bookResponse) toSnapshot() domain.MarketSnapshot {
	snap := domain.MarketSnapshot{TokenID: b.AssetID}

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		if p > snap.BestBid {
			snap.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		if snap.BestAsk == 0 || (p > 0 && p < snap.BestAsk) {
			snap.BestAsk = p
		}
	}

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		if snap.BestBid-p <= depthWindow {
			snap.BidDepth += s
		}
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		if p-snap.BestAsk <= depthWindow {
			snap.AskDepth += s
		}
	}

	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.Spread = snap.BestAsk - snap.BestBid
	}

	if ts, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		// CLOB timestamps are epoch milliseconds.
		snap.ObservedAt = time.UnixMilli(ts)
	} else if t, err := time.Parse(time.RFC3339, b.Timestamp); err == nil {
		snap.ObservedAt = t
	} else {
		snap.ObservedAt = time.Now()
	}

	return snap
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsCommand is the JSON payload sent to the WebSocket to subscribe.
type wsCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
}

// wsEnvelope identifies the type of an incoming WebSocket frame.
type wsEnvelope struct {
	MsgType   string `json:"msg_type"`
	EventType string `json:"event_type"`
}
