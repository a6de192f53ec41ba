package metrics

import (
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Events(t *testing.T) {
	r := NewRecorder()
	rating := uint8(90)

	r.Publish(domain.MarketEvent{Type: domain.EventJobClaimed, Refund: big.NewInt(50)})
	r.Publish(domain.MarketEvent{Type: domain.EventJobApproved, Payout: big.NewInt(147), Fee: big.NewInt(3), Rating: &rating})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues(string(domain.EventJobApproved))))
	assert.Equal(t, 147.0, testutil.ToFloat64(r.settled))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.fees))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.refunded))
}

func TestRecorder_PolicyGauges(t *testing.T) {
	r := NewRecorder()
	r.ObservePolicy(domain.PlatformPolicy{FeeBps: 200})
	assert.Equal(t, 200.0, testutil.ToFloat64(r.feeBps))

	r.Publish(domain.MarketEvent{Type: domain.EventPaused})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.paused))

	bps := uint16(300)
	r.Publish(domain.MarketEvent{Type: domain.EventFeeUpdated, FeeBps: &bps})
	assert.Equal(t, 300.0, testutil.ToFloat64(r.feeBps))
}

func TestRecorder_RejectionsAndHandler(t *testing.T) {
	r := NewRecorder()
	r.Rejected("claim", domain.KindStateConflict)
	r.Rejected("claim", domain.KindStateConflict)
	r.WatchEscrow(func() (*big.Int, error) { return big.NewInt(600), nil })

	assert.Equal(t, 2.0, testutil.ToFloat64(r.rejections.WithLabelValues("claim", string(domain.KindStateConflict))))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "market_rejections_total")
	assert.Contains(t, body, "market_escrow_balance 600")
}
