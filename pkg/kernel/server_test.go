package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/manthysbr/auleMarket/internal/adapters/ledger"
	"github.com/manthysbr/auleMarket/internal/adapters/memory"
	"github.com/manthysbr/auleMarket/internal/adapters/metrics"
	appconfig "github.com/manthysbr/auleMarket/internal/config"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "s3cret-admin-token"

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	engine = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	owner  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	poster = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agent  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	handler http.Handler
	market  *services.Marketplace
	bank    *ledger.Bank
	clock   *fakeClock
}

func newTestEnv(t *testing.T, adminHash string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	store := memory.NewStore()
	policy, err := appconfig.NewPolicyStore(ctx, logger, store, domain.DefaultPolicy(owner))
	require.NoError(t, err)

	bank := ledger.NewBank(logger)
	bank.Mint(token, poster, big.NewInt(10_000))
	bank.Approve(token, poster, engine, big.NewInt(10_000))

	bus := services.NewEventBus(logger)
	recorder := metrics.NewRecorder()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	market := services.NewMarketplace(logger, store, bank.Account(token, engine), policy,
		services.MarketConfig{Address: engine, PaymentToken: token},
		services.WithClock(clock.Now),
		services.WithPublisher(bus),
		services.WithPublisher(recorder),
		services.WithRejectionObserver(recorder),
	)

	srv, err := NewServer(ctx, logger, market, bus, ServerConfig{
		AdminTokenHash: adminHash,
		Metrics:        recorder.Handler(),
	})
	require.NoError(t, err)

	return &testEnv{handler: srv.Handler(), market: market, bank: bank, clock: clock}
}

func adminHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// do sends a request as caller; the zero address sends no caller header.
func (e *testEnv) do(method, path string, caller common.Address, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != (common.Address{}) {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) admin(method, path string, caller common.Address, body string) *httptest.ResponseRecorder {
	return e.do(method, path, caller, body, "Authorization", "Bearer "+adminToken)
}

const postBody = `{"description":"label 500 images","min_price":"100","max_price":"200","auction_duration_sec":60,"work_deadline_sec":300}`

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestServer_E2E_JobLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	// 1. Post
	w := env.do("POST", "/v1/jobs", poster, postBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var posted struct {
		ID           uint64           `json:"id"`
		Status       domain.JobStatus `json:"status"`
		MaxPrice     *big.Int         `json:"max_price"`
		CurrentPrice *big.Int         `json:"current_price"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &posted))
	assert.Equal(t, uint64(1), posted.ID)
	assert.Equal(t, domain.JobStatusOpen, posted.Status)
	assert.Equal(t, big.NewInt(100), posted.CurrentPrice)
	assert.Equal(t, int64(200), env.bank.Balance(token, engine).Int64())

	// 2. Price after half the auction
	env.clock.Advance(30 * time.Second)
	w = env.do("GET", "/v1/jobs/1/price", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var price struct {
		Price *big.Int `json:"price"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &price))
	assert.Equal(t, big.NewInt(150), price.Price)

	// 3. Claim, submit, approve
	w = env.do("POST", "/v1/jobs/1/claim", agent, `{"agent_id":"7"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &price))
	assert.Equal(t, big.NewInt(150), price.Price)
	assert.Equal(t, int64(10_000-150), env.bank.Balance(token, poster).Int64())

	w = env.do("POST", "/v1/jobs/1/submit", agent, `{"submission_uri":"ipfs://result"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = env.do("POST", "/v1/jobs/1/approve", poster, `{"rating":90}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settled settlementResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settled))
	assert.Equal(t, big.NewInt(150), settled.Payout)
	assert.Equal(t, 0, settled.Fee.Sign())

	// 4. Read back
	w = env.do("GET", "/v1/jobs/1", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var job jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, agent, job.Assignment.Agent)
	assert.Equal(t, "ipfs://result", job.Assignment.SubmissionURI)
	assert.Equal(t, uint8(90), job.Assignment.Rating)
	assert.Nil(t, job.CurrentPrice)

	w = env.do("GET", "/v1/agents/"+agent.Hex()+"/stats", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.AgentReputation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.CompletedJobs)
	assert.Equal(t, uint64(90), stats.AverageRating)
	assert.Equal(t, big.NewInt(150), stats.TotalEarned)

	w = env.do("GET", "/v1/platform/stats", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var platform struct {
		Stats         domain.PlatformStats  `json:"stats"`
		Policy        domain.PlatformPolicy `json:"policy"`
		EscrowBalance *big.Int              `json:"escrow_balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &platform))
	assert.Equal(t, uint64(1), platform.Stats.TotalJobsPosted)
	assert.Equal(t, uint64(1), platform.Stats.TotalJobsCompleted)
	assert.Equal(t, owner, platform.Policy.Owner)
	assert.Equal(t, 0, platform.EscrowBalance.Sign())
}

func TestServer_ListJobsPagination(t *testing.T) {
	env := newTestEnv(t, "")
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, env.do("POST", "/v1/jobs", poster, postBody).Code)
	}

	w := env.do("GET", "/v1/jobs?limit=2", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Jobs      []jobResponse `json:"jobs"`
		Count     int           `json:"count"`
		NextAfter uint64        `json:"next_after"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, uint64(2), page.NextAfter)

	w = env.do("GET", "/v1/jobs?after=2&limit=2", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	page.NextAfter = 0
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, domain.JobID(3), page.Jobs[0].ID)
	assert.Zero(t, page.NextAfter)
}

func TestServer_RequestValidation(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		caller common.Address
		body   string
	}{
		{"missing caller", "POST", "/v1/jobs", common.Address{}, postBody},
		{"non-numeric job id", "GET", "/v1/jobs/abc", common.Address{}, ""},
		{"missing price", "POST", "/v1/jobs", poster, `{"description":"x","min_price":"1","auction_duration_sec":1,"work_deadline_sec":1}`},
		{"negative amount", "POST", "/v1/jobs/1/claim", agent, `{"agent_id":"-3"}`},
		{"bad agent address", "GET", "/v1/agents/0x1234/stats", common.Address{}, ""},
		{"auction duration wraps", "POST", "/v1/jobs", poster, `{"description":"x","min_price":"100","max_price":"200","auction_duration_sec":18446744075,"work_deadline_sec":300}`},
		{"work deadline wraps", "POST", "/v1/jobs", poster, `{"description":"x","min_price":"100","max_price":"200","auction_duration_sec":60,"work_deadline_sec":9223372037}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.caller, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decodeError(t, w)
			assert.Equal(t, domain.KindValidation, resp.Kind)
			assert.Equal(t, "invalid_request", resp.Reason)
		})
	}

	// Nothing was escrowed by the rejected post.
	assert.Equal(t, int64(10_000), env.bank.Balance(token, poster).Int64())
}

func TestParseSeconds(t *testing.T) {
	d, err := parseSeconds("auction_duration_sec", 60)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = parseSeconds("auction_duration_sec", uint64(maxDurationSec))
	require.NoError(t, err)
	assert.Positive(t, d)

	_, err = parseSeconds("auction_duration_sec", uint64(maxDurationSec)+1)
	assert.ErrorContains(t, err, "auction_duration_sec")
	_, err = parseSeconds("work_deadline_sec", 18446744075)
	assert.Error(t, err)
}

func TestServer_RejectionsMapToStatus(t *testing.T) {
	env := newTestEnv(t, "")
	require.Equal(t, http.StatusCreated, env.do("POST", "/v1/jobs", poster, postBody).Code)

	tests := []struct {
		name   string
		method string
		path   string
		caller common.Address
		body   string
		status int
		reason string
	}{
		{"unknown job", "GET", "/v1/jobs/42", common.Address{}, "", http.StatusNotFound, "job_not_found"},
		{"self claim", "POST", "/v1/jobs/1/claim", poster, `{"agent_id":"1"}`, http.StatusForbidden, "self_claim"},
		{"approve open job", "POST", "/v1/jobs/1/approve", poster, `{"rating":50}`, http.StatusConflict, "job_not_submitted"},
		{"cancel by stranger", "POST", "/v1/jobs/1/cancel", agent, "", http.StatusForbidden, "not_poster"},
		{"empty description", "POST", "/v1/jobs", poster, `{"description":"","min_price":"1","max_price":"2","auction_duration_sec":1,"work_deadline_sec":1}`, http.StatusBadRequest, "empty_description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, tt.caller, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.reason, decodeError(t, w).Reason)
		})
	}

	// Expire before the deadline is a timing rejection.
	require.Equal(t, http.StatusOK, env.do("POST", "/v1/jobs/1/claim", agent, `{"agent_id":"1"}`).Code)
	w := env.do("POST", "/v1/jobs/1/expire", poster, "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, domain.KindTiming, decodeError(t, w).Kind)

	env.clock.Advance(301 * time.Second)
	assert.Equal(t, http.StatusNoContent, env.do("POST", "/v1/jobs/1/expire", poster, "").Code)
	assert.Equal(t, int64(10_000), env.bank.Balance(token, poster).Int64())
}

func TestServer_AdminAuth(t *testing.T) {
	env := newTestEnv(t, adminHash(t))

	w := env.do("POST", "/v1/admin/pause", owner, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do("POST", "/v1/admin/pause", owner, "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_admin_token", decodeError(t, w).Reason)

	// A valid token does not make the caller the owner.
	w = env.admin("POST", "/v1/admin/pause", poster, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_owner", decodeError(t, w).Reason)

	w = env.admin("POST", "/v1/admin/pause", owner, "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.True(t, env.market.Policy().Paused)

	w = env.do("POST", "/v1/jobs", poster, postBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "paused", decodeError(t, w).Reason)

	w = env.admin("POST", "/v1/admin/fee", owner, `{"fee_bps":501}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "fee_too_high", decodeError(t, w).Reason)

	w = env.admin("POST", "/v1/admin/fee", owner, `{"fee_bps":250}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, uint16(250), env.market.Policy().FeeBps)

	w = env.admin("POST", "/v1/admin/allowlist", owner, `{"account":"`+agent.Hex()+`","allowed":true}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.True(t, env.market.Policy().IsAllowlisted(agent))

	w = env.admin("POST", "/v1/admin/withdraw-fees", owner, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "nothing_to_withdraw", decodeError(t, w).Reason)

	w = env.admin("POST", "/v1/admin/owner", owner, `{"new_owner":"`+poster.Hex()+`"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, poster, env.market.Policy().Owner)

	w = env.admin("POST", "/v1/admin/unpause", owner, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.admin("POST", "/v1/admin/unpause", poster, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServer_AdminDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.admin("POST", "/v1/admin/pause", owner, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "admin_disabled", decodeError(t, w).Reason)
	assert.False(t, env.market.Policy().Paused)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")
	require.Equal(t, http.StatusCreated, env.do("POST", "/v1/jobs", poster, postBody).Code)
	env.do("POST", "/v1/jobs/1/claim", poster, `{"agent_id":"1"}`)

	w := env.do("GET", "/healthz", common.Address{}, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("GET", "/metrics", common.Address{}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `market_events_total{type="job_posted"} 1`)
	assert.Contains(t, body, `market_rejections_total{kind="authorization",op="claim"} 1`)
}

func TestServer_JobEventStream(t *testing.T) {
	env := newTestEnv(t, "")
	require.Equal(t, http.StatusCreated, env.do("POST", "/v1/jobs", poster, postBody).Code)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	// Unknown jobs are rejected before the stream opens.
	resp, err := http.Get(ts.URL + "/v1/jobs/9/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/jobs/1/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	require.Equal(t, http.StatusOK, env.do("POST", "/v1/jobs/1/claim", agent, `{"agent_id":"7"}`).Code)

	var event, data string
	timeout := time.After(2 * time.Second)
	for data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if v, found := strings.CutPrefix(line, "event: "); found {
				event = v
			}
			if v, found := strings.CutPrefix(line, "data: "); found {
				data = v
			}
		case <-timeout:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, string(domain.EventJobClaimed), event)
	var evt domain.MarketEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	assert.Equal(t, domain.JobID(1), evt.JobID)
	assert.Equal(t, agent, evt.Actor)
	assert.Equal(t, big.NewInt(100), evt.Price)
}

func TestStatusFor(t *testing.T) {
	tests := map[domain.ErrorKind]int{
		domain.KindValidation:    http.StatusBadRequest,
		domain.KindStateConflict: http.StatusConflict,
		domain.KindAuthorization: http.StatusForbidden,
		domain.KindIdentity:      http.StatusForbidden,
		domain.KindTiming:        http.StatusUnprocessableEntity,
		domain.KindAdmission:     http.StatusServiceUnavailable,
		domain.KindNotFound:      http.StatusNotFound,
		domain.KindLedger:        http.StatusBadGateway,
		"":                       http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusFor(kind), "kind %q", kind)
	}
}
