package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

var dbSeq int64

func init() {
	gin.SetMode(gin.TestMode)
	logger.SetDefaultLogger(logger.NewNop())
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiEnv struct {
	t      *testing.T
	router *gin.Engine
	mu     sync.Mutex
	now    time.Time
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.Open(sqlite.Open(fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbSeq, 1))))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))

	env := &apiEnv{t: t, now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	engine := logic.NewEngine(repository.NewGormStore(db), nil,
		config.EngineConfig{VoteBufferSeconds: 60, VoteDurationSeconds: 3600, MinMilestones: 1},
		config.EscrowConfig{MaxAttempts: 3, RetryInitialSeconds: 10, RetryMaxSeconds: 60, ConfirmTimeoutSeconds: 600},
		env.clock)
	env.router = Setup(engine, func() map[string]interface{} {
		return map[string]interface{}{"monitor": "disabled"}
	})
	return env
}

func (e *apiEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *apiEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *apiEnv) do(method, path string, body interface{}) (int, envelope) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp envelope
	if strings.HasPrefix(path, "/api/") {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func TestMilestoneLifecycleOverHTTP(t *testing.T) {
	env := setupAPI(t)

	code, resp := env.do(http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"title":           "solar",
		"creator_id":      "creator",
		"creator_address": "0x00000000000000000000000000000000000000aa",
		"target_amount":   1000,
		"milestones": []map[string]interface{}{
			{"order": 1, "title": "panels", "amount_target": 600},
			{"order": 2, "title": "install", "amount_target": 400},
		},
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	var created struct {
		Campaign struct {
			Id int64 `json:"id"`
		} `json:"campaign"`
		Milestones []struct {
			Id int64 `json:"id"`
		} `json:"milestones"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	campaignId, milestoneId := created.Campaign.Id, created.Milestones[0].Id

	contribution := map[string]interface{}{
		"campaign_id": campaignId, "backer_id": "alice", "backer_address": "0x00000000000000000000000000000000000000a1",
		"amount": 700, "tx_hash": "0xpaid",
	}
	code, resp = env.do(http.MethodPost, "/api/v1/contributions/confirmed", contribution)
	require.Equal(t, http.StatusOK, code, resp.Message)
	code, resp = env.do(http.MethodPost, "/api/v1/contributions/confirmed", contribution)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "contribution already confirmed", resp.Message)

	code, resp = env.do(http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d/availability", campaignId), nil)
	require.Equal(t, http.StatusOK, code)
	var availability struct {
		Unallocated int64 `json:"unallocated"`
		Gated       bool  `json:"gated"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &availability))
	assert.Equal(t, int64(100), availability.Unallocated)
	assert.True(t, availability.Gated)

	code, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/proof", milestoneId), map[string]string{"evidence": "ipfs://panels"})
	require.Equal(t, http.StatusOK, code)

	vote := map[string]interface{}{"backer_id": "alice", "direction": "APPROVE"}
	code, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/votes", milestoneId), vote)
	assert.Equal(t, http.StatusConflict, code)

	env.advance(2 * time.Minute)
	code, resp = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/votes", milestoneId), vote)
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/votes", milestoneId), map[string]interface{}{"backer_id": "mallory", "direction": "REJECT"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/resolve", milestoneId), nil)
	assert.Equal(t, http.StatusConflict, code)

	env.advance(2 * time.Hour)
	code, resp = env.do(http.MethodPost, fmt.Sprintf("/api/v1/milestones/%d/resolve", milestoneId), nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var resolved struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &resolved))
	assert.Equal(t, "APPROVED", resolved.Outcome)

	code, resp = env.do(http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d/escrow", campaignId), nil)
	require.Equal(t, http.StatusOK, code)
	var escrow struct {
		Transactions []struct {
			Kind   string `json:"kind"`
			Amount int64  `json:"amount"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &escrow))
	require.Len(t, escrow.Transactions, 1)
	assert.Equal(t, "RELEASE", escrow.Transactions[0].Kind)
	assert.Equal(t, int64(600), escrow.Transactions[0].Amount)
}

func TestErrorMapping(t *testing.T) {
	env := setupAPI(t)

	code, _ := env.do(http.MethodGet, "/api/v1/campaigns/abc/stats", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(http.MethodGet, "/api/v1/campaigns/42/stats", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"title": "bad", "creator_id": "c", "creator_address": "0x1", "target_amount": 100,
		"milestones": []map[string]interface{}{{"order": 1, "title": "one", "amount_target": 50}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(http.MethodPost, "/api/v1/contributions/confirmed", map[string]interface{}{
		"campaign_id": 1, "backer_id": "alice", "amount": -5, "tx_hash": "0x1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	env := setupAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disabled", body["monitor"])
}
