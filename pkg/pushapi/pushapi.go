// Package pushapi implements the public HTTP/WebSocket surface of spec
// §6: a thin collaborator endpoint for submitting transactions,
// listing recent blocks, and querying a transaction's status — either
// once over HTTP or streamed over a WebSocket subscription
// (github.com/gorilla/websocket), grounded on the teacher's
// pkg/server handler style (plain net/http, a writeJSON/writeError
// pair, a *log.Logger field).
package pushapi

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veritaschain/veritas/pkg/blockchain"
	"github.com/veritaschain/veritas/pkg/crypto"
)

// Submitter is the narrow surface the transactions endpoint needs:
// verify a raw signed message and, if it passes, add it to the pool and
// broadcast it. Implemented by pkg/node.Loop.
type Submitter interface {
	SubmitTransaction(raw []byte) (crypto.Hash, error)
}

// Chain is the narrow read surface the blocks and status endpoints
// need, backed by a storage.Snapshot-rooted blockchain.Schema and the
// unconfirmed pool.
type Chain interface {
	BlockRange(latest uint64, count int, skipEmpty bool) []*blockchain.Block
	LatestHeight() uint64
	TxStatus(hash crypto.Hash) (status string, location *blockchain.TxLocation, result *blockchain.TxResult, inPool bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers serves the three endpoints spec §6 names: transactions,
// blocks, and transaction-status (the last also available as a
// WebSocket subscription).
type Handlers struct {
	submitter Submitter
	chain     Chain
	logger    *log.Logger

	subsMu sync.Mutex
	subs   map[crypto.Hash][]chan statusUpdate
}

type statusUpdate struct {
	status   string
	location *blockchain.TxLocation
	result   *blockchain.TxResult
}

// NewHandlers returns Handlers backed by submitter and chain. A nil
// logger defaults to one prefixed "[pushapi] ", matching the teacher's
// own per-handler default-logger convention.
func NewHandlers(submitter Submitter, chain Chain, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[pushapi] ", log.LstdFlags)
	}
	return &Handlers{submitter: submitter, chain: chain, logger: logger, subs: make(map[crypto.Hash][]chan statusUpdate)}
}

// NotifyCommitted wakes any WebSocket subscribers waiting on hash.
// Called by pkg/node.Loop right after a block commits.
func (h *Handlers) NotifyCommitted(hash crypto.Hash) {
	status, location, result, inPool := h.chain.TxStatus(hash)
	h.subsMu.Lock()
	chans := h.subs[hash]
	delete(h.subs, hash)
	h.subsMu.Unlock()
	if inPool {
		return
	}
	for _, ch := range chans {
		ch <- statusUpdate{status: status, location: location, result: result}
		close(ch)
	}
}

// HandleTransactions serves POST /transactions: a hex-encoded signed
// message in the request body, replying {"tx_hash": "..."} (spec §6
// "a transactions endpoint accepting a hex-encoded signed message,
// replying with {tx_hash}").
func (h *Handlers) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	raw, err := hex.DecodeString(strings.TrimSpace(req.Message))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "message is not valid hex")
		return
	}
	hash, err := h.submitter.SubmitTransaction(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"tx_hash": hash.String()})
}

// HandleBlocks serves GET /blocks?count=&latest=&skip_empty_blocks=
// (spec §6 "a blocks endpoint returning a range of block headers").
func (h *Handlers) HandleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	count := 10
	if v := q.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	latest := h.chain.LatestHeight()
	if v := q.Get("latest"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			latest = n
		}
	}
	skipEmpty := q.Get("skip_empty_blocks") == "true"
	blocks := h.chain.BlockRange(latest, count, skipEmpty)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

// HandleTxStatus serves GET /transactions/{hash} (spec §6 "a
// transaction-status endpoint keyed by hash").
func (h *Handlers) HandleTxStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hash, ok := parseHashPath(r.URL.Path, "/transactions/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	h.writeJSON(w, http.StatusOK, h.statusPayload(hash))
}

// HandleTxStatusWS upgrades GET /transactions/{hash}/subscribe to a
// WebSocket that emits one JSON status message the moment hash is
// committed, then closes (spec §6 transaction-status endpoint, the
// streamed variant via gorilla/websocket).
func (h *Handlers) HandleTxStatusWS(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHashPath(r.URL.Path, "/transactions/")
	if !ok {
		http.Error(w, "invalid transaction hash", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	status, location, result, inPool := h.chain.TxStatus(hash)
	if !inPool {
		writeWSStatus(conn, status, location, result)
		return
	}

	ch := make(chan statusUpdate, 1)
	h.subsMu.Lock()
	h.subs[hash] = append(h.subs[hash], ch)
	h.subsMu.Unlock()

	select {
	case upd := <-ch:
		writeWSStatus(conn, upd.status, upd.location, upd.result)
	case <-time.After(5 * time.Minute):
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "timed out waiting for commit"))
	}
}

func writeWSStatus(conn *websocket.Conn, status string, location *blockchain.TxLocation, result *blockchain.TxResult) {
	payload := map[string]interface{}{"type": status}
	if location != nil {
		payload["location"] = location
	}
	if result != nil {
		payload["status"] = result
	}
	conn.WriteJSON(payload)
}

func (h *Handlers) statusPayload(hash crypto.Hash) map[string]interface{} {
	status, location, result, _ := h.chain.TxStatus(hash)
	payload := map[string]interface{}{"type": status}
	if location != nil {
		payload["location"] = location
	}
	if result != nil {
		payload["status"] = result
	}
	return payload
}

func parseHashPath(path, prefix string) (crypto.Hash, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/subscribe")
	rest = strings.Trim(rest, "/")
	b, err := hex.DecodeString(rest)
	if err != nil || len(b) != crypto.HashSize {
		return crypto.Hash{}, false
	}
	var h crypto.Hash
	copy(h[:], b)
	return h, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
