package server

import (
	"bytes"
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"

	"github.com/marcus/pricetrack/internal/serverdb"
)

// IdempotencyHeader names the request header that deduplicates writes
const IdempotencyHeader = "Idempotency-Key"

// ReplayHeader is set to "true" on responses served from the idempotency store
const ReplayHeader = "Idempotent-Replay"

const lockStripes = 64

// keyLocks serializes requests that share an idempotency key so a retry
// racing the original cannot run the write twice.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(userID, key string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// bufferedResponse holds a handler's response so it can be saved before
// it is sent.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), code: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }
func (b *bufferedResponse) WriteHeader(code int)        { b.code = code }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	w.WriteHeader(b.code)
	w.Write(b.body.Bytes())
}

// idempotent makes a write handler safe to retry. The first response
// below 500 for a (user, key) pair is stored and replayed for every later
// request with that key. Reusing a key for a different method or path is
// rejected with 422. Requests without a key run unguarded.
func (s *Server) idempotent(action string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			handler(w, r)
			s.metrics.ObserveWrite(action, false)
			return
		}

		userID := ""
		if u := getUserFromContext(r.Context()); u != nil {
			userID = u.UserID
		}
		unlock := s.locks.lock(userID, key)
		defer unlock()

		saved, err := s.store.GetIdempotent(key, userID)
		if err != nil {
			logFor(r.Context()).Error("idempotency lookup", "key", key, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "idempotency lookup failed")
			return
		}
		if saved != nil {
			if saved.Method != r.Method || saved.Path != r.URL.Path {
				writeError(w, http.StatusUnprocessableEntity, ErrCodeKeyReused,
					"idempotency key already used for "+saved.Method+" "+saved.Path)
				return
			}
			logFor(r.Context()).Info("idempotent replay", "key", key, "status", saved.Status)
			s.metrics.ObserveWrite(action, true)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(ReplayHeader, "true")
			w.WriteHeader(saved.Status)
			w.Write(saved.Body)
			return
		}

		buf := newBufferedResponse()
		handler(buf, r)
		s.metrics.ObserveWrite(action, false)

		if buf.code < 500 {
			err := s.store.SaveIdempotent(serverdb.IdempotentResponse{
				Key:    key,
				UserID: userID,
				Method: r.Method,
				Path:   r.URL.Path,
				Status: buf.code,
				Body:   buf.body.Bytes(),
			})
			if err != nil {
				logFor(r.Context()).Error("save idempotent response", "key", key, "err", err)
			}
		}
		buf.header.Set(ReplayHeader, strconv.FormatBool(false))
		buf.flush(w)
	}
}
