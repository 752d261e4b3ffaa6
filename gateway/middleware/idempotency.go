package middleware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

const (
	// IdempotencyHeader carries the client-chosen retry key on write requests.
	IdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency store.
	ReplayedHeader = "Idempotent-Replayed"

	maxIdempotencyKey  = 128
	maxIdempotentBody  = 64 << 10
	defaultIdempotency = 24 * time.Hour
)

// ErrIdempotencyMismatch is returned when a key is reused with a different request.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

var bucketResponses = []byte("responses")

type storedResponse struct {
	Hash      string `json:"hash"`
	Pending   bool   `json:"pending,omitempty"`
	Status    int    `json:"status,omitempty"`
	Body      []byte `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// IdempotencyStore remembers the outcome of write requests so a retried
// request with the same key is answered without touching the ledger again.
type IdempotencyStore struct {
	db     *bbolt.DB
	ttl    time.Duration
	logger *slog.Logger
	nowFn  func() time.Time
}

// OpenIdempotencyStore opens (or creates) the bbolt database at path. Entries
// older than ttl are treated as absent.
func OpenIdempotencyStore(path string, ttl time.Duration, logger *slog.Logger) (*IdempotencyStore, error) {
	if ttl <= 0 {
		ttl = defaultIdempotency
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("idempotency: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db, ttl: ttl, logger: logger, nowFn: time.Now}, nil
}

// Close releases the database handle.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *IdempotencyStore) expired(entry *storedResponse) bool {
	return s.nowFn().Sub(time.Unix(entry.CreatedAt, 0)) > s.ttl
}

// reserve records a pending entry for key. When a live entry already exists it
// is returned instead.
func (s *IdempotencyStore) reserve(key, hash string) (*storedResponse, error) {
	var existing *storedResponse
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if raw := bucket.Get([]byte(key)); raw != nil {
			entry := new(storedResponse)
			if err := json.Unmarshal(raw, entry); err != nil {
				return fmt.Errorf("idempotency: decode %q: %w", key, err)
			}
			if !s.expired(entry) {
				if entry.Hash != hash {
					return ErrIdempotencyMismatch
				}
				existing = entry
				return nil
			}
		}
		encoded, err := json.Marshal(storedResponse{Hash: hash, Pending: true, CreatedAt: s.nowFn().Unix()})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), encoded)
	})
	return existing, err
}

func (s *IdempotencyStore) complete(key, hash string, status int, body []byte) error {
	encoded, err := json.Marshal(storedResponse{Hash: hash, Status: status, Body: body, CreatedAt: s.nowFn().Unix()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), encoded)
	})
}

func (s *IdempotencyStore) release(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResponses).Delete([]byte(key))
	})
}

// Prune deletes expired entries and returns how many were removed.
func (s *IdempotencyStore) Prune() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			entry := new(storedResponse)
			if err := json.Unmarshal(v, entry); err != nil || s.expired(entry) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func requestHash(r *http.Request, body []byte) string {
	buf := bytes.NewBuffer(nil)
	buf.WriteString(r.Method)
	buf.WriteByte('\n')
	buf.WriteString(r.URL.Path)
	buf.WriteByte('\n')
	buf.Write(body)
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Middleware replays stored responses for requests that carry an
// Idempotency-Key. Keys are scoped to the authenticated caller, so it must
// run after the authenticator. Requests without a key pass through.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if s == nil || key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			writeAuthError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil {
			writeAuthError(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		if len(body) > maxIdempotentBody {
			writeAuthError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		scope := "anonymous"
		if caller := CallerFromContext(r.Context()); !caller.IsZero() {
			scope = caller.String()
		}
		storeKey := scope + "/" + key
		hash := requestHash(r, body)

		existing, err := s.reserve(storeKey, hash)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch):
			writeAuthError(w, http.StatusUnprocessableEntity, "idempotency_key_reused")
			return
		case err != nil:
			s.logger.Error("idempotency reserve failed", slog.Any("error", err))
			writeAuthError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		case existing != nil && existing.Pending:
			writeAuthError(w, http.StatusConflict, "idempotency_in_flight")
			return
		case existing != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(ReplayedHeader, "true")
			w.WriteHeader(existing.Status)
			_, _ = w.Write(existing.Body)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			err = s.release(storeKey)
		} else {
			err = s.complete(storeKey, hash, rec.status, rec.body.Bytes())
		}
		if err != nil {
			s.logger.Error("idempotency record failed", slog.Any("error", err))
		}
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
