package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"pegledger/core/events"
	"pegledger/core/types"
)

// Record is one committed ledger event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	LoanID     uint64    `gorm:"index"`
	Recipient  string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	// Digest chains the record to its predecessor.
	Digest    string `gorm:"size:64;not null;default:''"`
	CreatedAt time.Time
}

// ErrChainBroken is returned by Verify when a stored digest does not match.
var ErrChainBroken = errors.New("journal: digest chain broken")

func chainDigest(prev [32]byte, seq uint64, typ, attributes string) [32]byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(prev[:])
	_ = binary.Write(buf, binary.BigEndian, seq)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(typ)))
	buf.WriteString(typ)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(attributes)))
	buf.WriteString(attributes)
	return blake3.Sum256(buf.Bytes())
}

func decodeDigest(raw string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("journal: malformed digest %q", raw)
	}
	copy(out[:], b)
	return out, nil
}

// TableName pins the table name across drivers.
func (Record) TableName() string { return "ledger_events" }

// Event decodes the stored attributes back into a flattened event.
func (r *Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode attributes of %s: %w", r.ID, err)
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Open connects to the journal database. Supported drivers are "postgres"
// and "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// Journal appends committed events to SQL storage. It implements
// events.Emitter; write failures are logged because emitters cannot fail the
// already-committed ledger operation.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	seq  uint64
	head [32]byte
}

// New migrates the schema and resumes the sequence from stored records.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, nowFn: time.Now}
	var last []Record
	if err := db.Order("sequence desc").Limit(1).Find(&last).Error; err != nil {
		return nil, fmt.Errorf("journal: resume sequence: %w", err)
	}
	if len(last) == 1 {
		head, err := decodeDigest(last[0].Digest)
		if err != nil {
			return nil, err
		}
		j.seq, j.head = last[0].Sequence, head
	}
	return j, nil
}

// SetNowFunc overrides the clock used to stamp records.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.nowFn = now
}

// Emit implements events.Emitter.
func (j *Journal) Emit(ev events.Event) {
	if ev == nil {
		return
	}
	if _, err := j.Append(context.Background(), ev); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", ev.EventType()),
			slog.Any("error", err))
	}
}

// Append stores ev and returns the persisted record.
func (j *Journal) Append(ctx context.Context, ev events.Event) (*Record, error) {
	flat := ev.Event()
	if flat == nil {
		return nil, fmt.Errorf("journal: event %s has no payload", ev.EventType())
	}
	encoded, err := json.Marshal(flat.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	var loanID uint64
	if raw := flat.Attr("loanId"); raw != "" {
		if loanID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("journal: loanId %q: %w", raw, err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.seq + 1
	digest := chainDigest(j.head, seq, flat.Type, string(encoded))
	record := &Record{
		ID:         uuid.New(),
		Sequence:   seq,
		Type:       flat.Type,
		LoanID:     loanID,
		Recipient:  flat.Attr("recipient"),
		Attributes: string(encoded),
		Digest:     hex.EncodeToString(digest[:]),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.seq, j.head = seq, digest
	return record, nil
}

// Verify recomputes the digest chain over every stored record and returns
// how many records it checked.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	const batch = 500
	var (
		prev    [32]byte
		checked uint64
	)
	for {
		var records []Record
		err := j.db.WithContext(ctx).
			Where("sequence > ?", checked).
			Order("sequence asc").
			Limit(batch).
			Find(&records).Error
		if err != nil {
			return checked, fmt.Errorf("journal: verify: %w", err)
		}
		for _, record := range records {
			if record.Sequence != checked+1 {
				return checked, fmt.Errorf("%w: sequence gap before %d", ErrChainBroken, record.Sequence)
			}
			want := chainDigest(prev, record.Sequence, record.Type, record.Attributes)
			if hex.EncodeToString(want[:]) != record.Digest {
				return checked, fmt.Errorf("%w: at sequence %d", ErrChainBroken, record.Sequence)
			}
			prev = want
			checked = record.Sequence
		}
		if len(records) < batch {
			return checked, nil
		}
	}
}

// Query filters List. Zero values match everything.
type Query struct {
	LoanID    uint64
	Type      string
	Recipient string
	AfterSeq  uint64
	Limit     int
}

// List returns records in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := j.db.WithContext(ctx).Model(&Record{}).Where("sequence > ?", q.AfterSeq)
	if q.LoanID != 0 {
		tx = tx.Where("loan_id = ?", q.LoanID)
	}
	if t := strings.TrimSpace(q.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	if r := strings.TrimSpace(q.Recipient); r != "" {
		tx = tx.Where("recipient = ?", r)
	}
	var records []Record
	if err := tx.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
