package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
)

// Journal record kinds.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
)

var (
	journalPrefix   = []byte("ledger/journal/")
	journalIndexKey = []byte("ledger/journal/index")
)

// JournalRecord is the audit-trail entry appended for every deposit and
// withdrawal. Operators reconcile conservation against this log.
type JournalRecord struct {
	ID            string
	Kind          string
	ParticipantID string
	Asset         string
	Amount        *big.Int
	CreatedAt     int64
}

type storedJournalRecord struct {
	ID            string
	Kind          string
	ParticipantID string
	Asset         string
	Amount        *big.Int
	CreatedAt     uint64
}

type journalIndexEntry struct {
	ID        string
	CreatedAt uint64
}

// Journal persists the append-only deposit/withdrawal log.
type Journal struct {
	store Storage
	clock func() time.Time
}

// NewJournal constructs a journal bound to the provided storage backend.
func NewJournal(store Storage) *Journal {
	return &Journal{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (j *Journal) SetClock(clock func() time.Time) {
	if j == nil || clock == nil {
		return
	}
	j.clock = clock
}

// Append records a new journal entry and returns it.
func (j *Journal) Append(kind, participantID, asset string, amount *big.Int) (*JournalRecord, error) {
	if j == nil {
		return nil, fmt.Errorf("journal not initialised")
	}
	record := &JournalRecord{
		ID:            uuid.NewString(),
		Kind:          kind,
		ParticipantID: strings.TrimSpace(participantID),
		Asset:         NormalizeAsset(asset),
		Amount:        copyBigInt(amount),
		CreatedAt:     j.clock().UTC().Unix(),
	}
	createdAt := uint64(0)
	if record.CreatedAt > 0 {
		createdAt = uint64(record.CreatedAt)
	}
	stored := storedJournalRecord{
		ID:            record.ID,
		Kind:          record.Kind,
		ParticipantID: record.ParticipantID,
		Asset:         record.Asset,
		Amount:        copyBigInt(record.Amount),
		CreatedAt:     createdAt,
	}
	if err := j.store.KVPut(journalKey(record.ID), stored); err != nil {
		return nil, err
	}
	entry := journalIndexEntry{ID: record.ID, CreatedAt: createdAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return nil, err
	}
	if err := j.store.KVAppend(journalIndexKey, encoded); err != nil {
		return nil, err
	}
	return record, nil
}

// List returns the journal records within the supplied inclusive timestamp
// range, ordered by creation time then identifier. Zero bounds are open.
func (j *Journal) List(startTs, endTs int64) ([]*JournalRecord, error) {
	if j == nil {
		return nil, fmt.Errorf("journal not initialised")
	}
	var raw [][]byte
	if err := j.store.KVGetList(journalIndexKey, &raw); err != nil {
		return nil, err
	}
	entries := make([]journalIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry journalIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		createdAt := int64(entry.CreatedAt)
		if startTs != 0 && createdAt < startTs {
			continue
		}
		if endTs != 0 && createdAt > endTs {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, k int) bool {
		if entries[i].CreatedAt == entries[k].CreatedAt {
			return entries[i].ID < entries[k].ID
		}
		return entries[i].CreatedAt < entries[k].CreatedAt
	})
	records := make([]*JournalRecord, 0, len(entries))
	for _, entry := range entries {
		var stored storedJournalRecord
		ok, err := j.store.KVGet(journalKey(entry.ID), &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, &JournalRecord{
			ID:            stored.ID,
			Kind:          stored.Kind,
			ParticipantID: stored.ParticipantID,
			Asset:         stored.Asset,
			Amount:        copyBigInt(stored.Amount),
			CreatedAt:     int64(stored.CreatedAt),
		})
	}
	return records, nil
}

func journalKey(id string) []byte {
	trimmed := strings.TrimSpace(id)
	buf := make([]byte, len(journalPrefix)+len(trimmed))
	copy(buf, journalPrefix)
	copy(buf[len(journalPrefix):], trimmed)
	return buf
}
