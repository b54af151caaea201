package storage

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blockberries/stakeberry/types"
)

// Key prefixes
var (
	blockPrefix     = []byte("b")
	validatorPrefix = []byte("v")
	evidencePrefix  = []byte("e")
	slashingPrefix  = []byte("s")
	finalizedKey    = []byte("finalized")
)

var syncWrite = &opt.WriteOptions{Sync: true}

// LevelDB is a Storage backed by goleveldb. Values are RLP encoded and
// snappy compressed.
type LevelDB struct {
	db   *leveldb.DB
	path string

	finalizedMu sync.Mutex
}

var _ Storage = (*LevelDB)(nil)

// OpenLevelDB opens or creates a database in path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity:     16 * opt.MiB,
		WriteBuffer:            8 * opt.MiB,
		OpenFilesCacheCapacity: 64,
	})
	if err != nil {
		return nil, errors.Wrapf(types.ErrStorage, "open %s: %v", path, err)
	}
	log.WithField("path", path).Info("Opened database")
	return &LevelDB{db: db, path: path}, nil
}

// NewMemLevelDB returns a database kept in memory.
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrapf(types.ErrStorage, "open in-memory database: %v", err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) get(key []byte, v interface{}) error {
	data, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(types.ErrStorage, "get: %v", err)
	}
	return decodeValue(data, v)
}

func (l *LevelDB) put(key []byte, v interface{}, wo *opt.WriteOptions) error {
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	if err := l.db.Put(key, data, wo); err != nil {
		return errors.Wrapf(types.ErrStorage, "put: %v", err)
	}
	return nil
}

// iterate decodes every value under prefix with decode.
func (l *LevelDB) iterate(prefix []byte, decode func([]byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := decode(it.Value()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrapf(types.ErrStorage, "iterate: %v", err)
	}
	return nil
}

// LoadBlock returns the block with hash.
func (l *LevelDB) LoadBlock(hash types.Hash) (*types.BlockProposal, error) {
	p := new(types.BlockProposal)
	if err := l.get(key(blockPrefix, hash[:]), p); err != nil {
		return nil, err
	}
	return p, nil
}

// StoreBlock stores p under its hash.
func (l *LevelDB) StoreBlock(p *types.BlockProposal) error {
	h := p.Hash()
	return l.put(key(blockPrefix, h[:]), p, nil)
}

// LoadValidatorSet returns the validator set stored for epoch.
func (l *LevelDB) LoadValidatorSet(epoch types.Epoch) ([]*types.Validator, error) {
	var recs []validatorRecord
	if err := l.get(key(validatorPrefix, epochKey(epoch)), &recs); err != nil {
		return nil, err
	}
	vals := make([]*types.Validator, len(recs))
	for i, r := range recs {
		vals[i] = r.validator()
	}
	return vals, nil
}

// StoreValidatorSet stores the validator set of epoch.
func (l *LevelDB) StoreValidatorSet(epoch types.Epoch, vals []*types.Validator) error {
	recs := make([]validatorRecord, len(vals))
	for i, v := range vals {
		recs[i] = toValidatorRecord(v)
	}
	return l.put(key(validatorPrefix, epochKey(epoch)), recs, nil)
}

// PersistFinalized records cp as the latest finalized checkpoint. The
// stored checkpoint never moves back: an older epoch, or another root at
// the same epoch, is refused.
func (l *LevelDB) PersistFinalized(cp types.Checkpoint) error {
	l.finalizedMu.Lock()
	defer l.finalizedMu.Unlock()

	cur, err := l.LoadFinalized()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case cp == cur:
		return nil
	case cp.Epoch <= cur.Epoch:
		return errors.Wrapf(types.ErrStorage, "finalized checkpoint %s cannot replace %s", cp, cur)
	}
	return l.put(finalizedKey, &cp, syncWrite)
}

// LoadFinalized returns the latest finalized checkpoint.
func (l *LevelDB) LoadFinalized() (types.Checkpoint, error) {
	var cp types.Checkpoint
	if err := l.get(finalizedKey, &cp); err != nil {
		return types.Checkpoint{}, err
	}
	return cp, nil
}

// PersistEvidence stores rec under its hash.
func (l *LevelDB) PersistEvidence(rec *types.EquivocationRecord) error {
	h := rec.Hash()
	return l.put(key(evidencePrefix, h[:]), rec, syncWrite)
}

// Evidence returns every stored record.
func (l *LevelDB) Evidence() ([]*types.EquivocationRecord, error) {
	var out []*types.EquivocationRecord
	err := l.iterate(evidencePrefix, func(data []byte) error {
		rec := new(types.EquivocationRecord)
		if err := decodeValue(data, rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PersistSlashing stores c keyed by offense epoch and validator.
func (l *LevelDB) PersistSlashing(c *types.SlashingCondition) error {
	rec := toSlashingRecord(c)
	return l.put(key(slashingPrefix, epochKey(c.Epoch), c.Validator[:]), &rec, syncWrite)
}

// Slashings returns every stored condition ordered by epoch, then
// validator.
func (l *LevelDB) Slashings() ([]*types.SlashingCondition, error) {
	var out []*types.SlashingCondition
	err := l.iterate(slashingPrefix, func(data []byte) error {
		var rec slashingRecord
		if err := decodeValue(data, &rec); err != nil {
			return err
		}
		out = append(out, rec.condition())
		return nil
	})
	return out, err
}

// Close closes the database.
func (l *LevelDB) Close() error {
	if err := l.db.Close(); err != nil {
		return errors.Wrapf(types.ErrStorage, "close: %v", err)
	}
	if l.path != "" {
		log.WithFields(logrus.Fields{"path": l.path}).Info("Closed database")
	}
	return nil
}

func key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func epochKey(epoch types.Epoch) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(epoch))
	return b[:]
}
