package storage

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB backs KV with goleveldb, the same store the bridge node keeps
// its txo index in.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if needed) a leveldb at the given path.
func OpenLevelDB(path string) (*LevelDB, error) {
	o := opt.Options{CompactionTableSizeMultiplier: 8}
	db, err := leveldb.OpenFile(path, &o)
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			return nil, errors.Wrap(ErrCorruption, err.Error())
		}
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			return nil, errors.Wrap(ErrCorruption, err.Error())
		}
		return nil, err
	}
	return v, nil
}

func (l *LevelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) Batch(ops []Op) error {
	var batch leveldb.Batch
	for _, op := range ops {
		if op.Value == nil {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}
	return l.db.Write(&batch, nil)
}

func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		// iterator buffers are reused; hand out copies
		k := append([]byte{}, iter.Key()...)
		v := append([]byte{}, iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		if ldberrors.IsCorrupted(err) {
			return errors.Wrap(ErrCorruption, err.Error())
		}
		return err
	}
	return nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
