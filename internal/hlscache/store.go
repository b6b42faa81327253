package hlscache

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Store is the persistence contract the cache manager relies on. Eviction
// and size bounds are the store's own business.
type Store interface {
	Get(key string) (Record, bool, error)
	Set(key string, rec Record) error
	RemoveAll() error
	Close() error
}

var errStoreClosed = errors.New("store closed")

// TieredStore keeps recently used records in memory in front of a leveldb
// database. Every Set goes to both tiers; RAM eviction simply drops.
type TieredStore struct {
	ram  *ramCache
	disk *diskCache
}

type TieredStoreOptions struct {
	Dir      string
	RAMMax   int64
	RAMItems int
	DiskMax  int64
	Logger   *zap.Logger
}

func OpenTieredStore(o TieredStoreOptions) (*TieredStore, error) {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	warn := newRateLimitedLogger(log, time.Minute)
	disk, err := newDiskCache(o.Dir, o.DiskMax, warn)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk cache %s", o.Dir)
	}
	return &TieredStore{
		ram:  newRAMCache(o.RAMMax, o.RAMItems, warn),
		disk: disk,
	}, nil
}

// storeDir is where the disk tier of a named cache lives.
func storeDir(dir, name string) string {
	return filepath.Join(dir, name)
}

func (t *TieredStore) Get(key string) (Record, bool, error) {
	if rec, ok := t.ram.Get(key); ok {
		return rec, true, nil
	}
	rec, ok, err := t.disk.Get(key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	t.ram.Put(key, rec)
	return rec, true, nil
}

func (t *TieredStore) Set(key string, rec Record) error {
	t.ram.Put(key, rec)
	return t.disk.PutAsync(key, rec)
}

func (t *TieredStore) RemoveAll() error {
	t.ram.Clear()
	return t.disk.Clear()
}

func (t *TieredStore) Close() error {
	return t.disk.close()
}

// Usage reports bytes held by each tier and the number of distinct keys.
func (t *TieredStore) Usage() (ramBytes, diskBytes int64, keys int) {
	ramKeys := t.ram.Keys()
	keys = t.disk.KeyCount()
	for _, k := range ramKeys {
		if !t.disk.HasKey(k) {
			keys++
		}
	}
	return t.ram.TotalSize(), t.disk.TotalSize(), keys
}

// ---- disk cache ----

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey string
	putRec *Record
	delKey string
	clear  chan error
}

type diskCache struct {
	maxBytes int64
	warn     *rateLimitedLogger

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	sendMu sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}
}

func newDiskCache(path string, maxBytes int64, warn *rateLimitedLogger) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		warn:     warn,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() error {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.sendMu.Unlock()

	<-d.done
	return d.db.Close()
}

func (d *diskCache) send(op diskOp) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return errStoreClosed
	}
	d.ops <- op
	return nil
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

func (d *diskCache) Get(key string) (Record, bool, error) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := decodeGob(b, &rec); err != nil {
		_ = d.send(diskOp{delKey: key})
		return Record{}, false, errors.Wrapf(err, "decode entry %s", key)
	}

	d.mu.Lock()
	_, exists := d.index[key]
	d.mu.Unlock()
	if exists {
		_ = d.send(diskOp{putKey: key}) // meta touch
	}
	return rec, true, nil
}

func (d *diskCache) PutAsync(key string, rec Record) error {
	clone := rec
	return d.send(diskOp{putKey: key, putRec: &clone})
}

// Clear runs behind every queued write, so records stored before the call
// never resurface after it.
func (d *diskCache) Clear() error {
	reply := make(chan error, 1)
	if err := d.send(diskOp{clear: reply}); err != nil {
		return err
	}
	return <-reply
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.clear != nil:
			op.clear <- d.applyClear()
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putRec)
		}
	}
}

// applyPutOrTouch updates the index only once the batch is on disk, so a
// failed write leaves the accounting untouched.
func (d *diskCache) applyPutOrTouch(key string, rec *Record) {
	now := time.Now().Unix()

	d.mu.Lock()
	meta, exists := d.index[key]
	d.mu.Unlock()

	batch := new(leveldb.Batch)

	if rec != nil {
		b, err := encodeGob(*rec)
		if err != nil {
			return
		}
		meta = diskMeta{Size: int64(len(b)), LastAccess: now}
		mb, _ := encodeGob(meta)
		batch.Put([]byte("e:"+key), b)
		batch.Put([]byte("m:"+key), mb)
		if err := d.db.Write(batch, nil); err != nil {
			d.warn.Warn("disk cache write failed", zap.Error(err))
			return
		}

		d.mu.Lock()
		d.totalSize += meta.Size - d.index[key].Size
		d.index[key] = meta
		over := d.maxBytes > 0 && d.totalSize > d.maxBytes
		d.mu.Unlock()

		if over {
			d.evict()
		}
		return
	}

	if !exists {
		return
	}
	meta.LastAccess = now
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return
	}
	d.mu.Lock()
	if cur, ok := d.index[key]; ok && cur.Size == meta.Size {
		d.index[key] = meta
	}
	d.mu.Unlock()
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

func (d *diskCache) applyClear() error {
	it := d.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan disk cache")
	}
	if err := d.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "clear disk cache")
	}

	d.mu.Lock()
	d.index = map[string]diskMeta{}
	d.totalSize = 0
	d.mu.Unlock()
	return nil
}

// evict drops the least recently used tenth of the entries until the cache
// fits again.
func (d *diskCache) evict() {
	type item struct {
		key string
		m   diskMeta
	}

	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < len(items); i++ {
		if i >= n && d.TotalSize() <= d.maxBytes {
			break
		}
		d.applyDelete(items[i].key)
	}
	d.warn.Warn("disk cache over capacity, evicted entries",
		zap.String("max", formatBytes(d.maxBytes)),
		zap.String("total", formatBytes(d.TotalSize())))
}

// ---- ram cache ----

type ramItem struct {
	key  string
	rec  Record
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64
	maxItems int
	warn     *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64, maxItems int, warn *rateLimitedLogger) *ramCache {
	return &ramCache{
		maxBytes: maxBytes,
		maxItems: maxItems,
		warn:     warn,
		items:    map[string]*ramItem{},
	}
}

func recordSize(rec Record) int64 {
	return int64(len(rec.Payload) + len(rec.SourceURL) + len(rec.ContentType))
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Record{}, false
	}
	c.moveToFront(it)
	return it.rec, true
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

func (c *ramCache) Put(key string, rec Record) {
	sz := recordSize(rec)
	if c.maxBytes > 0 && sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.rec = rec
		it.size = sz
		c.moveToFront(it)
		c.shrinkLocked(0, 0)
		return
	}

	c.shrinkLocked(sz, 1)
	it := &ramItem{key: key, rec: rec, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

// shrinkLocked evicts from the tail until extraBytes and extraItems fit.
func (c *ramCache) shrinkLocked(extraBytes int64, extraItems int) {
	evicted := 0
	for c.tail != nil {
		overBytes := c.maxBytes > 0 && c.total+extraBytes > c.maxBytes
		overItems := c.maxItems > 0 && len(c.items)+extraItems > c.maxItems
		if !overBytes && !overItems {
			break
		}
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		evicted++
	}
	if evicted > 0 {
		c.warn.Warn("RAM cache full, evicting", zap.Int("evicted", evicted))
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
