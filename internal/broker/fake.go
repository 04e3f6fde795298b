package broker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic in-memory Broker used by internal/notes's tests.
// It is exported (rather than living in a _test.go file) so packages other
// than broker can import it; testify/mock can't express the ordering and
// atomicity guarantees the delay queue and sweeper depend on.
type Fake struct {
	mu sync.Mutex

	streams map[string][]Stream
	nextID  map[string]int64

	groups  map[string]map[string]string // stream -> group -> start id given at creation (only existence is checked)
	pending map[string]map[string]Stream // stream -> id -> entry, while unacked
	claimed map[string]map[string]time.Time

	sets   map[string]map[string]bool
	zsets  map[string]map[string]float64
	hashes map[string]map[string]string

	Pinged  bool
	PingErr error

	// XAddErr, when set, is returned by XAdd instead of succeeding. Used to
	// exercise the guaranteed-release path in delay queue drains.
	XAddErr error

	// XReadGroupErr, when set, is returned by XReadGroup instead of
	// succeeding. Used to simulate an unrecoverable broker disconnect.
	XReadGroupErr error

	// XAckErr, when set, is returned by XAck instead of succeeding.
	XAckErr error

	// HSetErr, when set, is returned by HSet instead of succeeding. Used to
	// simulate a failed retry-schedule enqueue.
	HSetErr error
}

// NewFake returns an empty Fake broker.
func NewFake() *Fake {
	return &Fake{
		streams: make(map[string][]Stream),
		nextID:  make(map[string]int64),
		groups:  make(map[string]map[string]string),
		pending: make(map[string]map[string]Stream),
		claimed: make(map[string]map[string]time.Time),
		sets:    make(map[string]map[string]bool),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
	}
}

func (f *Fake) Ping(ctx context.Context) error {
	f.Pinged = true
	return f.PingErr
}

func (f *Fake) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.XAddErr != nil {
		return "", f.XAddErr
	}

	f.nextID[stream]++
	id := idFor(f.nextID[stream])

	values := make(map[string]string, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	entry := Stream{ID: id, Values: values}
	f.streams[stream] = append(f.streams[stream], entry)

	if f.pending[stream] == nil {
		f.pending[stream] = make(map[string]Stream)
	}
	f.pending[stream][id] = entry

	return id, nil
}

func (f *Fake) XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.XReadGroupErr != nil {
		return nil, f.XReadGroupErr
	}

	pending := f.pending[stream]
	if pending == nil {
		return nil, nil
	}

	var out []Stream
	for _, entry := range f.streams[stream] {
		if _, stillPending := pending[entry.ID]; !stillPending {
			continue
		}
		if _, alreadyClaimed := f.claimed[stream][entry.ID]; alreadyClaimed {
			continue
		}
		out = append(out, entry)
		if f.claimed[stream] == nil {
			f.claimed[stream] = make(map[string]time.Time)
		}
		f.claimed[stream][entry.ID] = time.Now()
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

func (f *Fake) XAck(ctx context.Context, stream, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.XAckErr != nil {
		return f.XAckErr
	}

	delete(f.pending[stream], id)
	delete(f.claimed[stream], id)
	return nil
}

func (f *Fake) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string) ([]Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Stream
	now := time.Now()
	for id, entry := range f.pending[stream] {
		claimedAt, ok := f.claimed[stream][id]
		if ok && now.Sub(claimedAt) < minIdle {
			continue
		}
		out = append(out, entry)
		if f.claimed[stream] == nil {
			f.claimed[stream] = make(map[string]time.Time)
		}
		f.claimed[stream][id] = now
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BackdateClaim is a test-only helper that makes a pending entry look idle
// for at least the given duration, so XAutoClaim will reclaim it.
func (f *Fake) BackdateClaim(stream, id string, idle time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[stream] == nil {
		f.claimed[stream] = make(map[string]time.Time)
	}
	f.claimed[stream][id] = time.Now().Add(-idle)
}

func (f *Fake) XGroupCreate(ctx context.Context, stream, group, start string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.groups[stream] == nil {
		f.groups[stream] = make(map[string]string)
	}
	if _, exists := f.groups[stream][group]; exists {
		return ErrGroupExists
	}
	f.groups[stream][group] = start
	if f.pending[stream] == nil {
		f.pending[stream] = make(map[string]Stream)
	}
	return nil
}

func (f *Fake) XPending(ctx context.Context, stream, group string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.pending[stream])), nil
}

func (f *Fake) SIsMember(ctx context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key][member], nil
}

func (f *Fake) SAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	f.sets[key][member] = true
	return nil
}

func (f *Fake) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *Fake) HSet(ctx context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HSetErr != nil {
		return f.HSetErr
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *Fake) HMGet(ctx context.Context, key string, fields []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(fields))
	for i, field := range fields {
		out[i] = f.hashes[key][field]
	}
	return out, nil
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

func (f *Fake) PopDueRetries(ctx context.Context, zsetKey string, now float64, max int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type scored struct {
		member string
		score  float64
	}
	var due []scored
	for member, score := range f.zsets[zsetKey] {
		if score <= now {
			due = append(due, scored{member, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return due[i].member < due[j].member
	})

	if max > 0 && int64(len(due)) > max {
		due = due[:max]
	}

	out := make([]string, 0, len(due))
	for _, d := range due {
		out = append(out, d.member)
		delete(f.zsets[zsetKey], d.member)
	}
	return out, nil
}

func idFor(seq int64) string {
	return itoa(seq) + "-0"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
