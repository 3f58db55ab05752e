package frontier

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Item records are versioned and length-prefixed:
//
//	[version:1][uri][via][pathFromSeed][classKey]
//	[priority:uvarint][cost:uvarint][ordinal:uvarint][attempts:uvarint]
//	[attrCount:uvarint]{[key][value]}...
//
// where every string is [len:uvarint][bytes]. Attributes are written in key order
// so equal items encode identically.
const itemCodecV1 byte = 1

// ErrBadRecord reports an item record that cannot be decoded.
var ErrBadRecord = errors.New("frontier: bad item record")

// MarshalBinary encodes the item for storage. HolderKey is not stored; it is the
// key the record lives under.
func (u CrawlURI) MarshalBinary() ([]byte, error) {
	if u.Priority < 0 || u.Cost < 0 || u.Attempts < 0 {
		return nil, fmt.Errorf("%w: negative field", ErrBadRecord)
	}
	buf := make([]byte, 0, 64+len(u.URI)+len(u.Via)+len(u.PathFromSeed)+len(u.ClassKey))
	buf = append(buf, itemCodecV1)
	buf = appendString(buf, u.URI)
	buf = appendString(buf, u.Via)
	buf = appendString(buf, u.PathFromSeed)
	buf = appendString(buf, u.ClassKey)
	buf = binary.AppendUvarint(buf, uint64(u.Priority))
	buf = binary.AppendUvarint(buf, uint64(u.Cost))
	buf = binary.AppendUvarint(buf, u.Ordinal)
	buf = binary.AppendUvarint(buf, uint64(u.Attempts))

	keys := make([]string, 0, len(u.Attributes))
	for k := range u.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	buf = binary.AppendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, u.Attributes[k])
	}
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (u *CrawlURI) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrBadRecord)
	}
	if data[0] != itemCodecV1 {
		return fmt.Errorf("%w: version %d", ErrBadRecord, data[0])
	}
	r := reader{buf: data[1:]}
	var out CrawlURI
	out.URI = r.str()
	out.Via = r.str()
	out.PathFromSeed = r.str()
	out.ClassKey = r.str()
	out.Priority = int(r.uvarint())
	out.Cost = int(r.uvarint())
	out.Ordinal = r.uvarint()
	out.Attempts = int(r.uvarint())
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: attribute count %d", ErrBadRecord, n)
	}
	if n > 0 && r.err == nil {
		out.Attributes = make(map[string]string, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			k := r.str()
			out.Attributes[k] = r.str()
		}
	}
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, len(r.buf))
	}
	*u = out
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = fmt.Errorf("%w: truncated varint", ErrBadRecord)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: string length %d", ErrBadRecord, n)
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

// queueMeta is the persisted form of a WorkQueue.
type queueMeta struct {
	Count            int64        `json:"count"`
	SessionBudget    int64        `json:"session_budget"`
	SessionBalance   int64        `json:"session_balance"`
	TotalBudget      int64        `json:"total_budget"`
	TotalExpenditure int64        `json:"total_expenditure"`
	LastCost         int64        `json:"last_cost"`
	CostCount        int64        `json:"cost_count"`
	WakeTimeMs       int64        `json:"wake_time_ms,omitempty"`
	State            State        `json:"state"`
	Retired          RetireReason `json:"retired,omitempty"`
	StateSeq         uint64       `json:"state_seq"`
	LastOrdinal      uint64       `json:"last_ordinal"`
	LastQueued       string       `json:"last_queued,omitempty"`
	LastPeeked       string       `json:"last_peeked,omitempty"`
}

func encodeMeta(m queueMeta) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode queue state: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte) (queueMeta, error) {
	var m queueMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return queueMeta{}, fmt.Errorf("decode queue state: %w", err)
	}
	return m, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
