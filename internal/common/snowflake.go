package common

import (
	"errors"
	"sync"
	"time"
)

const (
	snowflakeEpoch    int64 = 1672531200000 // 2023-01-01T00:00:00Z in ms
	snowflakeNodeBits       = 10
	snowflakeSeqBits        = 12
	snowflakeMaxNode        = -1 ^ (-1 << snowflakeNodeBits)
	snowflakeSeqMask        = -1 ^ (-1 << snowflakeSeqBits)
)

// Snowflake produces positive, roughly time-ordered int64 ids:
// 41 bits of milliseconds since snowflakeEpoch, 10 bits of node, 12 bits of sequence.
type Snowflake struct {
	mu     sync.Mutex
	node   int64
	lastMs int64
	seq    int64
	now    func() time.Time
}

func NewSnowflake(node int64) (*Snowflake, error) {
	if node < 0 || node > snowflakeMaxNode {
		return nil, errors.New("snowflake: node out of range")
	}
	return &Snowflake{node: node, now: time.Now}, nil
}

func (s *Snowflake) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms < s.lastMs {
		// clock moved backwards; keep issuing from the last timestamp
		ms = s.lastMs
	}
	if ms == s.lastMs {
		s.seq = (s.seq + 1) & snowflakeSeqMask
		if s.seq == 0 {
			// sequence exhausted for this millisecond
			for ms <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = s.now().UnixMilli()
			}
		}
	} else {
		s.seq = 0
	}
	s.lastMs = ms

	return (ms-snowflakeEpoch)<<(snowflakeNodeBits+snowflakeSeqBits) |
		s.node<<snowflakeSeqBits |
		s.seq
}
