package bcache

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goose-lang/std"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-bcache/common"
)

// testDriver keeps sectors in a map. With async set, transfers run on
// their own goroutine; with gate set they also wait for a token.
type testDriver struct {
	mu     sync.Mutex
	blocks map[common.Bnum][]byte
	nsect  common.Bnum
	async  bool
	gate   chan struct{}
	nread  int
	nwrite int
}

func mkTestDriver(nsect common.Bnum, async bool) *testDriver {
	return &testDriver{
		blocks: make(map[common.Bnum][]byte),
		nsect:  nsect,
		async:  async,
	}
}

func (d *testDriver) Strategy(minor uint16, b *Buf) {
	bn := b.Blkno()
	if bn >= d.nsect {
		b.IODone(common.ErrIO)
		return
	}
	write := b.IsWrite()
	xfer := func() {
		if d.gate != nil {
			<-d.gate
		}
		d.mu.Lock()
		if write {
			d.blocks[bn] = append([]byte(nil), b.Data...)
			d.nwrite++
		} else {
			blk, ok := d.blocks[bn]
			if !ok {
				blk = make([]byte, common.BlockSize)
			}
			copy(b.Data, blk)
			d.nread++
		}
		d.mu.Unlock()
		b.IODone(nil)
	}
	if d.async {
		go xfer()
	} else {
		xfer()
	}
}

func (d *testDriver) block(bn common.Bnum) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	blk, ok := d.blocks[bn]
	if !ok {
		return make([]byte, common.BlockSize)
	}
	return append([]byte(nil), blk...)
}

func (d *testDriver) reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nread
}

func mkdata(b byte) []byte {
	data := make([]byte, common.BlockSize)
	for i := range data {
		data[i] = b + byte(i%7)
	}
	return data
}

var dev0 = common.MkDev(0, 0)

type CacheSuite struct {
	suite.Suite
	drv *testDriver
	bc  *Bcache
}

func (s *CacheSuite) SetupTest() {
	s.drv = mkTestDriver(1000, true)
	s.bc = MkBcache(8, 5, []Driver{s.drv})
}

func (s *CacheSuite) TearDownTest() {
	s.bc.CheckInvariants()
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) TestReadOutOfRange() {
	b, err := s.bc.Bread(dev0, 60000)
	s.Require().Error(err)
	s.ErrorIs(err, common.ErrIO)
	s.True(b.Error())
	s.False(b.Valid())
	s.bc.Brelse(b)
	// an invalid buffer goes to the front of the free list
	s.Equal(b.idx, s.bc.free.Front())
}

func (s *CacheSuite) TestHelloWorld() {
	msg := []byte("Hello World")
	b, err := s.bc.Bread(dev0, 0)
	s.Require().NoError(err)
	copy(b.Data, msg)
	s.Require().NoError(s.bc.Bwrite(b, true))
	s.True(b.Written())
	s.bc.Brelse(b)

	s.Equal(msg, s.drv.block(0)[:len(msg)])

	// force a device read
	s.bc.Binval(dev0)
	b, err = s.bc.Bread(dev0, 0)
	s.Require().NoError(err)
	s.Equal(msg, b.Data[:len(msg)])
	s.bc.Brelse(b)
}

func (s *CacheSuite) TestCacheIdentity() {
	b1, err := s.bc.Bread(dev0, 3)
	s.Require().NoError(err)
	copy(b1.Data, mkdata(9))
	s.bc.Brelse(b1)
	nread := s.drv.reads()

	b2, err := s.bc.Bread(dev0, 3)
	s.Require().NoError(err)
	s.Same(b1, b2)
	s.True(std.BytesEqual(mkdata(9), b2.Data))
	s.Equal(nread, s.drv.reads())
	s.bc.Brelse(b2)
}

func (s *CacheSuite) TestRoundTrip() {
	for bn := common.Bnum(0); bn < 20; bn++ {
		b, err := s.bc.Bread(dev0, bn)
		s.Require().NoError(err)
		copy(b.Data, mkdata(byte(bn)))
		s.Require().NoError(s.bc.Bwrite(b, true))
		s.bc.Brelse(b)
	}
	for bn := common.Bnum(0); bn < 20; bn++ {
		b, err := s.bc.Bread(dev0, bn)
		s.Require().NoError(err)
		s.True(std.BytesEqual(mkdata(byte(bn)), b.Data), "block %d", bn)
		s.bc.Brelse(b)
	}
}

func (s *CacheSuite) TestDelayedWriteBeforeReuse() {
	b, err := s.bc.Bread(dev0, 1)
	s.Require().NoError(err)
	copy(b.Data, mkdata(42))
	s.Require().NoError(s.bc.Bwrite(b, false))
	s.True(b.Dwrite())
	s.bc.Brelse(b)
	s.True(b.InFreeList())

	// cycle enough blocks through the cache to reclaim block 1
	for bn := common.Bnum(100); bn < 100+common.Bnum(s.bc.Nbuf())+1; bn++ {
		x, err := s.bc.Bread(dev0, bn)
		s.Require().NoError(err)
		s.bc.Brelse(x)
		s.bc.CheckInvariants()
	}
	s.Equal(uint64(1), s.bc.Counter("flush-on-reuse"))

	// waits for the flush if it is still in flight
	b, err = s.bc.Bread(dev0, 1)
	s.Require().NoError(err)
	s.True(std.BytesEqual(mkdata(42), b.Data))
	s.bc.Brelse(b)
	s.True(std.BytesEqual(mkdata(42), s.drv.block(1)))
}

func (s *CacheSuite) TestBflush() {
	for bn := common.Bnum(10); bn < 14; bn++ {
		b, err := s.bc.Bread(dev0, bn)
		s.Require().NoError(err)
		copy(b.Data, mkdata(byte(bn)))
		s.Require().NoError(s.bc.Bwrite(b, false))
		s.bc.Brelse(b)
	}
	s.Require().NoError(s.bc.Bflush(dev0))
	for bn := common.Bnum(10); bn < 14; bn++ {
		s.True(std.BytesEqual(mkdata(byte(bn)), s.drv.block(bn)))
	}
	b, err := s.bc.Bread(dev0, 10)
	s.Require().NoError(err)
	s.False(b.Dwrite())
	s.bc.Brelse(b)
}

func (s *CacheSuite) TestNoFreeBuffersBlocks() {
	held := []*Buf{}
	for bn := common.Bnum(0); bn < common.Bnum(s.bc.Nbuf()); bn++ {
		b, err := s.bc.Bread(dev0, bn)
		s.Require().NoError(err)
		held = append(held, b)
	}
	done := make(chan *Buf)
	go func() {
		b, _ := s.bc.Bread(dev0, 500)
		done <- b
	}()
	s.Eventually(func() bool {
		return s.bc.Waiting(WaitNoFree) == 1
	}, 2*time.Second, time.Millisecond)
	select {
	case <-done:
		s.FailNow("Bread returned with no free buffers")
	case <-time.After(20 * time.Millisecond):
	}

	s.bc.Brelse(held[0])
	b := <-done
	s.Equal(common.Bnum(500), b.Blkno())
	s.bc.Brelse(b)
	for _, h := range held[1:] {
		s.bc.Brelse(h)
	}
}

func (s *CacheSuite) TestBusyBufferBlocks() {
	b, err := s.bc.Bread(dev0, 7)
	s.Require().NoError(err)
	done := make(chan *Buf)
	go func() {
		b2, _ := s.bc.Bread(dev0, 7)
		done <- b2
	}()
	s.Eventually(func() bool {
		return s.bc.Waiting(WaitBusy) == 1
	}, 2*time.Second, time.Millisecond)
	s.bc.Brelse(b)
	b2 := <-done
	s.Same(b, b2)
	s.bc.Brelse(b2)
}

func (s *CacheSuite) TestReadahead() {
	b, err := s.bc.Breada(dev0, 30, 31)
	s.Require().NoError(err)
	s.True(b.Valid())
	s.bc.Brelse(b)
	s.Equal(uint64(1), s.bc.Counter("readahead"))

	// once the prefetch lands, block 31 is a cache hit
	s.Eventually(func() bool {
		s.bc.mu.Lock()
		defer s.bc.mu.Unlock()
		rb := s.bc.lookup(dev0, 31)
		return rb != nil && rb.flags&bValid != 0 && rb.flags&bInFree != 0
	}, 2*time.Second, time.Millisecond)
	nread := s.drv.reads()
	rb, err := s.bc.Bread(dev0, 31)
	s.Require().NoError(err)
	s.Equal(nread, s.drv.reads())
	s.bc.Brelse(rb)
}

func (s *CacheSuite) TestAtMostOneHolder() {
	const nthread = 8
	const niter = 200
	var holders int32
	var wg sync.WaitGroup
	for i := 0; i < nthread; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < niter; j++ {
				bn := common.Bnum(j % 3)
				b, err := s.bc.Bread(dev0, bn)
				if !assert.NoError(s.T(), err) {
					return
				}
				if bn == 0 {
					n := atomic.AddInt32(&holders, 1)
					assert.Equal(s.T(), int32(1), n)
					atomic.AddInt32(&holders, -1)
				}
				s.bc.Brelse(b)
			}
		}(i)
	}
	wg.Wait()
}

func (s *CacheSuite) TestMisusePanics() {
	b, err := s.bc.Bread(dev0, 2)
	s.Require().NoError(err)
	s.bc.Brelse(b)
	s.Panics(func() { s.bc.Brelse(b) })
	s.Panics(func() { s.bc.Bwrite(b, true) })
	s.Panics(func() { b.IODone(nil) })
}

func TestSyncDriver(t *testing.T) {
	drv := mkTestDriver(100, false)
	bc := MkBcache(2, 1, []Driver{drv})
	b, err := bc.Bread(dev0, 5)
	require.NoError(t, err)
	copy(b.Data, mkdata(5))
	require.NoError(t, bc.Bwrite(b, false))
	bc.Brelse(b)
	for bn := common.Bnum(0); bn < 4; bn++ {
		x, err := bc.Bread(dev0, bn)
		require.NoError(t, err)
		bc.Brelse(x)
	}
	assert.True(t, std.BytesEqual(mkdata(5), drv.block(5)))
	bc.CheckInvariants()
}

func TestNoDriver(t *testing.T) {
	bc := MkBcache(2, 1, nil)
	b, err := bc.Bread(common.MkDev(3, 0), 0)
	assert.ErrorIs(t, err, common.ErrNoDev)
	bc.Brelse(b)
	bc.CheckInvariants()
}

func TestWriteErrorInvalidates(t *testing.T) {
	drv := mkTestDriver(10, true)
	bc := MkBcache(4, 3, []Driver{drv})
	b, err := bc.Bread(dev0, 2)
	require.NoError(t, err)
	// rebind to a sector the device does not have
	bc.mu.Lock()
	bc.rebind(b, dev0, 20)
	b.flags |= bValid
	bc.mu.Unlock()
	err = bc.Bwrite(b, true)
	assert.ErrorIs(t, err, common.ErrIO)
	assert.False(t, b.Valid())
	assert.False(t, b.Written())
	bc.Brelse(b)
	bc.CheckInvariants()
}

func TestStatsOutput(t *testing.T) {
	drv := mkTestDriver(10, false)
	bc := MkBcache(4, 3, []Driver{drv})
	b, err := bc.Bread(dev0, 1)
	require.NoError(t, err)
	bc.Brelse(b)
	b, err = bc.Bread(dev0, 1)
	require.NoError(t, err)
	bc.Brelse(b)
	assert.Equal(t, uint64(1), bc.Counter("hit"))
	assert.Equal(t, uint64(1), bc.Counter("miss"))
	var sb strings.Builder
	bc.WriteStats(&sb)
	assert.Contains(t, sb.String(), "Bread")
	bc.ResetStats()
	assert.Equal(t, uint64(0), bc.Counter("hit"))
}
