package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/crabdb/crabdb/diskmgr"
	"github.com/crabdb/crabdb/page"
)

type BufferPoolSuite struct {
	suite.Suite
	disk *diskmgr.BufferedDiskManager
	pool *BufferPool
}

func (s *BufferPoolSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "crabdb.dat")
	disk, err := diskmgr.NewBufferedDiskManager(path)
	s.Require().NoError(err)
	s.disk = disk
	s.pool = New(3, disk)
}

func (s *BufferPoolSuite) TearDownTest() {
	s.Require().NoError(s.disk.Close())
}

// invariantHolds checks the buffer-pool invariant from
// spec.md §8: sum(pin_counts) + |free_list| + |replacer| = N.
func (s *BufferPoolSuite) invariantHolds() {
	sumPins := 0
	for _, f := range s.pool.frames {
		sumPins += f.pinCount
	}
	total := sumPins + len(s.pool.freeList) + s.pool.replacer.Size()
	s.Equal(s.pool.Size(), total)
}

func (s *BufferPoolSuite) TestNewPageThenUnpinTracksInvariant() {
	frame, err := s.pool.NewPage()
	s.Require().NoError(err)
	s.invariantHolds()

	s.pool.Unpin(frame.pageID, false)
	s.invariantHolds()
}

func (s *BufferPoolSuite) TestFetchReusesResidentFrame() {
	frame, err := s.pool.NewPage()
	s.Require().NoError(err)
	pid := frame.pageID
	s.pool.Unpin(pid, true)

	f1, err := s.pool.Fetch(pid)
	s.Require().NoError(err)
	s.Equal(pid, f1.pageID)
	s.pool.Unpin(pid, false)
}

func (s *BufferPoolSuite) TestEvictionFlushesDirtyPage() {
	var pids []page.PageID
	for i := 0; i < 3; i++ {
		frame, err := s.pool.NewPage()
		s.Require().NoError(err)
		frame.data[0] = byte(i + 1)
		pids = append(pids, frame.pageID)
		s.pool.Unpin(frame.pageID, true)
	}
	// pool is full of unpinned, dirty pages; fetching a 4th page must evict pids[0].
	frame, err := s.pool.NewPage()
	s.Require().NoError(err)
	defer s.pool.Unpin(frame.pageID, false)

	var readBack [page.PageSize]byte
	s.Require().NoError(s.disk.ReadPage(pids[0], readBack[:]))
	s.Equal(byte(1), readBack[0])
}

func (s *BufferPoolSuite) TestPoolExhaustedWhenAllFramesPinned() {
	for i := 0; i < 3; i++ {
		_, err := s.pool.NewPage()
		s.Require().NoError(err)
	}
	_, err := s.pool.NewPage()
	s.Require().ErrorIs(err, ErrPoolExhausted)
}

func (s *BufferPoolSuite) TestUnpinOfNonResidentPagePanics() {
	s.Panics(func() {
		s.pool.Unpin(page.PageID(999), false)
	})
}

func (s *BufferPoolSuite) TestUnpinAtZeroPinCountPanics() {
	frame, err := s.pool.NewPage()
	s.Require().NoError(err)
	s.pool.Unpin(frame.pageID, false)

	s.Panics(func() {
		s.pool.Unpin(frame.pageID, false)
	})
}

func (s *BufferPoolSuite) TestDeletePageRefusesWhilePinned() {
	frame, err := s.pool.NewPage()
	s.Require().NoError(err)

	ok, err := s.pool.DeletePage(frame.pageID)
	s.Require().NoError(err)
	s.False(ok)

	s.pool.Unpin(frame.pageID, false)
	ok, err = s.pool.DeletePage(frame.pageID)
	s.Require().NoError(err)
	s.True(ok)
}

func TestBufferPoolSuite(t *testing.T) {
	suite.Run(t, new(BufferPoolSuite))
}

func TestNew_FrameTableConsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabdb.dat")
	disk, err := diskmgr.NewBufferedDiskManager(path)
	require.NoError(t, err)
	defer disk.Close()

	pool := New(2, disk)
	frame, err := pool.NewPage()
	require.NoError(t, err)

	frameID, ok := pool.pageTbl[frame.pageID]
	require.True(t, ok)
	require.Equal(t, frame.frameID, frameID)
	require.Equal(t, frame.pageID, pool.frames[frameID].pageID)
}
