package slice_test

import (
	"os"

	"github.com/carriercomm/metis/internal/cmn"
	"github.com/carriercomm/metis/internal/slice"
	"github.com/carriercomm/metis/internal/wire"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func mustTempDir() string {
	dir, err := os.MkdirTemp("", "metis-slice-")
	Expect(err).NotTo(HaveOccurred())
	return dir
}

func header(level, subLevel uint8, itemKey uint64, modTime uint32, size uint32) *cmn.ItemHeader {
	return &cmn.ItemHeader{
		Level:    level,
		SubLevel: subLevel,
		ItemKey:  itemKey,
		TimeTag:  cmn.TimeTag{ModTime: modTime, Op: 1},
		Size:     size,
	}
}

var _ = Describe("slice.Manager", func() {
	var dir string

	BeforeEach(func() {
		dir = mustTempDir()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	// spec §8 scenario 1: two writes with a tiny max_slice_size each land
	// in their own slice, and the second item reads back exactly as
	// written.
	Context("add then get (scenario 1)", func() {
		It("allocates a fresh slice per write once the configured size is exceeded, and reads back what was written", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 10, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			h1 := header(1, 0, 100, 1000, 4)
			ptr1, err := m.Add(h1, []byte("aaaa"))
			Expect(err).NotTo(HaveOccurred())

			h2 := header(1, 0, 101, 1001, 5)
			ptr2, err := m.Add(h2, []byte("bbbbb"))
			Expect(err).NotTo(HaveOccurred())

			Expect(ptr1.SliceID).NotTo(Equal(ptr2.SliceID), "each oversized write should have allocated its own slice")
			Expect(m.SliceIDs()).To(HaveLen(2))

			raw, got, err := m.Get(ptr2, h2.Size, 1, 0, 101)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ItemKey).To(Equal(uint64(101)))
			Expect(got.Size).To(Equal(uint32(5)))
			Expect(raw[wire.ItemHeaderWireLen:]).To(Equal([]byte("bbbbb")))
		})

		It("refuses a get for the wrong key triple at a valid pointer", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			h := header(1, 0, 100, 1000, 4)
			ptr, err := m.Add(h, []byte("aaaa"))
			Expect(err).NotTo(HaveOccurred())

			_, _, err = m.Get(ptr, h.Size, 1, 0, 999)
			Expect(err).To(MatchError(cmn.ErrNotFound))
		})

		It("refuses a get for a tombstoned item", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			h := header(1, 0, 100, 1000, 0)
			h.Status = cmn.StatusDeleted
			ptr, err := m.Add(h, nil)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = m.Get(ptr, h.Size, 1, 0, 100)
			Expect(err).To(MatchError(cmn.ErrNotFound))
		})
	})

	// spec §8 scenario 2: a live item plus a tombstone land in the same
	// slice (a large max_slice_size here, so both fit together — see
	// DESIGN.md for why this test checks invariants rather than the
	// spec's literal byte counts, which were measured against a
	// C++ struct layout this repository does not share), then deleting
	// the index file and reopening must rebuild it from the data file.
	Context("rebuild from data after index loss (scenario 2)", func() {
		It("reconstructs an index with one record per data-file item, in order, after the index file is deleted", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())

			hLive := header(1, 0, 200, 2000, 4)
			ptrLive, err := m.Add(hLive, []byte("live"))
			Expect(err).NotTo(HaveOccurred())

			hDead := header(1, 0, 200, 2001, 0)
			hDead.Status = cmn.StatusDeleted
			_, err = m.Add(hDead, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(ptrLive.SliceID).To(Equal(uint32(0)), "both records must land in the same slice for this scenario")
			Expect(m.Close()).To(Succeed())

			indexPath := dir + "/index/0"
			Expect(os.Remove(indexPath)).To(Succeed())

			m2, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m2.Close()

			framed, _, _, ok, err := m2.LoadIndex(0, 0, 4096)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			payload, finished, err := wire.UnframeChunk(framed)
			Expect(err).NotTo(HaveOccurred())
			Expect(finished).To(BeTrue(), "the whole rebuilt index fits in one chunk here")
			Expect(len(payload) % wire.IndexRecordWireLen).To(Equal(0))
			Expect(len(payload) / wire.IndexRecordWireLen).To(Equal(2), "one index record per item written to data, live and tombstoned alike")

			firstPtr, firstHeader, err := wire.DecodeIndexRecord(payload[:wire.IndexRecordWireLen])
			Expect(err).NotTo(HaveOccurred())
			Expect(firstPtr).To(Equal(ptrLive))
			Expect(firstHeader.IsDeleted()).To(BeFalse())
			Expect(firstHeader.ItemKey).To(Equal(uint64(200)))

			secondPtr, secondHeader, err := wire.DecodeIndexRecord(payload[wire.IndexRecordWireLen:])
			Expect(err).NotTo(HaveOccurred())
			Expect(secondPtr.SliceID).To(Equal(ptrLive.SliceID))
			Expect(secondHeader.IsDeleted()).To(BeTrue())
			Expect(secondHeader.ItemKey).To(Equal(uint64(200)))

			raw, got, err := m2.Get(firstPtr, firstHeader.Size, 1, 0, 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ItemKey).To(Equal(uint64(200)))
			Expect(raw[wire.ItemHeaderWireLen:]).To(Equal([]byte("live")))
		})
	})

	Context("LoadIndex", func() {
		It("is idempotent: repeated calls with the same (slice_id, seek) return byte-identical framed chunks", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			h := header(1, 0, 300, 3000, 3)
			_, err = m.Add(h, []byte("xyz"))
			Expect(err).NotTo(HaveOccurred())

			a, _, _, ok1, err1 := m.LoadIndex(0, 0, 4096)
			Expect(err1).NotTo(HaveOccurred())
			Expect(ok1).To(BeTrue())

			b, _, _, ok2, err2 := m.LoadIndex(0, 0, 4096)
			Expect(err2).NotTo(HaveOccurred())
			Expect(ok2).To(BeTrue())

			Expect(a).To(Equal(b))
		})

		It("reports no more data once every slice's records have been consumed", func() {
			m, err := slice.Open(slice.Options{Dir: dir, MaxSliceSize: 1 << 20, MinDiskFree: 0})
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			h := header(1, 0, 400, 4000, 1)
			_, err = m.Add(h, []byte("z"))
			Expect(err).NotTo(HaveOccurred())

			framed, nextSlice, nextSeek, ok, err := m.LoadIndex(0, 0, 4096)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			_, finished, err := wire.UnframeChunk(framed)
			Expect(err).NotTo(HaveOccurred())
			Expect(finished).To(BeTrue())

			_, _, _, ok2, err2 := m.LoadIndex(nextSlice, nextSeek, 4096)
			Expect(err2).NotTo(HaveOccurred())
			Expect(ok2).To(BeFalse())
		})
	})
})
