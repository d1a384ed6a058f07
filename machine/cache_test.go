package machine

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var (
		arena *Arena
		clock *VirtualClock
		c     *cache
	)

	BeforeEach(func() {
		arena = NewArena(1 << 20)
		clock = NewVirtualClock()
	})

	Context("write-back mode", func() {
		BeforeEach(func() {
			c = newCache(CacheWriteBack, 16, arena, clock)
		})

		It("should keep CPU writes out of memory until flushed", func() {
			err := c.cpuWrite(0x100, []byte{0xAA, 0xBB})
			Expect(err).To(BeNil())

			mem, err := arena.Read(0x100, 2)
			Expect(err).To(BeNil())
			Expect(mem).To(Equal([]byte{0x00, 0x00}))

			err = c.flushRegion(0x100, 2)
			Expect(err).To(BeNil())

			mem, err = arena.Read(0x100, 2)
			Expect(err).To(BeNil())
			Expect(mem).To(Equal([]byte{0xAA, 0xBB}))
		})

		It("should serve stale lines after memory changes underneath", func() {
			_, err := c.cpuRead(0x200, 4)
			Expect(err).To(BeNil())

			err = arena.Write(0x200, []byte{1, 2, 3, 4})
			Expect(err).To(BeNil())

			got, err := c.cpuRead(0x200, 4)
			Expect(err).To(BeNil())
			Expect(got).To(Equal([]byte{0, 0, 0, 0}))
		})

		It("should see fresh memory after a snoop invalidation", func() {
			_, err := c.cpuRead(0x200, 4)
			Expect(err).To(BeNil())

			err = arena.Write(0x200, []byte{1, 2, 3, 4})
			Expect(err).To(BeNil())

			c.snoopInvalidate(0x200, 4)

			got, err := c.cpuRead(0x200, 4)
			Expect(err).To(BeNil())
			Expect(got).To(Equal([]byte{1, 2, 3, 4}))
		})

		It("should write back every dirty line on a full flush", func() {
			Expect(c.cpuWrite(0x000, []byte{0x11})).To(Succeed())
			Expect(c.cpuWrite(0x400, []byte{0x22})).To(Succeed())

			Expect(c.flushAll()).To(Succeed())

			mem, err := arena.Read(0x000, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x11)))

			mem, err = arena.Read(0x400, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0x22)))

			Expect(c.lines).To(BeEmpty())
		})

		It("should handle reads spanning line boundaries", func() {
			data := make([]byte, 40)
			for i := range data {
				data[i] = byte(i)
			}
			Expect(arena.Write(0x1F8, data)).To(Succeed())

			got, err := c.cpuRead(0x1F8, 40)
			Expect(err).To(BeNil())
			Expect(got).To(Equal(data))
		})
	})

	Context("write-through mode", func() {
		BeforeEach(func() {
			c = newCache(CacheWriteThrough, 16, arena, clock)
		})

		It("should update memory on every CPU write", func() {
			err := c.cpuWrite(0x100, []byte{0xCC})
			Expect(err).To(BeNil())

			mem, err := arena.Read(0x100, 1)
			Expect(err).To(BeNil())
			Expect(mem[0]).To(Equal(byte(0xCC)))
		})
	})

	Context("disabled mode", func() {
		BeforeEach(func() {
			c = newCache(CacheDisabled, 16, arena, clock)
		})

		It("should always observe memory directly", func() {
			Expect(arena.Write(0x80, []byte{0x5A})).To(Succeed())

			got, err := c.cpuRead(0x80, 1)
			Expect(err).To(BeNil())
			Expect(got[0]).To(Equal(byte(0x5A)))

			Expect(arena.Write(0x80, []byte{0xA5})).To(Succeed())

			got, err = c.cpuRead(0x80, 1)
			Expect(err).To(BeNil())
			Expect(got[0]).To(Equal(byte(0xA5)))
		})
	})

	It("should count spanned lines including partial ones", func() {
		Expect(linesSpanned(0, 16, 16)).To(Equal(uint64(1)))
		Expect(linesSpanned(8, 16, 16)).To(Equal(uint64(2)))
		Expect(linesSpanned(0, 17, 16)).To(Equal(uint64(2)))
		Expect(linesSpanned(15, 2, 16)).To(Equal(uint64(2)))
		Expect(linesSpanned(0, 0, 16)).To(Equal(uint64(0)))
	})
})
