package segstore

import (
	"bytes"
	"math/rand"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("segments", func() {
	var subject *segments
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "segstore-segments-test")
		Expect(err).NotTo(HaveOccurred())
		subject, err = openSegments(dir, "", 64)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = subject.close()
		_ = os.RemoveAll(dir)
	})

	It("should create segment 0 on an empty directory", func() {
		Expect(subject.files).To(HaveLen(1))
		Expect(dirNames(dir)).To(Equal([]string{"store_0000.dat"}))
	})

	It("should append, rotate and read back", func() {
		rec := bytes.Repeat([]byte("x"), 40)

		segID, offset, err := subject.append(rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(segID).To(Equal(uint32(0)))
		Expect(offset).To(Equal(uint64(0)))

		// 80 > 64, the second append must trigger a rotation
		segID, offset, err = subject.append(rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(segID).To(Equal(uint32(0)))
		Expect(offset).To(Equal(uint64(40)))
		Expect(subject.files).To(HaveLen(2))

		segID, offset, err = subject.append(rec)
		Expect(err).NotTo(HaveOccurred())
		Expect(segID).To(Equal(uint32(1)))
		Expect(offset).To(Equal(uint64(0)))

		Expect(subject.read(0, 40, 40)).To(Equal(rec))
		Expect(subject.read(1, 0, 40)).To(Equal(rec))

		_, err = subject.read(7, 0, 40)
		Expect(err).To(HaveOccurred())
		_, err = subject.read(1, 30, 40) // out of bounds
		Expect(err).To(HaveOccurred())
	})

	It("should rediscover existing segments", func() {
		rec := bytes.Repeat([]byte("x"), 40)
		for i := 0; i < 3; i++ {
			_, _, err := subject.append(rec)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(subject.close()).To(Succeed())

		reopened, err := openSegments(dir, "", 64)
		Expect(err).NotTo(HaveOccurred())
		defer reopened.close()

		Expect(reopened.files).To(HaveLen(2))
		Expect(reopened.tail).To(Equal(int64(40)))
		Expect(reopened.read(1, 0, 40)).To(Equal(rec))
	})

	It("should refuse non-contiguous segments", func() {
		Expect(subject.close()).To(Succeed())
		Expect(os.Remove(subject.name(0))).To(Succeed())
		Expect(os.WriteFile(subject.name(1), nil, 0644)).To(Succeed())

		_, err := openSegments(dir, "", 64)
		Expect(err).To(MatchError(ErrCorrupted))
	})

	It("should keep generations apart", func() {
		other, err := openSegments(dir, copySuffix, 64)
		Expect(err).NotTo(HaveOccurred())
		defer other.close()

		_, _, err = other.append([]byte("copy"))
		Expect(err).NotTo(HaveOccurred())

		Expect(dirNames(dir)).To(Equal([]string{"store_0000.dat", "store_0000_copy.dat"}))
	})

	It("should parse segment names", func() {
		id, ok := parseSegmentName("store_0002.dat", "")
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(2))

		id, ok = parseSegmentName("store_0002_copy.dat", copySuffix)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(2))

		_, ok = parseSegmentName("store_0002_copy.dat", "")
		Expect(ok).To(BeFalse())
		_, ok = parseSegmentName("store_0002.dat", copySuffix)
		Expect(ok).To(BeFalse())
		_, ok = parseSegmentName("store.ind", "")
		Expect(ok).To(BeFalse())
		_, ok = parseSegmentName("other_0002.dat", "")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("value records", func() {
	It("should only keep snappy when it pays off", func() {
		compressable := bytes.Repeat([]byte("testdata"), 64)
		rec := packValue(compressable, SnappyCompression)
		Expect(len(rec)).To(BeNumerically("<", len(compressable)))
		Expect(rec[len(rec)-1]).To(Equal(byte(valueSnappy)))
		Expect(unpackValue(rec)).To(Equal(compressable))

		incompressable := seedBytes(512)
		rec = packValue(incompressable, SnappyCompression)
		Expect(rec).To(HaveLen(len(incompressable) + 1))
		Expect(rec[len(rec)-1]).To(Equal(byte(valuePlain)))
		Expect(unpackValue(rec)).To(Equal(incompressable))
	})

	It("should not compress when disabled", func() {
		compressable := bytes.Repeat([]byte("testdata"), 64)
		rec := packValue(compressable, NoCompression)
		Expect(rec).To(HaveLen(len(compressable) + 1))
		Expect(rec[len(rec)-1]).To(Equal(byte(valuePlain)))
	})

	It("should reject bad records", func() {
		_, err := unpackValue(nil)
		Expect(err).To(MatchError(ErrCorrupted))

		_, err = unpackValue([]byte{1, 2, 3, 99})
		Expect(err).To(MatchError(ErrCorrupted))
	})
})

// --------------------------------------------------------------------

func dirNames(dir string) []string {
	dirents, err := os.ReadDir(dir)
	Expect(err).NotTo(HaveOccurred())

	names := make([]string, 0, len(dirents))
	for _, ent := range dirents {
		names = append(names, ent.Name())
	}
	return names
}

func seedBytes(sz int) []byte {
	rnd := rand.New(rand.NewSource(33))
	p := make([]byte, sz)
	_, _ = rnd.Read(p)
	return p
}
