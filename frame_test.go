package hourtail

import (
	"bytes"
	"math/rand"
	"testing"

	. "github.com/onsi/gomega"
)

func collect(region []byte, keepBlank bool) ([]string, int) {
	var lines []string
	consumed := Frame(region, keepBlank, func(line []byte) {
		lines = append(lines, string(line))
	})
	return lines, consumed
}

func TestFrameCompleteLines(t *testing.T) {
	g := NewGomegaWithT(t)
	lines, consumed := collect([]byte("abc\ndef\n"), false)
	g.Expect(lines).To(Equal([]string{"abc", "def"}))
	g.Expect(consumed).To(Equal(8))
}

func TestFrameCarriesFragment(t *testing.T) {
	g := NewGomegaWithT(t)
	region := []byte("abc\nde")
	lines, consumed := collect(region, false)
	g.Expect(lines).To(Equal([]string{"abc"}))
	g.Expect(consumed).To(Equal(4))
	g.Expect(string(region[consumed:])).To(Equal("de"))
}

func TestFrameNoNewline(t *testing.T) {
	g := NewGomegaWithT(t)
	lines, consumed := collect([]byte("partial"), false)
	g.Expect(lines).To(BeEmpty())
	g.Expect(consumed).To(Equal(0))
}

func TestFrameBlankLines(t *testing.T) {
	g := NewGomegaWithT(t)

	lines, consumed := collect([]byte("\na\n\n\nb\n"), false)
	g.Expect(lines).To(Equal([]string{"a", "b"}))
	g.Expect(consumed).To(Equal(7))

	lines, consumed = collect([]byte("\na\n\n\nb\n"), true)
	g.Expect(lines).To(Equal([]string{"", "a", "", "", "b"}))
	g.Expect(consumed).To(Equal(7))
}

func TestFrameKeepsCarriageReturn(t *testing.T) {
	g := NewGomegaWithT(t)
	lines, _ := collect([]byte("a\r\nb\n"), false)
	g.Expect(lines).To(Equal([]string{"a\r", "b"}))
}

// Splitting a stream at arbitrary points and carrying the remainder between
// calls must give back the original lines.
func TestFrameReconstructsAcrossChunks(t *testing.T) {
	g := NewGomegaWithT(t)
	rnd := rand.New(rand.NewSource(42))

	var stream bytes.Buffer
	for i := 0; i < 500; i++ {
		line := make([]byte, 1+rnd.Intn(40))
		for j := range line {
			line[j] = byte('a' + rnd.Intn(26))
		}
		stream.Write(line)
		stream.WriteByte('\n')
	}
	stream.WriteString("tail-fragment")
	data := stream.Bytes()

	for round := 0; round < 20; round++ {
		var out bytes.Buffer
		var carry []byte
		var committed int
		for pos := 0; pos < len(data); {
			n := 1 + rnd.Intn(64)
			if pos+n > len(data) {
				n = len(data) - pos
			}
			region := append(carry, data[pos:pos+n]...)
			pos += n
			consumed := Frame(region, false, func(line []byte) {
				out.Write(line)
				out.WriteByte('\n')
			})
			committed += consumed
			carry = append([]byte(nil), region[consumed:]...)
			g.Expect(committed + len(carry)).To(Equal(pos))
		}
		g.Expect(out.Bytes()).To(Equal(data[:len(data)-len("tail-fragment")]))
		g.Expect(string(carry)).To(Equal("tail-fragment"))
	}
}
