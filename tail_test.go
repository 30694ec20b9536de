package hourtail

import (
	"bytes"
	"math/rand"
	"os"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

func appendFile(fs afero.Fs, path, data string) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(data)); err != nil {
		panic(err)
	}
}

// step reads once and frames whatever arrived, like one engine cycle does for
// a single file.
func step(s *Session, keepBlank bool) ([]string, int, error) {
	var lines []string
	n, err := s.read()
	if err != nil || n == 0 {
		return nil, n, err
	}
	s.frame(n, keepBlank, func(line []byte) { lines = append(lines, string(line)) })
	return lines, n, nil
}

func TestSession(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/foo/1.log", []byte("abc\nde"), 0644)

	s, err := openSession(fs, "1.log", "/foo/1.log", 0, 16, 16)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(s.state).To(Equal(stateReading))

	lines, n, err := step(s, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(n).To(Equal(6))
	g.Expect(lines).To(Equal([]string{"abc"}))
	g.Expect(s.Offset()).To(Equal(int64(4)))
	g.Expect(s.Carry()).To(Equal(2))

	// nothing new: the carried fragment is not read again
	lines, n, err = step(s, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(n).To(Equal(0))
	g.Expect(lines).To(BeEmpty())
	g.Expect(s.Offset()).To(Equal(int64(4)))

	appendFile(fs, "/foo/1.log", "f\nghi\n")
	lines, n, err = step(s, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(n).To(Equal(6))
	g.Expect(lines).To(Equal([]string{"def", "ghi"}))
	g.Expect(s.Offset()).To(Equal(int64(12)))
	g.Expect(s.Carry()).To(Equal(0))

	g.Expect(s.close()).To(Succeed())
	g.Expect(s.state).To(Equal(stateClosed))
	g.Expect(s.close()).To(Succeed())
}

func TestSessionStartingOffset(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/foo/1.log", []byte("old\nnew\n"), 0644)

	s, err := openSession(fs, "1.log", "/foo/1.log", 4, 16, 16)
	g.Expect(err).ToNot(HaveOccurred())
	lines, _, err := step(s, false)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(lines).To(Equal([]string{"new"}))
	g.Expect(s.Offset()).To(Equal(int64(8)))
}

func TestSessionOpenMissing(t *testing.T) {
	g := NewGomegaWithT(t)
	_, err := openSession(afero.NewMemMapFs(), "x.log", "/nope/x.log", 0, 16, 16)
	g.Expect(err).To(HaveOccurred())
}

func TestSessionGrowsForLongLines(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	long := bytes.Repeat([]byte("x"), 20)
	afero.WriteFile(fs, "/foo/1.log", append(append([]byte{}, long...), '\n'), 0644)

	s, err := openSession(fs, "1.log", "/foo/1.log", 0, 8, 64)
	g.Expect(err).ToNot(HaveOccurred())

	var lines []string
	for i := 0; i < 5 && len(lines) == 0; i++ {
		got, _, err := step(s, false)
		g.Expect(err).ToNot(HaveOccurred())
		lines = append(lines, got...)
	}
	g.Expect(lines).To(Equal([]string{string(long)}))
	g.Expect(len(s.buf)).To(Equal(32))
	g.Expect(s.Offset()).To(Equal(int64(21)))
	g.Expect(s.Carry()).To(Equal(0))
}

func TestSessionLineTooLong(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/foo/1.log", bytes.Repeat([]byte("x"), 40), 0644)

	s, err := openSession(fs, "1.log", "/foo/1.log", 0, 8, 16)
	g.Expect(err).ToNot(HaveOccurred())

	for i := 0; i < 4; i++ {
		if _, _, err = step(s, false); err != nil {
			break
		}
	}
	g.Expect(errors.Is(err, ErrLineTooLong)).To(BeTrue())
	g.Expect(s.Offset()).To(Equal(int64(0)))
}

// Bytes appended in random pieces come out as the same lines, once each, and
// the committed offset always sits right after the last emitted line.
func TestSessionNoLossNoDuplication(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/foo/1.log", nil, 0644)
	rnd := rand.New(rand.NewSource(7))

	var want []string
	var data bytes.Buffer
	for i := 0; i < 300; i++ {
		line := make([]byte, 1+rnd.Intn(30))
		for j := range line {
			line[j] = byte('a' + rnd.Intn(26))
		}
		want = append(want, string(line))
		data.Write(line)
		data.WriteByte('\n')
	}

	s, err := openSession(fs, "1.log", "/foo/1.log", 0, 32, 32)
	g.Expect(err).ToNot(HaveOccurred())

	var got []string
	raw := data.Bytes()
	for pos := 0; pos < len(raw); {
		n := 1 + rnd.Intn(50)
		if pos+n > len(raw) {
			n = len(raw) - pos
		}
		appendFile(fs, "/foo/1.log", string(raw[pos:pos+n]))
		pos += n
		for {
			lines, read, err := step(s, false)
			g.Expect(err).ToNot(HaveOccurred())
			got = append(got, lines...)
			if read == 0 {
				break
			}
		}
		g.Expect(s.readPos()).To(Equal(int64(pos)))
		g.Expect(bytes.LastIndexByte(raw[:pos], '\n') + 1).To(Equal(int(s.Offset())))
	}
	g.Expect(got).To(Equal(want))
}
