package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

const blockSize = sha256.Size

// byteStream yields HMAC-SHA256(serverSeed, "clientSeed:nonce:round") bytes,
// advancing round and rehashing whenever a 32-byte block is consumed.
type byteStream struct {
	key    []byte
	prefix []byte
	round  int
	block  [blockSize]byte
	pos    int
}

func newByteStream(serverSeed, clientSeed string, nonce int64) *byteStream {
	prefix := make([]byte, 0, len(clientSeed)+24)
	prefix = append(prefix, clientSeed...)
	prefix = append(prefix, ':')
	prefix = strconv.AppendInt(prefix, nonce, 10)
	prefix = append(prefix, ':')

	s := &byteStream{key: []byte(serverSeed), prefix: prefix}
	s.fill()
	return s
}

func (s *byteStream) fill() {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(s.prefix)
	mac.Write(strconv.AppendInt(nil, int64(s.round), 10))
	mac.Sum(s.block[:0])
	s.pos = 0
}

func (s *byteStream) next() byte {
	if s.pos == blockSize {
		s.round++
		s.fill()
	}
	b := s.block[s.pos]
	s.pos++
	return b
}

// uint32 reads the next 4 bytes big-endian.
func (s *byteStream) uint32() uint32 {
	var buf [4]byte
	for i := range buf {
		buf[i] = s.next()
	}
	return binary.BigEndian.Uint32(buf[:])
}

// float returns a value in [0, 1) built from the next 4 bytes as
// Σ b_i / 256^(i+1).
func (s *byteStream) float() float64 {
	return float64(s.uint32()) / (1 << 32)
}

// HashCommitment returns hex(sha256(serverSeed)), the value casinos publish
// before play.
func HashCommitment(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}
