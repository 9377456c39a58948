package fbb

// LZHUF codec: LZ77 over a 4096-byte sliding window with an adaptive
// Huffman entropy coder, as used by F6FBB binary forwarding. The tree
// bookkeeping follows the original lzhuf.c (arena-indexed parent and
// child arrays; the index arithmetic is load-bearing), with one
// framing difference: instead of a plaintext-length header the stream
// ends with a dedicated terminator symbol, and the decoder tolerates
// truncated input by returning whatever decoded cleanly.

const (
	lzN         = 4096 // size of ring buffer
	lzF         = 60   // upper limit for match length
	lzThreshold = 2    // encode into position/length above this
	lzNil       = lzN  // tree node sentinel

	// Symbol alphabet: 256 literals, the terminator, then match
	// lengths. kept at lzNChar entries so the top match symbol is
	// 256-lzThreshold+lzMaxMatch == lzNChar-1.
	lzNChar      = 256 - lzThreshold + lzF
	lzT          = lzNChar*2 - 1 // size of the Huffman table
	lzR          = lzT - 1       // root position
	lzMaxFreq    = 0x8000        // tree rebuild trigger
	lzTerminator = 256           // end-of-stream symbol
	lzMaxMatch   = lzF - 1       // longest match the alphabet can carry
)

// Static prefix code for the upper 6 bits of a match position.
// Shorter codes favour small (recent) distances. These tables are part
// of the wire format and must not be derived.
var pLen = [64]byte{
	3, 4, 4, 4, 5, 5, 5, 5, 5, 5, 5, 5, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
}

var pCode = [64]byte{
	0x00, 0x20, 0x30, 0x40, 0x50, 0x58, 0x60, 0x68,
	0x70, 0x78, 0x80, 0x88, 0x90, 0x94, 0x98, 0x9C,
	0xA0, 0xA4, 0xA8, 0xAC, 0xB0, 0xB4, 0xB8, 0xBC,
	0xC0, 0xC2, 0xC4, 0xC6, 0xC8, 0xCA, 0xCC, 0xCE,
	0xD0, 0xD2, 0xD4, 0xD6, 0xD8, 0xDA, 0xDC, 0xDE,
	0xE0, 0xE2, 0xE4, 0xE6, 0xE8, 0xEA, 0xEC, 0xEE,
	0xF0, 0xF1, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6, 0xF7,
	0xF8, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD, 0xFE, 0xFF,
}

var dCode = [256]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
	0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
	0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03,
	0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03,
	0x04, 0x04, 0x04, 0x04, 0x04, 0x04, 0x04, 0x04,
	0x05, 0x05, 0x05, 0x05, 0x05, 0x05, 0x05, 0x05,
	0x06, 0x06, 0x06, 0x06, 0x06, 0x06, 0x06, 0x06,
	0x07, 0x07, 0x07, 0x07, 0x07, 0x07, 0x07, 0x07,
	0x08, 0x08, 0x08, 0x08, 0x08, 0x08, 0x08, 0x08,
	0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09, 0x09,
	0x0A, 0x0A, 0x0A, 0x0A, 0x0A, 0x0A, 0x0A, 0x0A,
	0x0B, 0x0B, 0x0B, 0x0B, 0x0B, 0x0B, 0x0B, 0x0B,
	0x0C, 0x0C, 0x0C, 0x0C, 0x0D, 0x0D, 0x0D, 0x0D,
	0x0E, 0x0E, 0x0E, 0x0E, 0x0F, 0x0F, 0x0F, 0x0F,
	0x10, 0x10, 0x10, 0x10, 0x11, 0x11, 0x11, 0x11,
	0x12, 0x12, 0x12, 0x12, 0x13, 0x13, 0x13, 0x13,
	0x14, 0x14, 0x14, 0x14, 0x15, 0x15, 0x15, 0x15,
	0x16, 0x16, 0x16, 0x16, 0x17, 0x17, 0x17, 0x17,
	0x18, 0x18, 0x19, 0x19, 0x1A, 0x1A, 0x1B, 0x1B,
	0x1C, 0x1C, 0x1D, 0x1D, 0x1E, 0x1E, 0x1F, 0x1F,
	0x20, 0x20, 0x21, 0x21, 0x22, 0x22, 0x23, 0x23,
	0x24, 0x24, 0x25, 0x25, 0x26, 0x26, 0x27, 0x27,
	0x28, 0x28, 0x29, 0x29, 0x2A, 0x2A, 0x2B, 0x2B,
	0x2C, 0x2C, 0x2D, 0x2D, 0x2E, 0x2E, 0x2F, 0x2F,
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x3F,
}

// dLen[i] is the total prefix length for a first byte i, and must
// equal pLen[dCode[i]] everywhere or the decoder desynchronizes.
var dLen = [256]byte{
	3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
	3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
}

// lzhufCoder holds the per-call state of one encode or decode: the
// sliding text buffer, the binary search tree over buffer suffixes,
// and the adaptive Huffman tables. A coder must never be shared
// between calls or goroutines; every call constructs a fresh one.
type lzhufCoder struct {
	textBuf [lzN + lzF - 1]byte

	// binary search tree (encoder only)
	lson [lzN + 1]int
	rson [lzN + 257]int
	dad  [lzN + 1]int

	// adaptive Huffman tree
	freq [lzT + 1]uint16
	prnt [lzT + lzNChar]int
	son  [lzT]int

	matchPosition int
	matchLength   int

	bw bitWriter
}

// LzhufEncode compresses text into an FBB-compatible LZHUF stream.
// Encoding is lossless and deterministic. The text must be
// representable in Latin-1; anything else is a compression error.
func LzhufEncode(text string) ([]byte, error) {
	data, err := encodeLatin1(text)
	if err != nil {
		return nil, WrapError(ErrCompression, "message text is not Latin-1", err)
	}
	c := &lzhufCoder{}
	return c.compress(data), nil
}

// LzhufDecode decompresses an LZHUF stream produced by LzhufEncode.
// Truncated or empty input yields as much text as decoded cleanly;
// corrupted input may yield garbage text rather than an error, and
// callers treat downstream validation failures as protocol errors.
func LzhufDecode(code []byte) (string, error) {
	c := &lzhufCoder{}
	return decodeLatin1(c.decompress(code)), nil
}

// initTree resets the match search tree. Matches InitTree() from
// lzhuf.c: rson[N+1..N+256] are the per-first-byte tree roots.
func (c *lzhufCoder) initTree() {
	for i := lzN + 1; i <= lzN+256; i++ {
		c.rson[i] = lzNil
	}
	for i := 0; i < lzN; i++ {
		c.dad[i] = lzNil
	}
}

// insertNode inserts the string starting at textBuf[r] into the tree
// and records the longest match found on the way down. Ties keep the
// first match encountered. Matches InsertNode() from lzhuf.c.
func (c *lzhufCoder) insertNode(r int) {
	cmp := 1
	key := c.textBuf[r:]
	p := lzN + 1 + int(key[0])
	c.rson[r] = lzNil
	c.lson[r] = lzNil
	c.matchLength = 0
	for {
		if cmp >= 0 {
			if c.rson[p] != lzNil {
				p = c.rson[p]
			} else {
				c.rson[p] = r
				c.dad[r] = p
				return
			}
		} else {
			if c.lson[p] != lzNil {
				p = c.lson[p]
			} else {
				c.lson[p] = r
				c.dad[r] = p
				return
			}
		}
		i := 1
		for ; i < lzF; i++ {
			cmp = int(key[i]) - int(c.textBuf[p+i])
			if cmp != 0 {
				break
			}
		}
		if i > c.matchLength {
			c.matchPosition = ((r - p) & (lzN - 1)) - 1
			c.matchLength = i
			if i >= lzF {
				break
			}
		}
	}
	// full-length match: replace the old node p by r
	c.dad[r] = c.dad[p]
	c.lson[r] = c.lson[p]
	c.rson[r] = c.rson[p]
	c.dad[c.lson[p]] = r
	c.dad[c.rson[p]] = r
	if c.rson[c.dad[p]] == p {
		c.rson[c.dad[p]] = r
	} else {
		c.lson[c.dad[p]] = r
	}
	c.dad[p] = lzNil
}

// deleteNode removes the node at buffer position p from the tree.
// Matches DeleteNode() from lzhuf.c.
func (c *lzhufCoder) deleteNode(p int) {
	if c.dad[p] == lzNil {
		return // not in tree
	}
	var q int
	if c.rson[p] == lzNil {
		q = c.lson[p]
	} else if c.lson[p] == lzNil {
		q = c.rson[p]
	} else {
		q = c.lson[p]
		if c.rson[q] != lzNil {
			for c.rson[q] != lzNil {
				q = c.rson[q]
			}
			c.rson[c.dad[q]] = c.lson[q]
			c.dad[c.lson[q]] = c.dad[q]
			c.lson[q] = c.lson[p]
			c.dad[c.lson[p]] = q
		}
		c.rson[q] = c.rson[p]
		c.dad[c.rson[p]] = q
	}
	c.dad[q] = c.dad[p]
	if c.rson[c.dad[p]] == p {
		c.rson[c.dad[p]] = q
	} else {
		c.lson[c.dad[p]] = q
	}
	c.dad[p] = lzNil
}

// startHuff initializes the Huffman tree with uniform leaf
// frequencies. Matches StartHuff() from lzhuf.c.
func (c *lzhufCoder) startHuff() {
	for i := 0; i < lzNChar; i++ {
		c.freq[i] = 1
		c.son[i] = i + lzT
		c.prnt[i+lzT] = i
	}
	i, j := 0, lzNChar
	for j <= lzR {
		c.freq[j] = c.freq[i] + c.freq[i+1]
		c.son[j] = i
		c.prnt[i] = j
		c.prnt[i+1] = j
		i += 2
		j++
	}
	c.freq[lzT] = 0xFFFF
	c.prnt[lzR] = 0
}

// reconst halves all leaf frequencies (rounding up) and rebuilds the
// tree in frequency order. Encoder and decoder trigger it at the same
// symbol, which keeps both sides synchronized. Matches reconst() from
// lzhuf.c.
func (c *lzhufCoder) reconst() {
	// collect leaf nodes at the front, halving their frequencies
	j := 0
	for i := 0; i < lzT; i++ {
		if c.son[i] >= lzT {
			c.freq[j] = (c.freq[i] + 1) / 2
			c.son[j] = c.son[i]
			j++
		}
	}
	// connect sons, keeping freq[] sorted by insertion
	for i, j := 0, lzNChar; j < lzT; i, j = i+2, j+1 {
		f := c.freq[i] + c.freq[i+1]
		c.freq[j] = f
		k := j - 1
		for f < c.freq[k] {
			k--
		}
		k++
		copy(c.freq[k+1:j+1], c.freq[k:j])
		c.freq[k] = f
		copy(c.son[k+1:j+1], c.son[k:j])
		c.son[k] = i
	}
	// connect parents
	for i := 0; i < lzT; i++ {
		k := c.son[i]
		c.prnt[k] = i
		if k < lzT {
			c.prnt[k+1] = i
		}
	}
}

// update increments the frequency of sym's leaf and sifts the tree to
// keep it ordered, swapping a node with the highest equal-frequency
// node above it. Matches update() from lzhuf.c.
func (c *lzhufCoder) update(sym int) {
	if c.freq[lzR] == lzMaxFreq {
		c.reconst()
	}
	n := c.prnt[sym+lzT]
	for {
		c.freq[n]++
		k := c.freq[n]

		// if the order is disturbed, exchange nodes
		l := n + 1
		if k > c.freq[l] {
			for k > c.freq[l+1] {
				l++
			}
			c.freq[n] = c.freq[l]
			c.freq[l] = k

			i := c.son[n]
			c.prnt[i] = l
			if i < lzT {
				c.prnt[i+1] = l
			}

			j := c.son[l]
			c.son[l] = i
			c.prnt[j] = n
			if j < lzT {
				c.prnt[j+1] = n
			}
			c.son[n] = j

			n = l
		}
		n = c.prnt[n]
		if n == 0 {
			break // root reached
		}
	}
}

// encodeChar emits the Huffman code for sym, walking leaf to root.
// A node's bit is 1 when it is the odd (right) sibling; the bit
// nearest the root transmits first.
func (c *lzhufCoder) encodeChar(sym int) {
	var code uint32
	var n uint
	for k := c.prnt[sym+lzT]; k != lzR; k = c.prnt[k] {
		code |= uint32(k&1) << n
		n++
	}
	c.bw.writeBits(code, n)
	c.update(sym)
}

// encodePosition emits a match distance: the upper 6 bits through the
// static prefix table, the lower 6 bits verbatim.
func (c *lzhufCoder) encodePosition(pos int) {
	i := pos >> 6
	c.bw.writeBits(uint32(pCode[i])>>(8-pLen[i]), uint(pLen[i]))
	c.bw.writeBits(uint32(pos&0x3F), 6)
}

func (c *lzhufCoder) decodeChar(br *bitReader) int {
	n := c.son[lzR]
	// travel from root to leaf: bit 0 selects son[n], bit 1 its sibling
	for n < lzT {
		n += br.readBit()
		n = c.son[n]
	}
	n -= lzT
	c.update(n)
	return n
}

func (c *lzhufCoder) decodePosition(br *bitReader) int {
	// recover the upper 6 bits by table lookup; the first byte read
	// already carries 8-dLen of the low bits
	i := br.readByte()
	pos := int(dCode[i]) << 6
	for j := int(dLen[i]) - 2; j > 0; j-- {
		i = i<<1 + br.readBit()
	}
	return pos | (i & 0x3F)
}

func (c *lzhufCoder) compress(data []byte) []byte {
	c.startHuff()
	c.initTree()

	s, r := 0, lzN-lzF
	for i := 0; i < r; i++ {
		c.textBuf[i] = 0x20
	}
	length, pos := 0, 0
	for ; length < lzF && pos < len(data); length++ {
		c.textBuf[r+length] = data[pos]
		pos++
	}
	for i := 1; i <= lzF; i++ {
		c.insertNode(r - i)
	}
	c.insertNode(r)

	for length > 0 {
		if c.matchLength > length {
			c.matchLength = length
		}
		if c.matchLength <= lzThreshold {
			c.matchLength = 1
			c.encodeChar(int(c.textBuf[r]))
		} else {
			if c.matchLength > lzMaxMatch {
				c.matchLength = lzMaxMatch
			}
			c.encodeChar(256 - lzThreshold + c.matchLength)
			c.encodePosition(c.matchPosition)
		}
		last := c.matchLength
		i := 0
		for ; i < last && pos < len(data); i++ {
			ch := data[pos]
			pos++
			c.deleteNode(s)
			c.textBuf[s] = ch
			if s < lzF-1 {
				c.textBuf[s+lzN] = ch
			}
			s = (s + 1) & (lzN - 1)
			r = (r + 1) & (lzN - 1)
			c.insertNode(r)
		}
		for i < last {
			i++
			c.deleteNode(s)
			s = (s + 1) & (lzN - 1)
			r = (r + 1) & (lzN - 1)
			length--
			if length > 0 {
				c.insertNode(r)
			}
		}
	}

	c.encodeChar(lzTerminator)
	c.bw.flush()
	return c.bw.out
}

func (c *lzhufCoder) decompress(code []byte) []byte {
	c.startHuff()
	br := &bitReader{data: code}

	r := lzN - lzF
	for i := 0; i < r; i++ {
		c.textBuf[i] = 0x20
	}
	var out []byte
	for {
		if br.exhausted() {
			break // truncated stream: keep what decoded cleanly
		}
		sym := c.decodeChar(br)
		if sym == lzTerminator {
			break
		}
		if sym < 256 {
			c.textBuf[r] = byte(sym)
			r = (r + 1) & (lzN - 1)
			out = append(out, byte(sym))
		} else {
			p := (r - c.decodePosition(br) - 1) & (lzN - 1)
			n := sym + lzThreshold - 256
			for k := 0; k < n; k++ {
				ch := c.textBuf[(p+k)&(lzN-1)]
				c.textBuf[r] = ch
				r = (r + 1) & (lzN - 1)
				out = append(out, ch)
			}
		}
	}
	return out
}

// bitWriter accumulates bits most-significant-bit-first into bytes.
type bitWriter struct {
	out []byte
	acc uint32
	n   uint
}

// writeBits emits the low width bits of code, MSB first.
func (w *bitWriter) writeBits(code uint32, width uint) {
	for i := width; i > 0; i-- {
		w.acc = w.acc<<1 | (code>>(i-1))&1
		w.n++
		if w.n == 8 {
			w.out = append(w.out, byte(w.acc))
			w.acc, w.n = 0, 0
		}
	}
}

// flush pads the final partial byte with zero bits.
func (w *bitWriter) flush() {
	if w.n > 0 {
		w.out = append(w.out, byte(w.acc<<(8-w.n)))
		w.acc, w.n = 0, 0
	}
}

// bitReader consumes bits MSB first, returning zero bits past the end
// of input rather than failing.
type bitReader struct {
	data []byte
	pos  int
	buf  uint32
	n    uint
}

func (b *bitReader) readBit() int {
	if b.n == 0 {
		if b.pos >= len(b.data) {
			return 0
		}
		b.buf = uint32(b.data[b.pos])
		b.pos++
		b.n = 8
	}
	b.n--
	return int(b.buf>>b.n) & 1
}

func (b *bitReader) readByte() int {
	v := 0
	for i := 0; i < 8; i++ {
		v = v<<1 | b.readBit()
	}
	return v
}

// exhausted reports whether every input bit has been consumed.
func (b *bitReader) exhausted() bool {
	return b.n == 0 && b.pos >= len(b.data)
}
