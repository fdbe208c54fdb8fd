package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestChunkRoundTrip(t *testing.T) {
	in := Chunk{Kind: KindUpdate, Flags: FlagKeyframe, MessageID: 0xdeadbeef, Index: 2, Count: 5, Payload: []byte("pixels")}
	b, err := EncodeChunk(in)
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	if len(b) != HeaderLen+len(in.Payload) {
		t.Fatalf("len: got %d", len(b))
	}
	out, err := DecodeChunk(b)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if out.Kind != in.Kind || out.Flags != in.Flags || out.MessageID != in.MessageID ||
		out.Index != in.Index || out.Count != in.Count || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("unexpected chunk: %#v", out)
	}
}

func TestDecodeChunkRejects(t *testing.T) {
	good, err := EncodeChunk(Chunk{Kind: KindControl, MessageID: 1, Index: 0, Count: 1, Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("EncodeChunk: %v", err)
	}
	mutate := func(i int, v byte) []byte {
		b := append([]byte(nil), good...)
		b[i] = v
		return b
	}

	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"short", good[:HeaderLen-1], ErrLengthMismatch},
		{"magic", mutate(0, 'X'), ErrBadMagic},
		{"version", mutate(2, 9), ErrBadVersion},
		{"kind", mutate(3, 0x7f), ErrUnknownKind},
		{"flags", mutate(4, 0x80), ErrInvalidFlags},
		{"count zero", mutate(12, 0), ErrBadChunkIndex},
		{"index past count", mutate(10, 1), ErrBadChunkIndex},
		{"length", good[:len(good)-1], ErrLengthMismatch},
	}
	for _, tc := range cases {
		_, err := DecodeChunk(tc.in)
		if !errors.Is(err, ErrProtocol) || !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSplitRespectsLimits(t *testing.T) {
	c := &Chunker{MaxPayload: 100, MaxChunks: 4}
	body := bytes.Repeat([]byte{7}, 250)

	chunks, err := c.Split(KindUpdate, 0, 9, body)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks: got %d", len(chunks))
	}
	for i, b := range chunks {
		if len(b) > HeaderLen+100 {
			t.Fatalf("chunk %d too large: %d", i, len(b))
		}
	}

	if _, err := c.Split(KindUpdate, 0, 10, make([]byte, 401)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}

	empty, err := c.Split(KindKeepAlive, 0, 11, nil)
	if err != nil || len(empty) != 1 {
		t.Fatalf("empty body: %d chunks, err %v", len(empty), err)
	}
}

func reassemble(t *testing.T, r *Reassembler, chunks [][]byte, now time.Time) (Message, int) {
	t.Helper()
	var (
		msg   Message
		count int
	)
	for _, b := range chunks {
		c, err := DecodeChunk(b)
		if err != nil {
			t.Fatalf("DecodeChunk: %v", err)
		}
		m, complete, err := r.Add(c, now)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if complete {
			msg = m
			count++
		}
	}
	return msg, count
}

func TestReassemblyAnyPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	body := make([]byte, 5000)
	rng.Read(body)
	c := &Chunker{MaxPayload: 256, MaxChunks: 64}

	for i := 0; i < 50; i++ {
		chunks, err := c.Split(KindUpdate, FlagKeyframe, uint32(i), body)
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		rng.Shuffle(len(chunks), func(a, b int) { chunks[a], chunks[b] = chunks[b], chunks[a] })

		r := NewReassembler(time.Second, 8)
		msg, n := reassemble(t, r, chunks, time.Now())
		if n != 1 {
			t.Fatalf("permutation %d: completed %d times", i, n)
		}
		if !bytes.Equal(msg.Body, body) || msg.Kind != KindUpdate || msg.Flags != FlagKeyframe || msg.ID != uint32(i) {
			t.Fatalf("permutation %d: body mismatch", i)
		}
		if r.Pending() != 0 {
			t.Fatalf("permutation %d: %d pending", i, r.Pending())
		}
	}
}

func TestReassemblyIgnoresDuplicates(t *testing.T) {
	c := &Chunker{MaxPayload: 10, MaxChunks: 10}
	chunks, _ := c.Split(KindUpdate, 0, 1, []byte("0123456789abcdefghij"))
	withDups := [][]byte{chunks[0], chunks[0], chunks[1], chunks[1], chunks[0]}

	r := NewReassembler(time.Second, 4)
	msg, n := reassemble(t, r, withDups, time.Now())
	if n != 1 || string(msg.Body) != "0123456789abcdefghij" {
		t.Fatalf("completed %d, body %q", n, msg.Body)
	}
	if got := r.Stats().Dups; got != 3 {
		t.Fatalf("dups: got %d", got)
	}
}

func TestWithheldChunkExpires(t *testing.T) {
	c := &Chunker{MaxPayload: 10, MaxChunks: 10}
	chunks, _ := c.Split(KindUpdate, 0, 42, bytes.Repeat([]byte{1}, 35))

	r := NewReassembler(500*time.Millisecond, 4)
	start := time.Unix(100, 0)
	if _, n := reassemble(t, r, chunks[:3], start); n != 0 {
		t.Fatalf("completed without last chunk")
	}
	if got := r.Expire(start.Add(100 * time.Millisecond)); got != 0 {
		t.Fatalf("expired early: %d", got)
	}
	if got := r.Expire(start.Add(time.Second)); got != 1 {
		t.Fatalf("expired: got %d", got)
	}
	if r.Pending() != 0 || r.Stats().Expired != 1 {
		t.Fatalf("stats after expiry: %+v", r.Stats())
	}
}

func TestReassemblyCountMismatch(t *testing.T) {
	r := NewReassembler(time.Second, 4)
	now := time.Now()
	if _, _, err := r.Add(Chunk{Kind: KindUpdate, MessageID: 5, Index: 0, Count: 3, Payload: []byte{1}}, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, _, err := r.Add(Chunk{Kind: KindUpdate, MessageID: 5, Index: 1, Count: 4, Payload: []byte{2}}, now)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("expected ErrCountMismatch, got %v", err)
	}
	_, _, err = r.Add(Chunk{Kind: KindUpdate, MessageID: 6, Index: 0, Count: 0}, now)
	if !errors.Is(err, ErrBadChunkIndex) {
		t.Fatalf("expected ErrBadChunkIndex, got %v", err)
	}
}

func TestReassemblyEvictsOldestWhenFull(t *testing.T) {
	r := NewReassembler(time.Minute, 2)
	base := time.Unix(0, 0)
	for id := uint32(1); id <= 3; id++ {
		_, _, err := r.Add(Chunk{Kind: KindUpdate, MessageID: id, Index: 0, Count: 2, Payload: []byte{byte(id)}}, base.Add(time.Duration(id)*time.Millisecond))
		if err != nil {
			t.Fatalf("Add %d: %v", id, err)
		}
	}
	st := r.Stats()
	if st.Pending != 2 || st.Evicted != 1 {
		t.Fatalf("stats: %+v", st)
	}
	// Message 1 was evicted, so its second half starts a fresh partial.
	_, complete, _ := r.Add(Chunk{Kind: KindUpdate, MessageID: 1, Index: 1, Count: 2, Payload: []byte{9}}, base.Add(time.Second))
	if complete {
		t.Fatalf("evicted message completed")
	}
	msg, complete, _ := r.Add(Chunk{Kind: KindUpdate, MessageID: 3, Index: 1, Count: 2, Payload: []byte{9}}, base.Add(time.Second))
	if !complete || !bytes.Equal(msg.Body, []byte{3, 9}) {
		t.Fatalf("message 3: complete %v body %v", complete, msg.Body)
	}
}

func TestReassemblerClose(t *testing.T) {
	r := NewReassembler(time.Second, 4)
	_, _, _ = r.Add(Chunk{Kind: KindUpdate, MessageID: 1, Index: 0, Count: 2}, time.Now())
	r.Close()
	if r.Pending() != 0 {
		t.Fatalf("pending after close: %d", r.Pending())
	}
	_, _, err := r.Add(Chunk{Kind: KindUpdate, MessageID: 1, Index: 1, Count: 2}, time.Now())
	if !errors.Is(err, ErrReassemblerClosed) {
		t.Fatalf("expected ErrReassemblerClosed, got %v", err)
	}
}
