package audio

import "testing"

func TestChunkHundredMilliseconds(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1, BitDepth: 16}
	// 1 second of PCM16 mono at 16 kHz.
	pcm := make([]byte, 32000)
	chunks := Chunk(pcm, f, 100)
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c) != 3200 {
			t.Fatalf("expected 3200 byte chunks, got %d", len(c))
		}
		total += len(c)
	}
	if total != len(pcm) {
		t.Fatalf("chunking lost bytes: %d != %d", total, len(pcm))
	}
}

func TestChunkRemainder(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	pcm := make([]byte, 2000)
	chunks := Chunk(pcm, f, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 1600 || len(chunks[1]) != 400 {
		t.Fatalf("unexpected chunk sizes: %d, %d", len(chunks[0]), len(chunks[1]))
	}
}

func TestChunkEmpty(t *testing.T) {
	if chunks := Chunk(nil, PCM16Mono16k, 100); chunks != nil {
		t.Fatalf("expected no chunks for empty input")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	f := Format{}.Normalize()
	if f != PCM16Mono16k {
		t.Fatalf("expected defaults %+v, got %+v", PCM16Mono16k, f)
	}
	f = Format{SampleRate: 24000}.Normalize()
	if f.SampleRate != 24000 || f.Channels != 1 || f.BitDepth != 16 {
		t.Fatalf("partial normalize wrong: %+v", f)
	}
}
