package audio

// Format describes raw PCM audio: sample rate in Hz, channel count and
// bits per sample.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// PCM16Mono16k is the default capture format when a client does not
// specify one.
var PCM16Mono16k = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = PCM16Mono16k.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = PCM16Mono16k.Channels
	}
	if f.BitDepth <= 0 {
		f.BitDepth = PCM16Mono16k.BitDepth
	}
	return f
}

// Normalize fills zero fields with the PCM16 mono 16 kHz defaults.
func (f Format) Normalize() Format { return f.withDefaults() }

// BytesPerFrame returns the size of one sample frame across all channels.
func (f Format) BytesPerFrame() int {
	f = f.withDefaults()
	bytesPerSample := f.BitDepth / 8
	if bytesPerSample < 1 {
		bytesPerSample = 1
	}
	return bytesPerSample * f.Channels
}

// Chunk slices a PCM buffer into frames of roughly the given duration in
// milliseconds. Chunks are frame-aligned; the last chunk carries the
// remainder. A nil or empty buffer yields no chunks.
func Chunk(pcm []byte, f Format, durationMS int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	f = f.withDefaults()
	if durationMS <= 0 {
		durationMS = 100
	}
	bytesPerFrame := f.BytesPerFrame()
	chunkSize := f.SampleRate * bytesPerFrame * durationMS / 1000
	if chunkSize < bytesPerFrame {
		chunkSize = bytesPerFrame
	}
	var out [][]byte
	for offset := 0; offset < len(pcm); offset += chunkSize {
		end := offset + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := make([]byte, end-offset)
		copy(chunk, pcm[offset:end])
		out = append(out, chunk)
	}
	return out
}
