package audio

import "encoding/binary"

// MakePCM16WAV encodes samples as a mono 16-bit PCM RIFF/WAVE blob in the
// canonical form the inference engine consumes.
func MakePCM16WAV(samples []int16, sampleRate int) []byte {
	const (
		fmtChunkSize   = 16
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = 2
	)

	dataSize := len(samples) * bytesPerSample
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtChunkSize+8+dataSize)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(riffSize))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, fmtChunkSize)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, channels)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*bytesPerSample))
	buf = binary.LittleEndian.AppendUint16(buf, channels*bytesPerSample)
	buf = binary.LittleEndian.AppendUint16(buf, bitsPerSample)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	for _, sample := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(sample))
	}

	return buf
}
