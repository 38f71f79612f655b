package audio

import (
	"encoding/binary"
	"math"
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MeanAmplitude returns the mean absolute value of the little-endian int16
// samples in pcm. A trailing odd byte is ignored; empty input yields 0.
func MeanAmplitude(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(n)
}

// IsSilent reports whether the chunk's mean amplitude is below threshold.
func IsSilent(pcm []byte, threshold int) bool {
	return MeanAmplitude(pcm) < float64(threshold)
}

// DecodeMuLaw expands G.711 mu-law bytes into PCM16LE.
func DecodeMuLaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, u := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawToLinear(u)))
	}
	return out
}

// EncodeMuLaw compresses PCM16LE into G.711 mu-law bytes.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = linearToMuLaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func muLawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMuLaw(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// Resample converts mono PCM16LE between sample rates with linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 4 {
		return append([]byte(nil), pcm...)
	}
	inN := len(pcm) / 2
	outN := int(int64(inN) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= inN-1 {
			j = inN - 2
		}
		frac := min(pos-float64(j), 1)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
		b := float64(int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:])))
		v := a + (b-a)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v))))
	}
	return out
}

// Tone synthesizes a PCM16LE sine wave; amplitude is the int16 peak.
func Tone(freqHz float64, samples, sampleRate int, amplitude int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
