package audio

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/resample"
	dspwindow "github.com/cwbudde/algo-dsp/dsp/window"
)

// Time-stretch framing. Frames overlap by half; the search window lets each
// frame shift to the offset best matching the previous frame's continuation.
const (
	stretchFrame    = 1024
	stretchHop      = stretchFrame / 2
	stretchSearch   = 256
	correlateStride = 4
	edgeFadeSamples = 64
	unitySpeedDelta = 1e-9
)

// Clip limits every sample to [-1, 1] and zeroes non-finite values.
func Clip(samples []float32) []float32 {
	out := make([]float32, len(samples))

	for i, sample := range samples {
		switch {
		case math.IsNaN(float64(sample)) || math.IsInf(float64(sample), 0):
			out[i] = 0
		case sample > 1:
			out[i] = 1
		case sample < -1:
			out[i] = -1
		default:
			out[i] = sample
		}
	}

	return out
}

// HasNonFinite reports whether any sample is NaN or infinite.
func HasNonFinite(samples []float32) bool {
	for _, sample := range samples {
		if math.IsNaN(float64(sample)) || math.IsInf(float64(sample), 0) {
			return true
		}
	}

	return false
}

// SecondsToSamples converts a duration in seconds to a whole sample count.
func SecondsToSamples(seconds float64, sampleRate int) int {
	if seconds <= 0 || sampleRate <= 0 {
		return 0
	}

	return int(math.Round(seconds * float64(sampleRate)))
}

// Join concatenates segments with gap samples of silence between neighbours.
// Each segment edge is faded over a few samples to avoid clicks at the joins.
func Join(segments [][]float32, gap int) []float32 {
	if gap < 0 {
		gap = 0
	}

	total := 0
	for _, segment := range segments {
		total += len(segment)
	}

	if len(segments) > 1 {
		total += gap * (len(segments) - 1)
	}

	out := make([]float32, 0, total)

	for i, segment := range segments {
		if i > 0 {
			out = append(out, make([]float32, gap)...)
		}

		out = append(out, fadeEdges(segment)...)
	}

	return out
}

func fadeEdges(samples []float32) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)

	fade := min(edgeFadeSamples, len(out)/2)
	for i := range fade {
		gain := float32(i) / float32(fade)
		out[i] *= gain
		out[len(out)-1-i] *= gain
	}

	return out
}

// Resample converts samples from one rate to another with a polyphase
// anti-aliasing FIR. The output has exactly round(len*toRate/fromRate) samples.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)

		return out
	}

	length := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))

	return resampleTo(samples, float64(fromRate), float64(toRate), length)
}

// ResampleLength stretches or squeezes samples to exactly length samples.
func ResampleLength(samples []float32, length int) []float32 {
	if length <= 0 || len(samples) == 0 {
		return []float32{}
	}

	if len(samples) == 1 || length == 1 {
		out := make([]float32, length)
		for i := range out {
			out[i] = samples[0]
		}

		return out
	}

	if length == len(samples) {
		out := make([]float32, length)
		copy(out, samples)

		return out
	}

	return resampleTo(samples, float64(len(samples)), float64(length), length)
}

// resampleTo runs the rational resampler for outRate/inRate, removes the
// filter's group delay and trims or zero-pads to length.
func resampleTo(samples []float32, inRate, outRate float64, length int) []float32 {
	resampler, err := resample.NewForRates(inRate, outRate)
	if err != nil {
		return make([]float32, length)
	}

	up, down := resampler.Ratio()
	taps := len(resampler.Prototype())
	delay := int(math.Round(float64(taps-1) / 2 / float64(down)))
	flush := (delay+1)*down/up + 1

	input := make([]float64, len(samples)+flush)
	for i, sample := range samples {
		input[i] = float64(sample)
	}

	filtered := resampler.Process(input)
	out := make([]float32, length)

	for i := range out {
		src := i + delay
		if src >= len(filtered) {
			break
		}

		out[i] = float32(filtered[src])
	}

	return out
}

// TimeStretch changes playback speed by factor while keeping pitch, using
// waveform-similarity overlap-add. The output has exactly
// round(len(samples)/factor) samples.
func TimeStretch(samples []float32, factor float64) []float32 {
	if factor <= 0 || len(samples) == 0 {
		return []float32{}
	}

	targetLength := int(math.Round(float64(len(samples)) / factor))

	if math.Abs(factor-1) < unitySpeedDelta {
		out := make([]float32, len(samples))
		copy(out, samples)

		return out
	}

	if len(samples) < 2*stretchFrame {
		return ResampleLength(samples, targetLength)
	}

	window := dspwindow.Generate(dspwindow.TypeHann, stretchFrame, dspwindow.WithPeriodic())
	out := make([]float64, targetLength+stretchFrame)
	weight := make([]float64, targetLength+stretchFrame)
	analysisHop := float64(stretchHop) * factor
	previous := 0

	for frame := 0; frame*stretchHop < targetLength; frame++ {
		outputPos := frame * stretchHop
		nominal := int(math.Round(float64(frame) * analysisHop))

		inputPos := nominal
		if frame > 0 {
			inputPos = bestOffset(samples, previous+stretchHop, nominal)
		}

		for i := range stretchFrame {
			src := inputPos + i
			if src < 0 || src >= len(samples) {
				continue
			}

			out[outputPos+i] += float64(samples[src]) * window[i]
			weight[outputPos+i] += window[i]
		}

		previous = inputPos
	}

	result := make([]float32, targetLength)

	for i := range result {
		if weight[i] > 1e-3 {
			result[i] = float32(out[i] / weight[i])
		}
	}

	return result
}

// bestOffset searches around nominal for the frame start whose first half
// best correlates with the natural continuation at reference.
func bestOffset(samples []float32, reference, nominal int) int {
	best := nominal
	bestScore := math.Inf(-1)

	for candidate := nominal - stretchSearch; candidate <= nominal+stretchSearch; candidate++ {
		if candidate < 0 || candidate+stretchHop > len(samples) {
			continue
		}

		var score float64

		for i := 0; i < stretchHop; i += correlateStride {
			ref := reference + i
			if ref >= len(samples) {
				break
			}

			score += float64(samples[ref]) * float64(samples[candidate+i])
		}

		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}

	return best
}

// PitchShift moves pitch by semitones while keeping the sample count: the
// signal is time-stretched by the pitch ratio, then resampled back to its
// original length through the polyphase resampler.
func PitchShift(samples []float32, semitones float64) []float32 {
	if semitones == 0 || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)

		return out
	}

	ratio := math.Pow(2, semitones/12)
	stretched := TimeStretch(samples, 1/ratio)

	return ResampleLength(stretched, len(samples))
}
