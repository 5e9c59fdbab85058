package anira

import "math"

// MelPrePostProcessor is a PrePostProcessor for backends that expect
// log-mel spectrogram features instead of raw audio, e.g. a Whisper-style
// encoder declared with InputShape [NMels, OutputFrames]. PreProcess reads
// WindowSamples of raw audio from channel 0 of the send ring (mono),
// computes its log-mel spectrogram, and writes it into the input tensor;
// PostProcess is delegated to DefaultPrePostProcessor since these models
// still emit raw audio (or a tensor the caller treats as such) on the
// receive side.
//
// The feature-extraction math (Hann window, real DFT power spectrum, a
// triangular mel filterbank) is a direct generalization of the teacher's
// hard-coded 16kHz/8s Whisper mel computation to configurable parameters.
type MelPrePostProcessor struct {
	SampleRate float64
	NMels      int
	NFFT       int
	HopSamples int

	// WindowSamples is how many raw samples PreProcess reads per call
	// (e.g. 128000 for an 8s window at 16kHz). OutputFrames is the frame
	// count of the resulting mel tensor (e.g. 800).
	WindowSamples int
	OutputFrames  int

	filters []float32 // cached NMels x (NFFT/2+1) triangular filterbank
}

// NewMelPrePostProcessor returns a processor configured for the Whisper
// convention: 16kHz, 400-sample FFT, 160-sample hop, 80 mel bins, an 8s
// (128000-sample) window producing 800 frames.
func NewMelPrePostProcessor() *MelPrePostProcessor {
	return &MelPrePostProcessor{
		SampleRate:    16000,
		NMels:         80,
		NFFT:          400,
		HopSamples:    160,
		WindowSamples: 128000,
		OutputFrames:  800,
	}
}

func (p *MelPrePostProcessor) PreProcess(sendRing *RingBuffer, input *Tensor, shape TensorShape) {
	hop := shape.OutputSamples()
	raw := sendRing.PeekWindow(0, p.WindowSamples, hop)
	mel := p.computeMel(raw)
	n := p.NMels * p.OutputFrames
	if len(input.Data) >= n {
		copy(input.Data, mel)
	}
	sendRing.Advance(0, hop)
}

func (p *MelPrePostProcessor) PostProcess(output *Tensor, recvRing *RingBuffer, shape TensorShape) {
	DefaultPrePostProcessor{}.PostProcess(output, recvRing, shape)
}

// computeMel converts raw (WindowSamples long, left-padded or truncated to
// the last WindowSamples) into log-mel features shaped (NMels, OutputFrames).
func (p *MelPrePostProcessor) computeMel(raw []float32) []float32 {
	padded := make([]float32, p.WindowSamples)
	if n := len(raw); n >= p.WindowSamples {
		copy(padded, raw[n-p.WindowSamples:])
	} else {
		copy(padded[p.WindowSamples-n:], raw)
	}

	nBins := p.NFFT/2 + 1
	filters := p.melFilterbank(nBins)
	window := hannWindow(p.NFFT)

	mel := make([]float32, p.NMels*p.OutputFrames)
	fftBuf := make([]float32, p.NFFT*2)
	for t := 0; t < p.OutputFrames; t++ {
		offset := t * p.HopSamples
		if offset+p.NFFT > len(padded) {
			break
		}
		for i := 0; i < p.NFFT; i++ {
			fftBuf[i*2] = padded[offset+i] * window[i]
			fftBuf[i*2+1] = 0
		}
		power := realDFTPower(fftBuf, p.NFFT)
		for m := 0; m < p.NMels; m++ {
			var v float32
			for k := 0; k < nBins; k++ {
				v += filters[m*nBins+k] * power[k]
			}
			if v < 1e-10 {
				v = 1e-10
			}
			mel[m*p.OutputFrames+t] = float32(math.Log(float64(v)))
		}
	}
	return mel
}

func hannWindow(n int) []float32 {
	w := make([]float32, n)
	for i := 0; i < n; i++ {
		w[i] = float32(0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n))))
	}
	return w
}

// realDFTPower computes the power spectrum (n/2+1 bins) of a complex buffer
// laid out [re0, im0, re1, im1, ...] via a direct DFT. Not FFT-fast, and it
// allocates the returned slice on every call; computeMel calls it once per
// frame on every PreProcess.
func realDFTPower(buf []float32, n int) []float32 {
	nOut := n/2 + 1
	power := make([]float32, nOut)
	for k := 0; k < nOut; k++ {
		var re, im float64
		for i := 0; i < n; i++ {
			angle := -2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += float64(buf[i*2]) * math.Cos(angle)
			im += float64(buf[i*2]) * math.Sin(angle)
		}
		power[k] = float32((re*re + im*im) / float64(n*n))
	}
	return power
}

func (p *MelPrePostProcessor) melFilterbank(nBins int) []float32 {
	if p.filters != nil && len(p.filters) == p.NMels*nBins {
		return p.filters
	}
	lowMel := hzToMel(20)
	highMel := hzToMel(p.SampleRate / 2)
	melPoints := make([]float64, p.NMels+2)
	for i := range melPoints {
		melPoints[i] = lowMel + (highMel-lowMel)*float64(i)/float64(p.NMels+1)
	}
	hzPoints := make([]float64, p.NMels+2)
	for i, m := range melPoints {
		hzPoints[i] = melToHz(m)
	}
	binFreq := make([]float64, nBins)
	for k := 0; k < nBins; k++ {
		binFreq[k] = float64(k) * p.SampleRate / float64(2*(nBins-1))
	}
	filters := make([]float32, p.NMels*nBins)
	for m := 0; m < p.NMels; m++ {
		left, center, right := hzPoints[m], hzPoints[m+1], hzPoints[m+2]
		for k := 0; k < nBins; k++ {
			f := binFreq[k]
			var v float64
			switch {
			case f >= left && f <= center && center > left:
				v = (f - left) / (center - left)
			case f > center && f <= right && right > center:
				v = (right - f) / (right - center)
			}
			filters[m*nBins+k] = float32(v)
		}
	}
	p.filters = filters
	return filters
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }
