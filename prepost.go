package anira

// PrePostProcessor moves samples between a session's ring buffers and a
// slot's tensors. It is caller-supplied (or DefaultPrePostProcessor, below)
// and must be stateless across calls except for reading shape from the
// session's config — it is called from the audio thread (PreProcess on
// submit, PostProcess on request; both on the submitting goroutine in offline
// mode), so it must not allocate or block.
type PrePostProcessor interface {
	// PreProcess reads InputSamples() historical samples per channel from
	// sendRing (which may be larger than OutputSamples() when the model
	// uses past context) and writes them into input in the layout shape
	// declares. The ring is advanced by OutputSamples() (the hop), not by
	// the full input window, so overlapping context is preserved across
	// calls.
	PreProcess(sendRing *RingBuffer, input *Tensor, shape TensorShape)

	// PostProcess writes the newly produced hop of samples from output into
	// recvRing.
	PostProcess(output *Tensor, recvRing *RingBuffer, shape TensorShape)
}

// DefaultPrePostProcessor implements PrePostProcessor for the common case:
// flat tensors laid out as declared by TensorShape.Layout, with no
// additional feature extraction. It is stateless and safe for concurrent use
// across sessions. PostProcess does not allocate; PreProcess allocates one
// window slice per channel on every call, because RingBuffer.PeekWindow
// returns a new slice.
type DefaultPrePostProcessor struct{}

func (DefaultPrePostProcessor) PreProcess(sendRing *RingBuffer, input *Tensor, shape TensorShape) {
	channels := shape.InputChannels()
	samples := shape.InputSamples()
	hop := shape.OutputSamples()

	for ch := 0; ch < channels; ch++ {
		window := sendRing.PeekWindow(ch, samples, hop)
		writeChannel(input.Data, ch, channels, samples, shape.Layout, window)
		sendRing.Advance(ch, hop)
	}
}

func (DefaultPrePostProcessor) PostProcess(output *Tensor, recvRing *RingBuffer, shape TensorShape) {
	channels := shape.OutputChannels()
	hop := shape.OutputSamples()

	for ch := 0; ch < channels; ch++ {
		for i := 0; i < hop; i++ {
			recvRing.PushSample(ch, readChannel(output.Data, ch, channels, hop, shape.Layout, i))
		}
	}
}

// writeChannel copies samples (length n) into the flat tensor data for
// channel ch, honoring layout.
func writeChannel(data []float32, ch, channels, n int, layout Layout, samples []float32) {
	if layout == LayoutChannelsFirst {
		copy(data[ch*n:(ch+1)*n], samples)
		return
	}
	for i, v := range samples {
		data[i*channels+ch] = v
	}
}

// readChannel reads the i-th sample of channel ch from a flat tensor laid
// out per layout, with n samples per channel.
func readChannel(data []float32, ch, channels, n int, layout Layout, i int) float32 {
	if layout == LayoutChannelsFirst {
		return data[ch*n+i]
	}
	return data[i*channels+ch]
}
