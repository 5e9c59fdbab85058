package anira

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce ensures the ONNX Runtime environment is initialized exactly
// once per process, regardless of how many ONNXProcessor instances are
// prepared. ortInitErr is cached so every Prepare after a failed first
// attempt surfaces the same error instead of silently proceeding.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func ensureORTEnvironment() error {
	ortInitOnce.Do(func() {
		if lib := resolveBundledLib(candidateBaseDirs()); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXProcessor wraps an ONNX Runtime session for one backend. Tensors are
// allocated once in Prepare() from the inference-config's declared shape and
// reused on every Process() call, exactly as the teacher's sileroVAD and
// smartTurn wrap a fixed (1, 576) / (1, 80, 800) tensor pair and copy data in
// and out of it rather than allocating per call.
type ONNXProcessor struct {
	backend    BackendKind
	modelPath  string
	inputNames []string
	outputNames []string

	shape   TensorShape
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXProcessor builds a processor for backend from cfg. inputNames and
// outputNames are the ONNX graph's input/output tensor names (the teacher
// hard-codes these per model; here they are supplied per backend since a
// session may host several distinct ONNX graphs).
func NewONNXProcessor(backend BackendKind, cfg *InferenceConfig, inputNames, outputNames []string) (*ONNXProcessor, error) {
	shape, ok := cfg.ShapeFor(backend)
	if !ok {
		return nil, fmt.Errorf("anira: no tensor shape declared for backend %q", backend)
	}
	path, ok := cfg.ModelPathFor(backend)
	if !ok {
		return nil, fmt.Errorf("anira: no model path declared for backend %q", backend)
	}
	return &ONNXProcessor{
		backend:     backend,
		modelPath:   path,
		inputNames:  inputNames,
		outputNames: outputNames,
		shape:       shape,
	}, nil
}

// Prepare initializes the ONNX Runtime environment (once per process),
// loads the ONNX model, and allocates fixed-shape tensors. Must be called
// from the non-realtime control thread before any Process call.
func (p *ONNXProcessor) Prepare() error {
	if err := ensureORTEnvironment(); err != nil {
		return fmt.Errorf("anira: initialize ONNX Runtime environment: %w", err)
	}

	inputShape := ort.NewShape(toInt64(p.shape.InputShape)...)
	inputData := make([]float32, p.shape.inputLen())
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return err
	}

	outputShape := ort.NewShape(toInt64(p.shape.OutputShape)...)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		_ = inputTensor.Destroy()
		return err
	}

	sess, err := ort.NewAdvancedSession(p.modelPath,
		p.inputNames, p.outputNames,
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return err
	}

	p.session = sess
	p.input = inputTensor
	p.output = outputTensor
	return nil
}

// Process copies input.Data into the ONNX input tensor, runs the graph, and
// copies the result back into output.Data. No allocation on this path.
func (p *ONNXProcessor) Process(input, output *Tensor, _ *Session) error {
	if p.session == nil {
		return fmt.Errorf("anira: ONNXProcessor for %q used before Prepare", p.backend)
	}
	dst := p.input.GetData()
	if len(dst) != len(input.Data) {
		return fmt.Errorf("anira: ONNXProcessor input length mismatch: want %d, got %d", len(dst), len(input.Data))
	}
	copy(dst, input.Data)

	if err := p.session.Run(); err != nil {
		return err
	}

	src := p.output.GetData()
	if len(output.Data) != len(src) {
		return fmt.Errorf("anira: ONNXProcessor output length mismatch: want %d, got %d", len(output.Data), len(src))
	}
	copy(output.Data, src)
	return nil
}

// Destroy releases the ONNX Runtime session and its tensors.
func (p *ONNXProcessor) Destroy() error {
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	_ = p.input.Destroy()
	_ = p.output.Destroy()
	return err
}

func toInt64(vals []int) []int64 {
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out
}
