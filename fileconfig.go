package anira

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape for an engine context plus its
// sessions' inference configs. It exists purely to decouple wire format from
// the in-memory EngineConfig/InferenceConfig types; hosts that build configs
// programmatically never need it.
type FileConfig struct {
	Engine   FileEngineConfig    `yaml:"engine"`
	Sessions []FileInferenceConfig `yaml:"sessions"`
}

// FileEngineConfig mirrors EngineConfig field-for-field in YAML.
type FileEngineConfig struct {
	Version         string   `yaml:"version"`
	EnabledBackends []string `yaml:"enabled_backends"`
	SyncMode        string   `yaml:"synchronization_type"`
	NumThreads      int      `yaml:"num_threads"`
	UseHostThreads  bool     `yaml:"use_host_threads"`
	WaitFactor      float64  `yaml:"wait_factor"`
}

// FileInferenceConfig mirrors InferenceConfig field-for-field in YAML.
type FileInferenceConfig struct {
	Name string `yaml:"name"`

	ModelData []struct {
		Path    string `yaml:"path"`
		Backend string `yaml:"backend"`
	} `yaml:"model_data"`

	TensorShapes []struct {
		Backend     string `yaml:"backend"`
		InputShape  []int  `yaml:"input_shape"`
		OutputShape []int  `yaml:"output_shape"`
		Layout      string `yaml:"layout"`
	} `yaml:"tensor_shapes"`

	MaxInferenceTimeMS        int  `yaml:"max_inference_time_ms"`
	InternalLatencySamples    int  `yaml:"internal_latency_samples"`
	NumAudioChannelsInput     int  `yaml:"num_audio_channels_input"`
	NumAudioChannelsOutput    int  `yaml:"num_audio_channels_output"`
	NumParallelProcessors     int  `yaml:"num_parallel_processors"`
	SessionExclusiveProcessor bool `yaml:"session_exclusive_processor"`
	WaitInProcessBlock        bool `yaml:"wait_in_process_block"`
}

// LoadFileConfig reads and decodes a YAML configuration file at path.
func LoadFileConfig(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("anira: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFileConfigFromReader(f)
}

// LoadFileConfigFromReader decodes a YAML config from r. Unknown fields are
// rejected so a typo'd key surfaces at load time rather than silently
// defaulting.
func LoadFileConfigFromReader(r io.Reader) (*FileConfig, error) {
	fc := &FileConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil {
		return nil, fmt.Errorf("anira: decode yaml: %w", err)
	}
	return fc, nil
}

// ToEngineConfig converts the YAML engine section into an EngineConfig.
func (fc *FileConfig) ToEngineConfig() (EngineConfig, error) {
	sync, err := parseSyncMode(fc.Engine.SyncMode)
	if err != nil {
		return EngineConfig{}, err
	}
	backends := make([]BackendKind, len(fc.Engine.EnabledBackends))
	for i, b := range fc.Engine.EnabledBackends {
		backends[i] = BackendKind(b)
	}
	cfg := EngineConfig{
		Version:         fc.Engine.Version,
		EnabledBackends: backends,
		SyncMode:        sync,
		NumThreads:      fc.Engine.NumThreads,
		UseHostThreads:  fc.Engine.UseHostThreads,
		WaitFactor:      fc.Engine.WaitFactor,
	}
	return cfg, validateEngineConfig(cfg)
}

// ToInferenceConfig converts one YAML session section into an InferenceConfig.
func (s *FileInferenceConfig) ToInferenceConfig() (*InferenceConfig, error) {
	cfg := &InferenceConfig{
		MaxInferenceTimeMS:        s.MaxInferenceTimeMS,
		InternalLatencySamples:    s.InternalLatencySamples,
		NumAudioChannelsInput:     s.NumAudioChannelsInput,
		NumAudioChannelsOutput:    s.NumAudioChannelsOutput,
		NumParallelProcessors:     s.NumParallelProcessors,
		SessionExclusiveProcessor: s.SessionExclusiveProcessor,
		WaitInProcessBlock:        s.WaitInProcessBlock,
	}
	for _, md := range s.ModelData {
		cfg.ModelData = append(cfg.ModelData, ModelData{
			Path:    ResolveModelPath(md.Path),
			Backend: BackendKind(md.Backend),
		})
	}
	for _, ts := range s.TensorShapes {
		layout, err := parseLayout(ts.Layout)
		if err != nil {
			return nil, fmt.Errorf("anira: session %q: %w", s.Name, err)
		}
		cfg.TensorShapes = append(cfg.TensorShapes, TensorShape{
			Backend:     BackendKind(ts.Backend),
			InputShape:  ts.InputShape,
			OutputShape: ts.OutputShape,
			Layout:      layout,
		})
	}
	if err := validateInferenceConfig(cfg); err != nil {
		return nil, fmt.Errorf("anira: session %q: %w", s.Name, err)
	}
	return cfg, nil
}

func parseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "atomic-flag":
		return SyncAtomicFlag, nil
	case "semaphore":
		return SyncSemaphore, nil
	default:
		return 0, fmt.Errorf("anira: unknown synchronization_type %q", s)
	}
}

func parseLayout(s string) (Layout, error) {
	switch s {
	case "", "channels_first":
		return LayoutChannelsFirst, nil
	case "time_first":
		return LayoutTimeFirst, nil
	default:
		return 0, fmt.Errorf("anira: unknown layout %q", s)
	}
}
