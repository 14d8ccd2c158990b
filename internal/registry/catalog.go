package registry

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// cosyVoiceFiles is the layout shared by the 300M family
var cosyVoiceFiles = []string{
	"cosyvoice.yaml",
	"llm.pt",
	"flow.pt",
	"hift.pt",
	"campplus.onnx",
	"speech_tokenizer_v1.onnx",
}

// DefaultCatalog returns the built-in CosyVoice bundles.
// ModelScope is the primary source, HuggingFace the mirror.
func DefaultCatalog() *Registry {
	return MustNew(
		ModelDescriptor{
			ID:          "cosyvoice3_2512",
			DisplayName: "CosyVoice3-0.5B-2512",
			ApproxSize:  1200 * humanize.MByte,
			Description: "Latest CosyVoice3 release, multilingual zero-shot voice cloning (recommended)",
			ModelType:   "cosyvoice3",
			RequiredFiles: files(
				"cosyvoice3.yaml",
				"llm.pt",
				"flow.pt",
				"hift.pt",
				"campplus.onnx",
				"speech_tokenizer_v3.onnx",
				"CosyVoice-BlankEN/config.json",
			),
			Sources: sources("ms:FunAudioLLM/Fun-CosyVoice3-0.5B-2512", "hf:FunAudioLLM/Fun-CosyVoice3-0.5B-2512"),
		},
		ModelDescriptor{
			ID:          "cosyvoice2",
			DisplayName: "CosyVoice2-0.5B",
			ApproxSize:  980 * humanize.MByte,
			Description: "CosyVoice2 streaming model with improved pronunciation and prosody",
			ModelType:   "cosyvoice2",
			RequiredFiles: files(
				"cosyvoice2.yaml",
				"llm.pt",
				"flow.pt",
				"hift.pt",
				"campplus.onnx",
				"speech_tokenizer_v2.onnx",
				"CosyVoice-BlankEN/config.json",
			),
			Sources: sources("ms:iic/CosyVoice2-0.5B", "hf:FunAudioLLM/CosyVoice2-0.5B"),
		},
		ModelDescriptor{
			ID:            "cosyvoice_300m",
			DisplayName:   "CosyVoice-300M",
			ApproxSize:    600 * humanize.MByte,
			Description:   "Base 300M model for zero-shot and cross-lingual cloning",
			ModelType:     "cosyvoice",
			RequiredFiles: files(cosyVoiceFiles...),
			Sources:       sources("ms:iic/CosyVoice-300M", "hf:FunAudioLLM/CosyVoice-300M"),
		},
		ModelDescriptor{
			ID:            "cosyvoice_300m_sft",
			DisplayName:   "CosyVoice-300M-SFT",
			ApproxSize:    620 * humanize.MByte,
			Description:   "300M model fine-tuned with built-in speakers",
			ModelType:     "cosyvoice",
			RequiredFiles: files(append(append([]string{}, cosyVoiceFiles...), "spk2info.pt")...),
			Sources:       sources("ms:iic/CosyVoice-300M-SFT", "hf:FunAudioLLM/CosyVoice-300M-SFT"),
		},
		ModelDescriptor{
			ID:            "cosyvoice_300m_instruct",
			DisplayName:   "CosyVoice-300M-Instruct",
			ApproxSize:    620 * humanize.MByte,
			Description:   "300M model that follows natural-language style instructions",
			ModelType:     "cosyvoice",
			RequiredFiles: files(cosyVoiceFiles...),
			Sources:       sources("ms:iic/CosyVoice-300M-Instruct", "hf:FunAudioLLM/CosyVoice-300M-Instruct"),
		},
		ModelDescriptor{
			ID:          "cosyvoice_ttsfrd",
			DisplayName: "CosyVoice-ttsfrd",
			ApproxSize:  550 * humanize.MByte,
			Description: "Text normalization resources, improves number and symbol reading",
			ModelType:   "ttsfrd",
			RequiredFiles: files(
				"resource.zip",
				"ttsfrd_dependency-0.1-py3-none-any.whl",
				"ttsfrd-0.4.2-cp310-cp310-linux_x86_64.whl",
			),
			Sources: sources("ms:iic/CosyVoice-ttsfrd", "hf:FunAudioLLM/CosyVoice-ttsfrd"),
			Dependencies: []string{
				"{model_dir}/ttsfrd_dependency-0.1-py3-none-any.whl",
				"{model_dir}/ttsfrd-0.4.2-cp310-cp310-linux_x86_64.whl",
			},
		},
	)
}

func files(paths ...string) []ManifestFile {
	out := make([]ManifestFile, len(paths))
	for i, p := range paths {
		out[i] = ManifestFile{Path: p}
	}
	return out
}

func sources(raw ...string) []Source {
	out := make([]Source, 0, len(raw))
	for _, r := range raw {
		s, err := ParseSource(r)
		if err != nil {
			panic(err)
		}
		out = append(out, s)
	}
	return out
}

// catalogFile is the on-disk YAML shape of a catalog
type catalogFile struct {
	Models []catalogModel `yaml:"models"`
}

type catalogModel struct {
	ID           string         `yaml:"id"`
	DisplayName  string         `yaml:"display_name"`
	ApproxSize   string         `yaml:"approx_size"` // "1.2GB", "980 MiB", raw bytes
	Description  string         `yaml:"description"`
	ModelType    string         `yaml:"model_type"`
	Verification VerifyMode     `yaml:"verification"`
	Sources      []string       `yaml:"sources"`
	Files        []ManifestFile `yaml:"files"`
	Dependencies []string       `yaml:"dependencies"`
}

// UnmarshalYAML accepts either a bare path or a mapping
func (f *ManifestFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Path = node.Value
		return nil
	}
	type plain ManifestFile
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = ManifestFile(p)
	return nil
}

// ParseCatalog builds a registry from YAML catalog data
func ParseCatalog(data []byte) (*Registry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}

	descs := make([]ModelDescriptor, 0, len(cf.Models))
	for _, m := range cf.Models {
		d := ModelDescriptor{
			ID:            m.ID,
			DisplayName:   m.DisplayName,
			Description:   m.Description,
			ModelType:     m.ModelType,
			RequiredFiles: m.Files,
			Dependencies:  m.Dependencies,
			Verification:  m.Verification,
		}
		if d.DisplayName == "" {
			d.DisplayName = m.ID
		}

		if m.ApproxSize != "" {
			size, err := humanize.ParseBytes(m.ApproxSize)
			if err != nil {
				return nil, fmt.Errorf("model %q: invalid approx_size %q: %w", m.ID, m.ApproxSize, err)
			}
			d.ApproxSize = int64(size)
		} else if total, _ := d.ManifestSize(); total > 0 {
			d.ApproxSize = total
		}

		for _, raw := range m.Sources {
			s, err := ParseSource(raw)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", m.ID, err)
			}
			d.Sources = append(d.Sources, s)
		}

		descs = append(descs, d)
	}

	return New(descs...)
}

// LoadCatalog reads a YAML catalog file
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}
