package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// versionProbe reads just the version discriminator so the loader can
// select a concrete schema before committing to a full unmarshal.
type versionProbe struct {
	Version string `yaml:"version"`
}

// Load reads and parses a pipeline YAML file at path into the canonical
// Document, selecting a concrete schema by the `version` discriminator.
// Unknown versions are refused (spec.md §4.2).
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &blderrors.IOError{Op: "read pipeline file", Path: path, Cause: err}
	}
	return Parse(raw, path)
}

// Parse parses raw YAML bytes into the canonical Document. source is used
// only for error attribution.
func Parse(raw []byte, source string) (*Document, error) {
	var probe versionProbe
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, &blderrors.ParseError{Source: source, Reason: err.Error(), Cause: err}
	}

	switch probe.Version {
	case "1":
		var doc rawV1
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, &blderrors.ParseError{Source: source, Reason: err.Error(), Cause: err}
		}
		return doc.toDocument(), nil
	case "2":
		var doc rawV2
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, &blderrors.ParseError{Source: source, Reason: err.Error(), Cause: err}
		}
		return doc.toDocument(), nil
	case "3":
		var doc rawV3
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, &blderrors.ParseError{Source: source, Reason: err.Error(), Cause: err}
		}
		return doc.toDocument(), nil
	case "":
		return nil, &blderrors.ParseError{Source: source, Reason: "missing required top-level \"version\" field"}
	default:
		return nil, &blderrors.ParseError{Source: source, Reason: fmt.Sprintf("unsupported pipeline version %q", probe.Version)}
	}
}

// Serialise renders a Document back to v3 YAML. Used by the round-trip
// property test (spec.md §8: Parse(Serialise(P)) ≡ P for valid v3 docs)
// and by anything that persists a normalised copy of a submitted pipeline.
func Serialise(d *Document) ([]byte, error) {
	raw := documentToRawV3(d)
	out, err := yaml.Marshal(raw)
	if err != nil {
		return nil, &blderrors.IOError{Op: "serialise pipeline", Cause: err}
	}
	return out, nil
}
