package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// Parameter defaults for the built-in kinds.
const (
	DefaultResolution       = 0.8
	DefaultNPCs             = 50
	DefaultReferenceDataset = "default"
	DefaultTestMethod       = "wilcoxon"
)

var testMethods = map[string]bool{
	"wilcoxon": true,
	"t-test":   true,
	"MAST":     true,
	"DESeq2":   true,
}

// ParseParams decodes raw into the typed parameters of a built-in kind.
// Absent fields take their defaults. Errors carry joberr.KindValidation,
// or KindUnknownKind when kind is not built in.
func ParseParams(kind string, raw json.RawMessage) (any, error) {
	switch kind {
	case models.KindClustering:
		p := models.ClusteringParams{Resolution: DefaultResolution, NPCs: DefaultNPCs}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Resolution <= 0 {
			return nil, invalid("resolution must be positive, got %v", p.Resolution)
		}
		if p.NPCs < 1 {
			return nil, invalid("n_pcs must be at least 1, got %d", p.NPCs)
		}
		return p, nil

	case models.KindAnnotation:
		var p models.AnnotationParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.ReferenceDataset == "" {
			p.ReferenceDataset = DefaultReferenceDataset
		}
		return p, nil

	case models.KindDifferentialExpression:
		var p models.DifferentialExpressionParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.TestMethod == "" {
			p.TestMethod = DefaultTestMethod
		}
		if !testMethods[p.TestMethod] {
			return nil, invalid("unsupported test_method %q", p.TestMethod)
		}
		// Empty groups are passed through; the script decides whether the
		// comparison is meaningful.
		return p, nil

	default:
		return nil, joberr.New(joberr.KindUnknownKind, fmt.Errorf("%w %q", ErrUnknownKind, kind))
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return joberr.New(joberr.KindValidation, fmt.Errorf("%w: "+format, append([]any{ErrInvalidParam}, args...)...))
}
