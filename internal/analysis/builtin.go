package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// Commands holds the command lines of the built-in scripts.
type Commands struct {
	Clustering             string
	Annotation             string
	DifferentialExpression string
}

// Builtins returns the clustering, annotation and differential expression
// handlers.
func Builtins(cmds Commands, opts ScriptOptions) ([]Handler, error) {
	clustering, err := NewClustering(cmds.Clustering, opts)
	if err != nil {
		return nil, err
	}
	annotation, err := NewAnnotation(cmds.Annotation, opts)
	if err != nil {
		return nil, err
	}
	de, err := NewDifferentialExpression(cmds.DifferentialExpression, opts)
	if err != nil {
		return nil, err
	}
	return []Handler{clustering, annotation, de}, nil
}

func builtinParser(kind string) func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		return ParseParams(kind, raw)
	}
}

// NewClustering runs the clustering script with --resolution and --n_pcs.
func NewClustering(command string, opts ScriptOptions) (Handler, error) {
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	return &scriptHandler{
		kind:    models.KindClustering,
		command: argv,
		core:    Stage{Percent: 40, Step: "Running clustering"},
		post:    Stage{Percent: PostProcessPercent, Step: "Generating visualizations"},
		opts:    opts,
		parse:   builtinParser(models.KindClustering),
		flags: func(v any) ([]string, error) {
			p, ok := v.(models.ClusteringParams)
			if !ok {
				return nil, fmt.Errorf("clustering: unexpected params %T", v)
			}
			return []string{
				"--resolution", strconv.FormatFloat(p.Resolution, 'g', -1, 64),
				"--n_pcs", strconv.Itoa(p.NPCs),
			}, nil
		},
		fallback: func(string) map[string]any {
			return map[string]any{
				"n_clusters": "Unknown",
				"message":    "Analysis completed but summary not found",
			}
		},
	}, nil
}

// NewAnnotation runs the annotation script with --reference.
func NewAnnotation(command string, opts ScriptOptions) (Handler, error) {
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("annotation: %w", err)
	}
	return &scriptHandler{
		kind:    models.KindAnnotation,
		command: argv,
		core:    Stage{Percent: 30, Step: "Annotating cells"},
		post:    Stage{Percent: PostProcessPercent, Step: StepCollecting},
		opts:    opts,
		parse:   builtinParser(models.KindAnnotation),
		flags: func(v any) ([]string, error) {
			p, ok := v.(models.AnnotationParams)
			if !ok {
				return nil, fmt.Errorf("annotation: unexpected params %T", v)
			}
			return []string{"--reference", p.ReferenceDataset}, nil
		},
		fallback: func(dir string) map[string]any {
			return map[string]any{
				"message":    "Annotation completed",
				"output_dir": dir,
			}
		},
	}, nil
}

// NewDifferentialExpression runs the DE script with comma-joined groups
// and --method.
func NewDifferentialExpression(command string, opts ScriptOptions) (Handler, error) {
	argv, err := SplitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("differential expression: %w", err)
	}
	return &scriptHandler{
		kind:    models.KindDifferentialExpression,
		command: argv,
		core:    Stage{Percent: 30, Step: "Computing differential expression"},
		post:    Stage{Percent: PostProcessPercent, Step: StepCollecting},
		opts:    opts,
		parse:   builtinParser(models.KindDifferentialExpression),
		flags: func(v any) ([]string, error) {
			p, ok := v.(models.DifferentialExpressionParams)
			if !ok {
				return nil, fmt.Errorf("differential expression: unexpected params %T", v)
			}
			return []string{
				"--group1", strings.Join(p.Group1, ","),
				"--group2", strings.Join(p.Group2, ","),
				"--method", p.TestMethod,
			}, nil
		},
		fallback: func(dir string) map[string]any {
			return map[string]any{
				"message":    "Differential expression analysis completed",
				"output_dir": dir,
			}
		},
	}, nil
}
