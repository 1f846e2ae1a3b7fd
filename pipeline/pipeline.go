// Package pipeline turns logical pipeline descriptions into schedulable
// execution graphs. The operator DAG itself is opaque here: interpreting
// operators is the planner's business.
package pipeline

import (
	"fmt"

	"github.com/tributary-io/tributary/model"
)

// Operator is one node of the logical DAG. The payload carries the operator
// definition (user code references, serialized options) and is opaque to
// this layer.
type Operator struct {
	Name        string
	Parallelism int
	Payload     []byte
	// Inputs name the upstream operators this one consumes from.
	Inputs []string
}

// Pipeline is a logical job description. It is a sealed variant over the
// stream and batch representations; translation dispatches on the concrete
// type and rejects anything else.
type Pipeline interface {
	Name() string
	Operators() []*Operator

	sealed()
}

// StreamPipeline is the unbounded-dataflow representation.
type StreamPipeline struct {
	JobName string
	Ops     []*Operator
}

func (p *StreamPipeline) Name() string           { return p.JobName }
func (p *StreamPipeline) Operators() []*Operator { return p.Ops }
func (p *StreamPipeline) sealed()                {}

// BatchPipeline is the bounded-input representation.
type BatchPipeline struct {
	JobName string
	Ops     []*Operator
}

func (p *BatchPipeline) Name() string           { return p.JobName }
func (p *BatchPipeline) Operators() []*Operator { return p.Ops }
func (p *BatchPipeline) sealed()                {}

// Planner is the external lowering pass from an operator DAG to an
// execution DAG. defaultParallelism is the resolved policy: ParallelismAuto
// keeps each operator's own setting, any other value overrides all of them.
//
// Implementations capture whatever user-code context they need to interpret
// operator payloads.
type Planner interface {
	Plan(p Pipeline, defaultParallelism int) (*model.ExecutionGraph, error)
}

// SimplePlanner lowers each operator to exactly one execution vertex, with
// no chaining or fusion. It serves the standalone deployment and tests;
// production planners are expected to replace it.
type SimplePlanner struct{}

func NewSimplePlanner() *SimplePlanner {
	return &SimplePlanner{}
}

func (pl *SimplePlanner) Plan(p Pipeline, defaultParallelism int) (*model.ExecutionGraph, error) {
	ops := p.Operators()

	idByName := make(map[string]model.VertexID, len(ops))
	for i, op := range ops {
		if _, ok := idByName[op.Name]; ok {
			return nil, fmt.Errorf("duplicate operator name %q", op.Name)
		}
		idByName[op.Name] = model.VertexID(fmt.Sprintf("v%d-%s", i, op.Name))
	}

	vertices := make([]*model.Vertex, 0, len(ops))
	for _, op := range ops {
		parallelism := op.Parallelism
		if defaultParallelism != ParallelismAuto {
			parallelism = defaultParallelism
		}
		if parallelism <= 0 {
			parallelism = 1
		}

		vertex := &model.Vertex{
			ID:          idByName[op.Name],
			Name:        op.Name,
			Parallelism: parallelism,
		}
		for _, input := range op.Inputs {
			upstream, ok := idByName[input]
			if !ok {
				return nil, fmt.Errorf("operator %q consumes unknown operator %q", op.Name, input)
			}
			vertex.Inputs = append(vertex.Inputs, upstream)
		}
		vertices = append(vertices, vertex)
	}

	return &model.ExecutionGraph{
		ID:       model.NewJobID(),
		Name:     p.Name(),
		Vertices: vertices,
	}, nil
}
