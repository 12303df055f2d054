package report

import (
	"log/slog"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/graph/emit"
	gstore "github.com/algotest/algotest/graph/store"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// Deps are the collaborators the report workflow needs.
type Deps struct {
	Gateway llm.Gateway
	DB      *store.DB
	Logger  *slog.Logger
	DataDir string
	Basics  BasicInfo
	Emitter emit.Emitter
	Metrics *graph.Metrics
}

// New builds the two-node report graph:
//
//	analyze_results → generate_report
func New(deps Deps) (*graph.Engine[State], error) {
	eng := graph.New[State]("report", gstore.NewMemStore[State](), deps.Emitter, graph.Options{
		MaxSteps: 10,
		Metrics:  deps.Metrics,
	})

	if err := eng.Add("analyze_results", &AnalyzeNode{Gateway: deps.Gateway, DB: deps.DB, Logger: deps.Logger}); err != nil {
		return nil, err
	}
	if err := eng.Add("generate_report", &EmitNode{
		Gateway: deps.Gateway,
		DB:      deps.DB,
		Logger:  deps.Logger,
		DataDir: deps.DataDir,
		Basics:  deps.Basics,
	}); err != nil {
		return nil, err
	}

	if err := eng.Connect("analyze_results", "generate_report"); err != nil {
		return nil, err
	}
	if err := eng.StartAt("analyze_results"); err != nil {
		return nil, err
	}
	return eng, nil
}
