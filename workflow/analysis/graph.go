package analysis

import (
	"log/slog"

	"github.com/algotest/algotest/document"
	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/graph/emit"
	gstore "github.com/algotest/algotest/graph/store"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// Deps are the collaborators the analysis workflow needs.
type Deps struct {
	Extractor *document.Extractor
	Gateway   llm.Gateway
	DB        *store.DB
	Logger    *slog.Logger
	Emitter   emit.Emitter
	Metrics   *graph.Metrics
}

// New builds the three-node analysis graph:
//
//	read_pdf → generate_cases → save_cases
func New(deps Deps) (*graph.Engine[State], error) {
	eng := graph.New[State]("analysis", gstore.NewMemStore[State](), deps.Emitter, graph.Options{
		MaxSteps: 10,
		Metrics:  deps.Metrics,
	})

	if err := eng.Add("read_pdf", &ExtractNode{Extractor: deps.Extractor, Logger: deps.Logger}); err != nil {
		return nil, err
	}
	if err := eng.Add("generate_cases", &GenerateNode{Gateway: deps.Gateway, Logger: deps.Logger}); err != nil {
		return nil, err
	}
	if err := eng.Add("save_cases", &PersistNode{DB: deps.DB, Logger: deps.Logger}); err != nil {
		return nil, err
	}

	if err := eng.Connect("read_pdf", "generate_cases"); err != nil {
		return nil, err
	}
	if err := eng.Connect("generate_cases", "save_cases"); err != nil {
		return nil, err
	}
	if err := eng.StartAt("read_pdf"); err != nil {
		return nil, err
	}
	return eng, nil
}
