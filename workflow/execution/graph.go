package execution

import (
	"log/slog"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/graph/emit"
	gstore "github.com/algotest/algotest/graph/store"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// Deps are the collaborators the execution workflow needs. Ctrl must be
// backed by a live sandbox session that stays open for the whole run.
type Deps struct {
	Ctrl    Sandbox
	Gateway llm.Gateway
	DB      *store.DB
	Logger  *slog.Logger
	Emitter emit.Emitter
	Metrics *graph.Metrics
}

// New builds the execution graph. The parse→execute→save segment loops
// once per case:
//
//	provision_sandbox → load_cases → parse_command → execute_command → save_result
//	save_result → parse_command | END
func New(deps Deps) (*graph.Engine[State], error) {
	eng := graph.New[State]("execution", gstore.NewMemStore[State](), deps.Emitter, graph.Options{
		MaxSteps: 500,
		Metrics:  deps.Metrics,
	})

	nodes := map[string]graph.Node[State]{
		"provision_sandbox": &ProvisionNode{Ctrl: deps.Ctrl, DB: deps.DB, Logger: deps.Logger},
		"load_cases":        &LoadCasesNode{DB: deps.DB},
		"parse_command":     &ParseCommandNode{Gateway: deps.Gateway, Logger: deps.Logger},
		"execute_command":   &ExecuteNode{Ctrl: deps.Ctrl, Logger: deps.Logger},
		"save_result":       &SaveResultNode{DB: deps.DB, Logger: deps.Logger},
	}
	for id, node := range nodes {
		if err := eng.Add(id, node); err != nil {
			return nil, err
		}
	}

	if err := eng.Connect("provision_sandbox", "load_cases"); err != nil {
		return nil, err
	}
	if err := eng.Connect("load_cases", "parse_command"); err != nil {
		return nil, err
	}
	if err := eng.Connect("parse_command", "execute_command"); err != nil {
		return nil, err
	}
	if err := eng.Connect("execute_command", "save_result"); err != nil {
		return nil, err
	}
	if err := eng.ConnectCond("save_result", afterSave, map[string]string{
		"next_case": "parse_command",
		"done":      graph.END,
	}); err != nil {
		return nil, err
	}
	if err := eng.StartAt("provision_sandbox"); err != nil {
		return nil, err
	}
	return eng, nil
}

func afterSave(state State) string {
	if state.Index < len(state.Cases) {
		return "next_case"
	}
	return "done"
}
