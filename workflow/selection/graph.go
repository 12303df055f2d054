package selection

import (
	"log/slog"

	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/graph/emit"
	gstore "github.com/algotest/algotest/graph/store"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// Deps are the collaborators the selection workflow needs.
type Deps struct {
	Gateway llm.Gateway
	Runner  Runner
	DB      *store.DB
	Logger  *slog.Logger
	DataDir string
	Emitter emit.Emitter
	Metrics *graph.Metrics
}

// New builds the selection graph. After listing labels the flow either
// proceeds directly (the listing already held annotation contents),
// loops into content reads up to the attempt cap, or gives up:
//
//	get_task_info → list_label_files
//	list_label_files → read_label_file_contents | get_test_cases | END
//	read_label_file_contents → get_test_cases | read_label_file_contents | END
//	get_test_cases → select_test_images → update_database → END
func New(deps Deps) (*graph.Engine[State], error) {
	eng := graph.New[State]("selection", gstore.NewMemStore[State](), deps.Emitter, graph.Options{
		MaxSteps: 20,
		Metrics:  deps.Metrics,
	})

	nodes := map[string]graph.Node[State]{
		"get_task_info":            &TaskInfoNode{DB: deps.DB, Logger: deps.Logger},
		"list_label_files":         &ListLabelsNode{Gateway: deps.Gateway, Runner: deps.Runner, Logger: deps.Logger, DataDir: deps.DataDir},
		"read_label_file_contents": &ReadContentsNode{Runner: deps.Runner, Logger: deps.Logger, DataDir: deps.DataDir},
		"get_test_cases":           &GetCasesNode{DB: deps.DB},
		"select_test_images":       &SelectImagesNode{Gateway: deps.Gateway, Logger: deps.Logger, DataDir: deps.DataDir},
		"update_database":          &UpdateStoreNode{DB: deps.DB, Logger: deps.Logger},
	}
	for id, node := range nodes {
		if err := eng.Add(id, node); err != nil {
			return nil, err
		}
	}

	if err := eng.Connect("get_task_info", "list_label_files"); err != nil {
		return nil, err
	}
	if err := eng.ConnectCond("list_label_files", afterListing, map[string]string{
		"read":   "read_label_file_contents",
		"select": "get_test_cases",
		"giveup": graph.END,
	}); err != nil {
		return nil, err
	}
	if err := eng.ConnectCond("read_label_file_contents", afterReading, map[string]string{
		"select": "get_test_cases",
		"retry":  "read_label_file_contents",
		"giveup": graph.END,
	}); err != nil {
		return nil, err
	}
	if err := eng.Connect("get_test_cases", "select_test_images"); err != nil {
		return nil, err
	}
	if err := eng.Connect("select_test_images", "update_database"); err != nil {
		return nil, err
	}
	if err := eng.StartAt("get_task_info"); err != nil {
		return nil, err
	}
	return eng, nil
}

func afterListing(state State) string {
	switch {
	case !state.LabelContentReady && state.AttemptCount < maxReadAttempts:
		return "read"
	case state.LabelContentReady:
		return "select"
	default:
		return "giveup"
	}
}

func afterReading(state State) string {
	switch {
	case state.LabelContentReady:
		return "select"
	case state.AttemptCount >= maxReadAttempts:
		return "giveup"
	default:
		return "retry"
	}
}
