package synth

import "github.com/Kocoro-lab/cryptoquery/internal/util"

// Node types understood by the engine.
const (
	NodeTypeWebhook     = "n8n-nodes-base.webhook"
	NodeTypeHTTPRequest = "n8n-nodes-base.httpRequest"
	NodeTypeFunction    = "n8n-nodes-base.function"
)

// Stage names double as node names. The execution result tree is keyed by
// them, so StageCompute is part of the extraction contract.
const (
	StageTrigger = "Webhook"
	StageFetch   = "CryptoCompare"
	StageCompute = "Calculate"
)

// Workflow is the definition document posted to the engine.
type Workflow struct {
	Name        string      `json:"name"`
	Nodes       []Node      `json:"nodes"`
	Connections Connections `json:"connections"`
	Settings    Settings    `json:"settings"`
}

// Node is one stage of the workflow.
type Node struct {
	Parameters  map[string]any `json:"parameters"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	TypeVersion int            `json:"typeVersion"`
	Position    [2]int         `json:"position"`
}

// Connection points a node output at the next node's input.
type Connection struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// Connections is keyed by source node name, then by output type.
type Connections map[string]map[string][][]Connection

// Settings controls how the engine stores executions.
type Settings struct {
	Timezone                 string `json:"timezone"`
	SaveDataErrorExecution   string `json:"saveDataErrorExecution"`
	SaveDataSuccessExecution string `json:"saveDataSuccessExecution"`
	SaveManualExecutions     bool   `json:"saveManualExecutions"`
}

func chain(names ...string) Connections {
	out := make(Connections, len(names))
	for i := 0; i+1 < len(names); i++ {
		out[names[i]] = map[string][][]Connection{
			"main": {{{Node: names[i+1], Type: "main", Index: 0}}},
		}
	}
	return out
}

// Redacted returns a copy of w safe to show to callers: the market-data API
// key in the fetch stage URL is masked.
func (w *WorkflowSpec) Redacted() *WorkflowSpec {
	out := *w
	out.Definition.Nodes = make([]Node, len(w.Definition.Nodes))
	for i, n := range w.Definition.Nodes {
		if n.Name == StageFetch {
			params := make(map[string]any, len(n.Parameters))
			for k, v := range n.Parameters {
				params[k] = v
			}
			if u, ok := params["url"].(string); ok {
				params["url"] = util.RedactURL(u, "api_key")
			}
			n.Parameters = params
		}
		out.Definition.Nodes[i] = n
	}
	return &out
}
