package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/datatypes"
)

func encodeSnapshot(g *graph.Graph) (datatypes.JSON, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph snapshot: %w", err)
	}
	return datatypes.JSON(data), nil
}

// snapshotOf decodes the action subgraph frozen into the pipeline at creation
func snapshotOf(p *types.LiquidityManagementPipeline) (*graph.Graph, error) {
	if len(p.Graph) == 0 {
		return nil, fmt.Errorf("%w: pipeline %d has no graph snapshot", types.ErrConfiguration, p.ID)
	}
	g := &graph.Graph{}
	if err := json.Unmarshal(p.Graph, g); err != nil {
		return nil, fmt.Errorf("%w: pipeline %d graph snapshot: %v", types.ErrConfiguration, p.ID, err)
	}
	return g, nil
}
