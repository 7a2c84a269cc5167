package gen

import (
	"fmt"

	"outreach-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the ID node from NODE_ID. Every replica writing to
// the same database needs a distinct id in [0, 1023].
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake: node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
