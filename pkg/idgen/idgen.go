// Package idgen provides the snowflake node every service mints ids from.
package idgen

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidNodeID = errors.New("invalid_snowflake_node_id")

var Module = fx.Module("idgen",
	fx.Provide(NewNode),
)

// MaxNodeID is the highest node number the snowflake layout can encode.
func MaxNodeID() int64 {
	return -1 ^ (-1 << snowflake.NodeBits)
}

// ParseNodeID accepts a decimal node number in [0, MaxNodeID].
func ParseNodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidNodeID, raw)
	}
	if id < 0 || id > MaxNodeID() {
		return 0, fmt.Errorf("%w: %d is outside 0-%d", ErrInvalidNodeID, id, MaxNodeID())
	}
	return id, nil
}

// NewNode builds the node from SNOWFLAKE_NODE_ID. Two replicas with the same
// node id mint identical primary keys, so a bad value stops startup.
func NewNode(cfg config.Config, log *zap.Logger) (*snowflake.Node, error) {
	id, err := ParseNodeID(cfg.SnowflakeNodeID)
	if err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	if log != nil {
		log.Info("snowflake node ready", zap.Int64("node_id", id))
	}
	return node, nil
}
