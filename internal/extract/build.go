package extract

import (
	"fmt"
	"strings"
	"time"

	"audiorelay/internal/shared/types"
)

// BuildStrategies turns the comma separated priority list from
// extract.strategies into strategies. Unknown names are an error; a proxy
// entry with no pool is dropped.
func BuildStrategies(list string, tool YtDlp, pool ProxySource) ([]Strategy, error) {
	var out []Strategy
	seen := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case types.MethodDirectV4:
			out = append(out, NewDirectStrategy(tool, types.FamilyV4))
		case types.MethodDirectV6:
			out = append(out, NewDirectStrategy(tool, types.FamilyV6))
		case types.MethodProxy:
			if pool == nil {
				continue
			}
			out = append(out, NewProxyStrategy(tool, pool))
		case types.MethodNative:
			out = append(out, NewNativeStrategy())
		default:
			return nil, fmt.Errorf("unknown extraction strategy %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable extraction strategy in %q", list)
	}
	return out, nil
}

// NewFromConfig builds the chain described by the [extract] section.
func NewFromConfig(cfg *types.Config, tool YtDlp, pool ProxySource) (*Chain, error) {
	if tool.Format == "" {
		tool.Format = cfg.ExtractConf.Format
	}
	strategies, err := BuildStrategies(cfg.ExtractConf.Strategies, tool, pool)
	if err != nil {
		return nil, err
	}
	return NewChain(
		strategies,
		time.Duration(cfg.ExtractConf.StrategyTimeoutSec)*time.Second,
		time.Duration(cfg.ExtractConf.BudgetSec)*time.Second,
	), nil
}
