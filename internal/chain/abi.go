package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Settlement contract interface. Operator writes take the account owner as
// the first argument; executeHedgeSettlement acts on msg.sender and takes the
// share in basis points.
const settlementABIJSON = `[
 {"type":"function","name":"depositCollateral","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"withdrawCollateral","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"lockCollateral","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"unlockCollateral","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"executeSettlement","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"fromToken","type":"address"},{"name":"toToken","type":"address"},{"name":"fromAmount","type":"uint256"},{"name":"minToAmount","type":"uint256"},{"name":"dex","type":"address"}],"outputs":[]},
 {"type":"function","name":"executeHedgeSettlement","stateMutability":"nonpayable","inputs":[{"name":"fromToken","type":"address"},{"name":"toToken","type":"address"},{"name":"percentBps","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getAvailableCollateral","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTotalCollateral","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getLockedCollateral","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getSettlementCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getSettlement","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"fromToken","type":"address"},{"name":"toToken","type":"address"},{"name":"fromAmount","type":"uint256"},{"name":"toAmount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"executed","type":"bool"}]}
]`

var settlementABI = mustParseABI(settlementABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid settlement ABI: " + err.Error())
	}
	return parsed
}
